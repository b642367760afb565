package frontend

import (
	stderrors "errors"
	"runtime/debug"

	"github.com/sessamekesh/spanreed-frontend/internal"
	"github.com/sessamekesh/spanreed-frontend/pkg/cluster"
	"github.com/sessamekesh/spanreed-frontend/pkg/command"
	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/handlers"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/client"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/forward"
	"github.com/sessamekesh/spanreed-frontend/pkg/metrics"
	"github.com/sessamekesh/spanreed-frontend/pkg/routing"
	"github.com/sessamekesh/spanreed-frontend/pkg/session"
	"go.uber.org/zap"
)

type ManagerParams struct {
	Context  *cluster.NodeContext
	Routes   *routing.RouteTable
	Routers  *routing.RouterTable
	Commands *command.Registry
	Codec    client.Codec

	GetNowTimestamp func() int64
}

// Manager owns the client table and decides, per command, whether to serve it locally or
// forward it to a backend node. Every method must be called from the frontend event loop.
type Manager struct {
	nc       *cluster.NodeContext
	table    *internal.ClientTable
	routes   *routing.RouteTable
	routers  *routing.RouterTable
	commands *command.Registry
	codec    client.Codec

	getNowTimestamp func() int64

	log *zap.Logger
}

func CreateManager(params ManagerParams) *Manager {
	nc := params.Context
	if nc == nil {
		nc = &cluster.NodeContext{}
	}
	if nc.Registry == nil {
		nc.Registry = cluster.CreateStaticRegistry()
	}

	log := nc.Logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
		nc.Logger = log
	}

	routes := params.Routes
	if routes == nil {
		routes, _ = routing.NewRouteTable(nil)
	}
	routers := params.Routers
	if routers == nil {
		routers = routing.NewRouterTable()
	}
	commands := params.Commands
	if commands == nil {
		commands = command.NewRegistry()
	}
	codec := params.Codec
	if codec == nil {
		codec = client.TcpCodec(nil)
	}
	getNowTimestamp := params.GetNowTimestamp
	if getNowTimestamp == nil {
		getNowTimestamp = func() int64 { return 0 }
	}

	return &Manager{
		nc:              nc,
		table:           internal.CreateClientTable(),
		routes:          routes,
		routers:         routers,
		commands:        commands,
		codec:           codec,
		getNowTimestamp: getNowTimestamp,
		log:             log.With(zap.String("component", "ConnectionManager")),
	}
}

// Admit registers a new connection with a fresh session owned by this node. A connection
// that is already registered is closed.
func (m *Manager) Admit(conn handlers.ClientConnection) error {
	if _, has := m.table.Get(conn); has {
		err := &errors.AlreadyRegistered{RemoteAddress: conn.RemoteAddress()}
		m.report(conn, err)
		return err
	}

	sess := session.New(m.nc.Self.Id, &connBinder{table: m.table, conn: conn})
	if err := m.table.Add(conn, sess, m.getNowTimestamp()); err != nil {
		m.report(conn, err)
		return err
	}
	metrics.ClientsConnected.Set(float64(m.table.LiveCount()))

	m.log.Debug("Admitted client",
		zap.Uint32("clientId", conn.Id()),
		zap.String("remoteAddr", conn.RemoteAddress()))
	return nil
}

// Release drops the connection's session. The session close hook runs after the table entry
// is gone. Releasing an unregistered connection does nothing.
func (m *Manager) Release(conn handlers.ClientConnection) {
	sess, has := m.table.Remove(conn)
	if !has {
		return
	}
	metrics.ClientsConnected.Set(float64(m.table.LiveCount()))
	metrics.ClientsBound.Set(float64(m.table.BoundLen()))

	if onClosed := sess.OnClosed(); onClosed != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("Session close hook panicked",
						zap.String("remoteAddr", conn.RemoteAddress()),
						zap.String("uid", sess.Uid()),
						zap.Any("panic", r),
						zap.Stack("stack"))
				}
			}()
			onClosed(m.nc, sess)
		}()
	}

	m.log.Debug("Released client",
		zap.Uint32("clientId", conn.Id()),
		zap.String("remoteAddr", conn.RemoteAddress()),
		zap.String("uid", sess.Uid()))
}

// Dispatch decodes one client frame and serves or forwards it. Failures are logged and
// returned; only protocol violations close the connection. Panics from the codec or a
// router are recovered here and the message is dropped.
func (m *Manager) Dispatch(conn handlers.ClientConnection, raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.DispatchPanic{
				RemoteAddress: conn.RemoteAddress(),
				Panic:         r,
				Stack:         debug.Stack(),
			}
			m.report(conn, err)
		}
	}()

	err = m.dispatch(conn, raw)
	if err != nil {
		m.report(conn, err)
	}
	return err
}

func (m *Manager) dispatch(conn handlers.ClientConnection, raw []byte) error {
	entry, has := m.table.Get(conn)
	if !has {
		return &errors.NotRegistered{RemoteAddress: conn.RemoteAddress()}
	}

	frame, err := m.codec.DecodeFrame(raw)
	if err != nil {
		return err
	}

	route, has := m.routes.Lookup(frame.CommandId)
	if !has {
		return &errors.UnknownCommand{
			CommandId:     frame.CommandId,
			RemoteAddress: conn.RemoteAddress(),
		}
	}

	if route.ServerType != m.nc.Self.ServerType {
		m.forward(conn, frame.CommandId, frame.Payload, entry.Session, route.ServerType)
		return nil
	}

	method, has := m.commands.Lookup(route.Handler, route.Method)
	if !has {
		return &errors.MissingHandler{Handler: route.Handler, Method: route.Method}
	}

	msg, err := m.codec.DecodeMessage(frame.CommandId, frame.Payload)
	if err != nil {
		return err
	}

	metrics.CommandsDispatched.WithLabelValues("local").Inc()
	return m.invoke(route, method, msg, entry.Session, &connReplier{
		conn:      conn,
		commandId: frame.CommandId,
		codec:     m.codec,
		log:       m.log,
	})
}

func (m *Manager) invoke(route routing.Route, method command.Method, msg any, sess *session.Session, reply *connReplier) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.HandlerFailure{
				Route:         route.String(),
				RemoteAddress: reply.conn.RemoteAddress(),
				Panic:         r,
				Stack:         debug.Stack(),
			}
		}
	}()

	if handlerErr := method(msg, sess, reply); handlerErr != nil {
		return &errors.HandlerFailure{
			Route:         route.String(),
			RemoteAddress: reply.conn.RemoteAddress(),
			Err:           handlerErr,
		}
	}
	return nil
}

// forward asks the server type's router for a target and hands a command-forward frame to
// the RPC channel. Routers may call next later; failures are reported from inside next.
func (m *Manager) forward(conn handlers.ClientConnection, commandId uint16, payload []byte, sess *session.Session, serverType string) {
	route := m.routers.Get(serverType)
	route(m.nc, sess, serverType, func(nodeId string) {
		if err := m.sendForward(conn, commandId, payload, sess, serverType, nodeId); err != nil {
			m.report(conn, err)
		}
	})
}

func (m *Manager) sendForward(conn handlers.ClientConnection, commandId uint16, payload []byte, sess *session.Session, serverType string, nodeId string) error {
	if nodeId == "" {
		return &errors.NoBackend{ServerType: serverType, RemoteAddress: conn.RemoteAddress()}
	}
	if m.nc.Rpc == nil || !m.nc.Rpc.IsConnected(nodeId) {
		return &errors.UnknownNode{NodeId: nodeId, RemoteAddress: conn.RemoteAddress()}
	}
	if node, has := m.nc.Registry.Get(nodeId); has && node.Frontend {
		return &errors.FrontendTarget{NodeId: nodeId, RemoteAddress: conn.RemoteAddress()}
	}

	serialized, err := sess.Serialized()
	if err != nil {
		return err
	}
	frame, err := forward.Serialize(&forward.CommandForward{
		Session:   serialized,
		CommandId: commandId,
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	if err := m.nc.Rpc.Send(nodeId, frame); err != nil {
		return &errors.SendFailure{NodeId: nodeId, Err: err}
	}

	metrics.CommandsDispatched.WithLabelValues("remote").Inc()
	metrics.ForwardedBytes.Add(float64(len(frame)))
	return nil
}

// report logs a dispatch or lifecycle failure at the level its kind calls for. Protocol
// violations close the connection; everything else leaves it open.
func (m *Manager) report(conn handlers.ClientConnection, err error) {
	log := m.log.With(
		zap.Uint32("clientId", conn.Id()),
		zap.String("remoteAddr", conn.RemoteAddress()))

	var (
		alreadyRegistered *errors.AlreadyRegistered
		notRegistered     *errors.NotRegistered
		unknownCommand    *errors.UnknownCommand
		missingHandler    *errors.MissingHandler
		noBackend         *errors.NoBackend
		unknownNode       *errors.UnknownNode
		frontendTarget    *errors.FrontendTarget
		sendFailure       *errors.SendFailure
		handlerFailure    *errors.HandlerFailure
		dispatchPanic     *errors.DispatchPanic
	)

	switch {
	case stderrors.As(err, &alreadyRegistered):
		metrics.ClientsRejected.WithLabelValues("already_registered").Inc()
		log.Error("Closing connection, duplicate admission", zap.Error(err))
		conn.Close()
	case stderrors.As(err, &notRegistered):
		metrics.ClientsRejected.WithLabelValues("not_registered").Inc()
		log.Error("Closing connection, message before registration", zap.Error(err))
		conn.Close()
	case stderrors.As(err, &unknownCommand):
		metrics.CommandsDropped.WithLabelValues("unknown_command").Inc()
		log.Warn("Dropping message with unknown command id", zap.Error(err))
	case stderrors.As(err, &missingHandler):
		metrics.CommandsDropped.WithLabelValues("missing_handler").Inc()
		log.Warn("Dropping message for unregistered handler", zap.Error(err))
	case stderrors.As(err, &noBackend):
		metrics.CommandsDropped.WithLabelValues("no_backend").Inc()
		log.Warn("Dropping message, no backend of this type", zap.String("serverType", noBackend.ServerType))
	case stderrors.As(err, &unknownNode):
		metrics.CommandsDropped.WithLabelValues("unknown_node").Inc()
		log.Warn("Dropping message, target unknown to RPC channel", zap.String("nodeId", unknownNode.NodeId))
	case stderrors.As(err, &frontendTarget):
		metrics.CommandsDropped.WithLabelValues("frontend_target").Inc()
		log.Warn("Dropping message, target is a frontend node", zap.String("nodeId", frontendTarget.NodeId))
	case stderrors.As(err, &sendFailure):
		metrics.CommandsDropped.WithLabelValues("send_failed").Inc()
		log.Warn("Dropping message, RPC channel refused it", zap.String("nodeId", sendFailure.NodeId), zap.Error(err))
	case stderrors.As(err, &handlerFailure):
		metrics.HandlerFailures.Inc()
		fields := []zap.Field{zap.String("route", handlerFailure.Route), zap.Error(err)}
		if handlerFailure.Stack != nil {
			fields = append(fields, zap.ByteString("stack", handlerFailure.Stack))
		}
		log.Error("Handler failed", fields...)
	case stderrors.As(err, &dispatchPanic):
		metrics.CommandsDropped.WithLabelValues("panic").Inc()
		log.Warn("Dropping message, dispatch panicked", zap.Error(err), zap.ByteString("stack", dispatchPanic.Stack))
	default:
		metrics.CommandsDropped.WithLabelValues("malformed").Inc()
		log.Warn("Dropping malformed message", zap.Error(err))
	}
}

func (m *Manager) ClientCount() int64 {
	return m.table.LiveCount()
}

func (m *Manager) Context() *cluster.NodeContext {
	return m.nc
}

type connBinder struct {
	table *internal.ClientTable
	conn  handlers.ClientConnection
}

func (b *connBinder) BindUid(uid string, s *session.Session) bool {
	if !b.table.BindUid(uid, b.conn, s) {
		return false
	}
	metrics.ClientsBound.Set(float64(b.table.BoundLen()))
	return true
}

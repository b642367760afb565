// Package frontend is the connection lifecycle and routing engine of a frontend node.
//
// A Server owns one event loop goroutine. Client transports and the RPC channel publish
// events to it through the channel bundles in pkg/handlers; the loop admits and releases
// connections, dispatches client commands through the Manager, and applies session updates
// and pushes arriving from backend nodes.
package frontend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/spanreed-frontend/pkg/cluster"
	"github.com/sessamekesh/spanreed-frontend/pkg/command"
	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/handlers"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/backend"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/client"
	"github.com/sessamekesh/spanreed-frontend/pkg/metrics"
	"github.com/sessamekesh/spanreed-frontend/pkg/routing"
	"go.uber.org/zap"
)

type ServerConfig struct {
	Context  *cluster.NodeContext
	Routes   *routing.RouteTable
	Routers  *routing.RouterTable
	Commands *command.Registry

	// Codec overrides the default codec picked from TransportKind.
	Codec         client.Codec
	Messages      *client.Messages
	TransportKind client.TransportKind

	ClientHost string
	ClientPort int

	IncomingClientMessageBufferLength int
	IncomingBackendFrameBufferLength  int
}

type Server struct {
	config  ServerConfig
	manager *Manager

	startTime    time.Time
	nextClientId atomic.Uint32

	incomingClientMessageSendChannel chan<- handlers.ClientMessage
	incomingClientMessageRecvChannel <-chan handlers.ClientMessage

	incomingBackendFrameSendChannel chan<- handlers.BackendFrame
	incomingBackendFrameRecvChannel <-chan handlers.BackendFrame

	mut_handlerNames sync.Mutex
	handlerNames     map[string]struct{}

	log *zap.Logger
}

func CreateServer(config ServerConfig) *Server {
	incomingClientMessageBufferLength := 256
	incomingBackendFrameBufferLength := 256

	if config.IncomingClientMessageBufferLength > 0 {
		incomingClientMessageBufferLength = config.IncomingClientMessageBufferLength
	}
	if config.IncomingBackendFrameBufferLength > 0 {
		incomingBackendFrameBufferLength = config.IncomingBackendFrameBufferLength
	}

	codec := config.Codec
	if codec == nil {
		codec = client.ForTransport(config.TransportKind, config.Messages)
	}

	incomingClientMessages := make(chan handlers.ClientMessage, incomingClientMessageBufferLength)
	incomingBackendFrames := make(chan handlers.BackendFrame, incomingBackendFrameBufferLength)

	s := &Server{
		config:    config,
		startTime: time.Now(),

		incomingClientMessageSendChannel: incomingClientMessages,
		incomingClientMessageRecvChannel: incomingClientMessages,

		incomingBackendFrameSendChannel: incomingBackendFrames,
		incomingBackendFrameRecvChannel: incomingBackendFrames,

		mut_handlerNames: sync.Mutex{},
		handlerNames:     make(map[string]struct{}),
	}

	s.manager = CreateManager(ManagerParams{
		Context:         config.Context,
		Routes:          config.Routes,
		Routers:         config.Routers,
		Commands:        config.Commands,
		Codec:           codec,
		GetNowTimestamp: s.getNowTime,
	})
	s.log = s.manager.Context().Logger.With(zap.String("component", "FrontendServer"))

	return s
}

func (s *Server) getNowTime() int64 {
	return time.Since(s.startTime).Microseconds()
}

func (s *Server) reserveHandlerName(context string, name string) error {
	s.mut_handlerNames.Lock()
	defer s.mut_handlerNames.Unlock()

	if _, has := s.handlerNames[name]; has {
		return &errors.NameCollision{
			CollisionContext: context,
			Name:             name,
		}
	}
	s.handlerNames[name] = struct{}{}
	return nil
}

func (s *Server) CreateClientMessageHandler(name string) (*handlers.ClientMessageHandler, error) {
	if err := s.reserveHandlerName("CreateClientMessageHandler", name); err != nil {
		return nil, err
	}

	return &handlers.ClientMessageHandler{
		Name:                   name,
		GetNextClientId:        func() uint32 { return s.nextClientId.Add(1) },
		GetNowTimestamp:        s.getNowTime,
		IncomingMessageChannel: s.incomingClientMessageSendChannel,
	}, nil
}

func (s *Server) CreateBackendMessageHandler(name string) (*handlers.BackendMessageHandler, error) {
	if err := s.reserveHandlerName("CreateBackendMessageHandler", name); err != nil {
		return nil, err
	}

	return &handlers.BackendMessageHandler{
		Name:                 name,
		GetNowTimestamp:      s.getNowTime,
		IncomingFrameChannel: s.incomingBackendFrameSendChannel,
	}, nil
}

// Start runs the event loop until ctx is cancelled. All client table and session mutation
// happens on this goroutine.
func (s *Server) Start(ctx context.Context) error {
	self := s.manager.Context().Self
	s.log.Info(fmt.Sprintf("listening at [%s:%d] %s (%d)", self.Host, self.Port, self.Id, s.config.ClientPort),
		zap.String("nodeId", self.Id),
		zap.String("serverType", self.ServerType),
		zap.String("clientHost", s.config.ClientHost),
		zap.Int("clientPort", s.config.ClientPort))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Frontend event loop stopped", zap.Int64("clients", s.ClientCount()))
			return nil
		case msg := <-s.incomingClientMessageRecvChannel:
			s.handleClientMessage(msg)
		case frame := <-s.incomingBackendFrameRecvChannel:
			s.handleBackendFrame(frame)
		}
	}
}

func (s *Server) handleClientMessage(msg handlers.ClientMessage) {
	switch msg.MessageType {
	case handlers.ClientMessageType_Open:
		s.manager.Admit(msg.Connection)
	case handlers.ClientMessageType_Data:
		s.manager.Dispatch(msg.Connection, msg.Data)
	case handlers.ClientMessageType_Close:
		s.manager.Release(msg.Connection)
	}
}

func (s *Server) handleBackendFrame(frame handlers.BackendFrame) {
	frameType, err := backend.GetFrameType(frame.Data)
	if err != nil {
		s.log.Warn("Dropping unreadable backend frame", zap.String("nodeId", frame.NodeId), zap.Error(err))
		return
	}
	metrics.BackendFrames.WithLabelValues(frameType.String()).Inc()

	switch frameType {
	case backend.FrameType_ApplySession:
		err = s.ApplySession(frame.Data)
	case backend.FrameType_PushToUids:
		err = s.PushToUids(frame.Data)
	case backend.FrameType_Heartbeat:
	default:
		s.log.Warn("Dropping unexpected backend frame",
			zap.String("nodeId", frame.NodeId),
			zap.Stringer("frameType", frameType))
		return
	}

	if err != nil {
		s.log.Warn("Dropping malformed backend frame",
			zap.String("nodeId", frame.NodeId),
			zap.Stringer("frameType", frameType),
			zap.Error(err))
	}
}

// ApplySession overwrites the fields of the session bound to the frame's uid. Updates for
// uids with no live connection are discarded.
func (s *Server) ApplySession(frame []byte) error {
	snapshot, err := backend.ParseApplySession(frame)
	if err != nil {
		return err
	}

	entry, has := s.manager.table.GetByUid(snapshot.Uid)
	if !has {
		s.log.Debug("Discarding session update for disconnected uid", zap.String("uid", snapshot.Uid))
		return nil
	}
	entry.Session.SetAll(snapshot)
	return nil
}

// PushToUids sends the frame's payload verbatim to every listed uid with a live
// connection.
func (s *Server) PushToUids(frame []byte) error {
	msg, err := backend.ParsePushToUids(frame)
	if err != nil {
		return err
	}

	for _, uid := range msg.Uids {
		entry, has := s.manager.table.GetByUid(uid)
		if !has {
			metrics.PushDeliveries.WithLabelValues("skipped").Inc()
			continue
		}
		entry.Connection.Send(msg.Message)
		metrics.PushDeliveries.WithLabelValues("delivered").Inc()
	}
	return nil
}

func (s *Server) ClientCount() int64 {
	return s.manager.ClientCount()
}

func (s *Server) Manager() *Manager {
	return s.manager
}

package frontend

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-frontend/pkg/cluster"
	"github.com/sessamekesh/spanreed-frontend/pkg/command"
	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/handlers"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/backend"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/client"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/forward"
	"github.com/sessamekesh/spanreed-frontend/pkg/routing"
	"github.com/sessamekesh/spanreed-frontend/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

//
// Fakes

type fakeConn struct {
	id uint32

	mut    sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) Id() uint32            { return c.id }
func (c *fakeConn) RemoteAddress() string { return fmt.Sprintf("192.168.0.%d:40000", c.id) }

func (c *fakeConn) Send(data []byte) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.sent = append(c.sent, data)
}

func (c *fakeConn) Close() {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.closed = true
}

func (c *fakeConn) Sent() [][]byte {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) IsClosed() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.closed
}

type sentFrame struct {
	nodeId string
	frame  []byte
}

type fakeRpc struct {
	connected map[string]bool
	sendErr   error
	sent      []sentFrame
}

func (r *fakeRpc) Send(nodeId string, frame []byte) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, sentFrame{nodeId: nodeId, frame: frame})
	return nil
}

func (r *fakeRpc) IsConnected(nodeId string) bool {
	return r.connected[nodeId]
}

//
// Helpers

type testNode struct {
	server   *Server
	rpc      *fakeRpc
	registry *cluster.StaticRegistry
	commands *command.Registry
}

func newTestNode(t *testing.T, serverType string, routes []string, backends ...cluster.Node) *testNode {
	t.Helper()

	table, err := routing.NewRouteTable(routes)
	require.NoError(t, err)

	registry := cluster.CreateStaticRegistry(backends...)
	rpc := &fakeRpc{connected: map[string]bool{}}
	for _, n := range backends {
		rpc.connected[n.Id] = true
	}
	commands := command.NewRegistry()

	server := CreateServer(ServerConfig{
		Context: &cluster.NodeContext{
			Self:     cluster.Node{Id: serverType + "-1", ServerType: serverType, Host: "127.0.0.1", Port: 3150, Frontend: true},
			Registry: registry,
			Rpc:      rpc,
			Logger:   zap.NewNop(),
		},
		Routes:        table,
		Commands:      commands,
		TransportKind: client.TransportKind_Websocket,
		ClientPort:    3010,
	})

	return &testNode{
		server:   server,
		rpc:      rpc,
		registry: registry,
		commands: commands,
	}
}

func clientFrame(commandId uint16, payload string) []byte {
	out := []byte{uint8(client.ClientMessageType_Message)}
	out = binary.BigEndian.AppendUint16(out, commandId)
	return append(out, payload...)
}

// Command 3 is chat.room.join.
var chatRoutes = []string{
	"connector.entry.login",
	"connector.entry.logout",
	"chat.room.leave",
	"chat.room.join",
}

//
// Admission and release

func TestAdmitTwiceClosesConnection(t *testing.T) {
	node := newTestNode(t, "gate", chatRoutes)
	m := node.server.Manager()
	conn := &fakeConn{id: 1}

	require.NoError(t, m.Admit(conn))
	assert.False(t, conn.IsClosed())

	err := m.Admit(conn)
	var already *errors.AlreadyRegistered
	assert.ErrorAs(t, err, &already)
	assert.True(t, conn.IsClosed())
	assert.Equal(t, int64(1), node.server.ClientCount())
}

func TestClientCountTracksTable(t *testing.T) {
	node := newTestNode(t, "gate", chatRoutes)
	m := node.server.Manager()

	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = &fakeConn{id: uint32(i + 1)}
	}

	steps := []struct {
		admit bool
		conn  int
	}{
		{true, 0}, {true, 1}, {true, 2}, {false, 1}, {false, 1},
		{true, 3}, {false, 4}, {true, 0}, {false, 0}, {true, 4}, {false, 2},
	}

	for i, step := range steps {
		if step.admit {
			m.Admit(conns[step.conn])
		} else {
			m.Release(conns[step.conn])
		}
		assert.Equal(t, int64(m.table.Len()), node.server.ClientCount(), "after step %d", i)
	}
	assert.Equal(t, int64(2), node.server.ClientCount())
}

func TestReleaseRunsCloseHookAfterRemoval(t *testing.T) {
	node := newTestNode(t, "chat", chatRoutes)
	m := node.server.Manager()
	conn := &fakeConn{id: 1}
	require.NoError(t, m.Admit(conn))

	entry, has := m.table.Get(conn)
	require.True(t, has)
	require.True(t, entry.Session.Bind("alice"))

	calls := 0
	entry.Session.SetOnClosed(func(nc *cluster.NodeContext, s *session.Session) {
		calls++
		assert.Equal(t, "chat-1", nc.Self.Id)
		assert.Equal(t, "alice", s.Uid())
		_, stillBound := m.table.GetByUid("alice")
		assert.False(t, stillBound)
		assert.Equal(t, int64(0), m.ClientCount())
	})

	m.Release(conn)
	m.Release(conn)
	assert.Equal(t, 1, calls)
}

func TestBindRefusesUidHeldByAnotherConnection(t *testing.T) {
	node := newTestNode(t, "chat", chatRoutes)
	m := node.server.Manager()
	a, b := &fakeConn{id: 1}, &fakeConn{id: 2}
	require.NoError(t, m.Admit(a))
	require.NoError(t, m.Admit(b))

	ea, _ := m.table.Get(a)
	eb, _ := m.table.Get(b)
	require.True(t, ea.Session.Bind("alice"))
	assert.False(t, eb.Session.Bind("alice"))
	assert.False(t, ea.Session.Bind("bob"), "session already bound")
	assert.Equal(t, "", eb.Session.Uid())

	m.Release(a)
	assert.True(t, eb.Session.Bind("alice"))
}

//
// Dispatch

func TestDispatchBeforeAdmitClosesConnection(t *testing.T) {
	node := newTestNode(t, "chat", chatRoutes)
	invoked := false
	require.NoError(t, node.commands.Register("room", command.Handler{
		"join": func(any, *session.Session, command.Replier) error {
			invoked = true
			return nil
		},
	}))

	conn := &fakeConn{id: 1}
	err := node.server.Manager().Dispatch(conn, clientFrame(3, `{}`))

	var notRegistered *errors.NotRegistered
	assert.ErrorAs(t, err, &notRegistered)
	assert.True(t, conn.IsClosed())
	assert.False(t, invoked)
}

func TestDispatchSoftFailuresKeepConnectionOpen(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		check func(t *testing.T, err error)
	}{
		{
			name: "unknown command id",
			raw:  clientFrame(42, `{}`),
			check: func(t *testing.T, err error) {
				var unknown *errors.UnknownCommand
				assert.ErrorAs(t, err, &unknown)
				assert.Equal(t, uint16(42), unknown.CommandId)
			},
		},
		{
			name: "truncated frame",
			raw:  []byte{1, 0},
			check: func(t *testing.T, err error) {
				var underflow *errors.Underflow
				assert.ErrorAs(t, err, &underflow)
			},
		},
		{
			name: "bad frame kind",
			raw:  []byte{9, 0, 3},
			check: func(t *testing.T, err error) {
				var invalid *errors.InvalidEnumValue
				assert.ErrorAs(t, err, &invalid)
			},
		},
		{
			name: "malformed json",
			raw:  clientFrame(3, `{"room":`),
			check: func(t *testing.T, err error) {
				assert.Error(t, err)
			},
		},
		{
			name: "no local handler",
			raw:  clientFrame(2, `{}`),
			check: func(t *testing.T, err error) {
				var missing *errors.MissingHandler
				assert.ErrorAs(t, err, &missing)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newTestNode(t, "chat", chatRoutes)
			invoked := false
			require.NoError(t, node.commands.Register("room", command.Handler{
				"join": func(any, *session.Session, command.Replier) error {
					invoked = true
					return nil
				},
			}))

			conn := &fakeConn{id: 1}
			m := node.server.Manager()
			require.NoError(t, m.Admit(conn))

			tt.check(t, m.Dispatch(conn, tt.raw))
			assert.False(t, conn.IsClosed())
			assert.False(t, invoked)
			assert.Empty(t, conn.Sent())
		})
	}
}

func TestLocalDispatchInvokesHandlerAndReplies(t *testing.T) {
	node := newTestNode(t, "chat", chatRoutes)

	var gotMsg any
	var gotSess *session.Session
	require.NoError(t, node.commands.Register("room", command.Handler{
		"join": func(msg any, sess *session.Session, reply command.Replier) error {
			gotMsg = msg
			gotSess = sess
			sess.Bind("alice")
			reply.Reply(map[string]any{"joined": true})
			return nil
		},
	}))

	conn := &fakeConn{id: 1}
	m := node.server.Manager()
	require.NoError(t, m.Admit(conn))
	require.NoError(t, m.Dispatch(conn, clientFrame(3, `{"room":"lobby"}`)))

	assert.Equal(t, map[string]any{"room": "lobby"}, gotMsg)
	require.NotNil(t, gotSess)
	assert.Equal(t, "chat-1", gotSess.OwnerNodeId())
	assert.Empty(t, node.rpc.sent)

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, clientFrame(3, `{"joined":true}`), sent[0])

	entry, has := m.table.GetByUid("alice")
	require.True(t, has)
	assert.Same(t, conn, entry.Connection)
}

func TestReplyAfterHandlerReturns(t *testing.T) {
	node := newTestNode(t, "chat", chatRoutes)

	var saved command.Replier
	require.NoError(t, node.commands.Register("room", command.Handler{
		"join": func(_ any, _ *session.Session, reply command.Replier) error {
			saved = reply
			return nil
		},
	}))

	conn := &fakeConn{id: 1}
	m := node.server.Manager()
	require.NoError(t, m.Admit(conn))
	require.NoError(t, m.Dispatch(conn, clientFrame(3, ``)))
	assert.Empty(t, conn.Sent())

	require.NotNil(t, saved)
	saved.Reply(nil)
	assert.Equal(t, [][]byte{clientFrame(3, `null`)}, conn.Sent())
}

func TestHandlerFailuresAreContained(t *testing.T) {
	node := newTestNode(t, "chat", chatRoutes)
	require.NoError(t, node.commands.Register("room", command.Handler{
		"join": func(any, *session.Session, command.Replier) error {
			panic("room exploded")
		},
		"leave": func(any, *session.Session, command.Replier) error {
			return stderrors.New("not in a room")
		},
	}))

	conn := &fakeConn{id: 1}
	m := node.server.Manager()
	require.NoError(t, m.Admit(conn))

	var failure *errors.HandlerFailure
	err := m.Dispatch(conn, clientFrame(3, `{}`))
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "room exploded", failure.Panic)
	assert.NotEmpty(t, failure.Stack)
	assert.Equal(t, "chat.room.join", failure.Route)

	err = m.Dispatch(conn, clientFrame(2, `{}`))
	require.ErrorAs(t, err, &failure)
	assert.EqualError(t, failure.Err, "not in a room")

	assert.False(t, conn.IsClosed())
	assert.Equal(t, int64(1), m.ClientCount())
}

//
// Forwarding

func TestRemoteDispatchForwardsToPool(t *testing.T) {
	node := newTestNode(t, "gate", chatRoutes,
		cluster.Node{Id: "chat-1", ServerType: "chat"},
		cluster.Node{Id: "chat-2", ServerType: "chat"},
		cluster.Node{Id: "connector-1", ServerType: "connector"},
	)
	invoked := false
	require.NoError(t, node.commands.Register("room", command.Handler{
		"join": func(any, *session.Session, command.Replier) error {
			invoked = true
			return nil
		},
	}))

	conn := &fakeConn{id: 1}
	m := node.server.Manager()
	require.NoError(t, m.Admit(conn))
	entry, _ := m.table.Get(conn)
	require.True(t, entry.Session.Bind("alice"))
	entry.Session.SetString("room", "lobby")

	require.NoError(t, m.Dispatch(conn, clientFrame(3, `{"room":"lobby"}`)))
	assert.False(t, invoked)

	require.Len(t, node.rpc.sent, 1)
	sent := node.rpc.sent[0]
	assert.Contains(t, []string{"chat-1", "chat-2"}, sent.nodeId)

	cf, err := forward.Parse(sent.frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), cf.CommandId)
	assert.Equal(t, []byte(`{"room":"lobby"}`), cf.Payload)
	assert.Equal(t, uint32(len(sent.frame)-4), binary.BigEndian.Uint32(sent.frame[0:4]))

	snapshot, err := session.ParseSnapshot(cf.Session)
	require.NoError(t, err)
	assert.Equal(t, "alice", snapshot.Uid)
	assert.Equal(t, "gate-1", snapshot.OwnerNodeId)
	assert.Equal(t, []byte("lobby"), snapshot.Fields["room"])
}

func TestForwardRoutingMissesDropSilently(t *testing.T) {
	tests := []struct {
		name     string
		backends []cluster.Node
		setup    func(node *testNode)
	}{
		{
			name: "no backend of the type",
			backends: []cluster.Node{
				{Id: "connector-1", ServerType: "connector"},
			},
		},
		{
			name: "target not connected",
			backends: []cluster.Node{
				{Id: "chat-1", ServerType: "chat"},
			},
			setup: func(node *testNode) {
				node.rpc.connected["chat-1"] = false
			},
		},
		{
			name: "target is a frontend",
			backends: []cluster.Node{
				{Id: "chat-gate", ServerType: "chat", Frontend: true},
			},
		},
		{
			name: "rpc channel refuses",
			backends: []cluster.Node{
				{Id: "chat-1", ServerType: "chat"},
			},
			setup: func(node *testNode) {
				node.rpc.sendErr = stderrors.New("queue full")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newTestNode(t, "gate", chatRoutes, tt.backends...)
			if tt.setup != nil {
				tt.setup(node)
			}

			conn := &fakeConn{id: 1}
			m := node.server.Manager()
			require.NoError(t, m.Admit(conn))

			assert.NoError(t, m.Dispatch(conn, clientFrame(3, `{}`)))
			assert.Empty(t, node.rpc.sent)
			assert.Empty(t, conn.Sent())
			assert.False(t, conn.IsClosed())
		})
	}
}

func TestCustomRouterPicksTarget(t *testing.T) {
	node := newTestNode(t, "gate", chatRoutes,
		cluster.Node{Id: "chat-1", ServerType: "chat"},
		cluster.Node{Id: "chat-2", ServerType: "chat"},
	)
	node.server.Manager().routers.Set("chat", func(nc *cluster.NodeContext, sess *session.Session, serverType string, next func(string)) {
		assert.Equal(t, "chat", serverType)
		next("chat-2")
	})

	conn := &fakeConn{id: 1}
	m := node.server.Manager()
	require.NoError(t, m.Admit(conn))

	for range 10 {
		require.NoError(t, m.Dispatch(conn, clientFrame(3, `{}`)))
	}
	require.Len(t, node.rpc.sent, 10)
	for _, sent := range node.rpc.sent {
		assert.Equal(t, "chat-2", sent.nodeId)
	}
}

func TestForwardSkipsDisconnectedBackends(t *testing.T) {
	node := newTestNode(t, "gate", chatRoutes,
		cluster.Node{Id: "chat-1", ServerType: "chat"},
		cluster.Node{Id: "chat-2", ServerType: "chat"},
	)
	node.rpc.connected["chat-2"] = false

	conn := &fakeConn{id: 1}
	m := node.server.Manager()
	require.NoError(t, m.Admit(conn))

	for range 200 {
		require.NoError(t, m.Dispatch(conn, clientFrame(3, `{}`)))
	}
	require.Len(t, node.rpc.sent, 200)
	for _, sent := range node.rpc.sent {
		assert.Equal(t, "chat-1", sent.nodeId)
	}
}

type explodingCodec struct{}

func (explodingCodec) DecodeFrame([]byte) (*client.Frame, error) { panic("codec bug") }
func (explodingCodec) EncodeFrame(uint16, any) ([]byte, error)   { panic("codec bug") }
func (explodingCodec) DecodeMessage(uint16, []byte) (any, error) { panic("codec bug") }

func TestDispatchPanicsAreContained(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *Manager)
		panic string
	}{
		{
			name: "router",
			setup: func(m *Manager) {
				m.routers.Set("chat", func(*cluster.NodeContext, *session.Session, string, func(string)) {
					panic("router bug")
				})
			},
			panic: "router bug",
		},
		{
			name: "codec",
			setup: func(m *Manager) {
				m.codec = explodingCodec{}
			},
			panic: "codec bug",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newTestNode(t, "gate", chatRoutes, cluster.Node{Id: "chat-1", ServerType: "chat"})
			m := node.server.Manager()
			tt.setup(m)

			conn := &fakeConn{id: 1}
			require.NoError(t, m.Admit(conn))

			var err error
			require.NotPanics(t, func() { err = m.Dispatch(conn, clientFrame(3, `{}`)) })

			var dispatchPanic *errors.DispatchPanic
			require.ErrorAs(t, err, &dispatchPanic)
			assert.Equal(t, tt.panic, dispatchPanic.Panic)
			assert.NotEmpty(t, dispatchPanic.Stack)
			assert.Equal(t, conn.RemoteAddress(), dispatchPanic.RemoteAddress)

			assert.Empty(t, node.rpc.sent)
			assert.False(t, conn.IsClosed())
			assert.Equal(t, int64(1), m.ClientCount())
		})
	}
}

//
// Backend ingestion

func TestApplySession(t *testing.T) {
	node := newTestNode(t, "gate", chatRoutes)
	m := node.server.Manager()
	conn := &fakeConn{id: 1}
	require.NoError(t, m.Admit(conn))
	entry, _ := m.table.Get(conn)
	require.True(t, entry.Session.Bind("alice"))
	entry.Session.SetString("level", "3")
	entry.Session.SetString("guild", "owls")

	frame, err := backend.SerializeApplySession(&session.Snapshot{
		Uid:         "alice",
		OwnerNodeId: "chat-1",
		Fields:      map[string][]byte{"level": []byte("4"), "room": []byte("lobby")},
	})
	require.NoError(t, err)
	require.NoError(t, node.server.ApplySession(frame[4:]))

	assert.Equal(t, map[string][]byte{
		"level": []byte("4"),
		"room":  []byte("lobby"),
		"guild": []byte("owls"),
	}, entry.Session.Fields())
	assert.Equal(t, "gate-1", entry.Session.OwnerNodeId())

	frame, err = backend.SerializeApplySession(&session.Snapshot{
		Uid:    "bob",
		Fields: map[string][]byte{"level": []byte("9")},
	})
	require.NoError(t, err)
	require.NoError(t, node.server.ApplySession(frame[4:]))
	assert.Equal(t, 1, m.table.Len())
	assert.Equal(t, "4", entry.Session.GetString("level"))
}

func TestPushToUidsSkipsMissingUids(t *testing.T) {
	node := newTestNode(t, "gate", chatRoutes)
	m := node.server.Manager()

	alice, bob, carol := &fakeConn{id: 1}, &fakeConn{id: 2}, &fakeConn{id: 3}
	for uid, conn := range map[string]*fakeConn{"alice": alice, "bob": bob, "": carol} {
		require.NoError(t, m.Admit(conn))
		if uid != "" {
			entry, _ := m.table.Get(conn)
			require.True(t, entry.Session.Bind(uid))
		}
	}

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	frame, err := backend.SerializePushToUids(&backend.PushToUids{
		Uids:    []string{"alice", "dave", "bob", "erin"},
		Message: payload,
	})
	require.NoError(t, err)
	require.NoError(t, node.server.PushToUids(frame[4:]))

	assert.Equal(t, [][]byte{payload}, alice.Sent())
	assert.Equal(t, [][]byte{payload}, bob.Sent())
	assert.Empty(t, carol.Sent())
}

//
// Event loop

func TestCreateHandlerNameCollision(t *testing.T) {
	node := newTestNode(t, "gate", chatRoutes)

	_, err := node.server.CreateClientMessageHandler("ws")
	require.NoError(t, err)
	_, err = node.server.CreateClientMessageHandler("ws")
	var collision *errors.NameCollision
	assert.ErrorAs(t, err, &collision)

	_, err = node.server.CreateBackendMessageHandler("rpc")
	require.NoError(t, err)
}

func TestEventLoop(t *testing.T) {
	node := newTestNode(t, "chat", chatRoutes)
	require.NoError(t, node.commands.Register("room", command.Handler{
		"join": func(msg any, sess *session.Session, reply command.Replier) error {
			sess.Bind(msg.(map[string]any)["uid"].(string))
			reply.Reply("ok")
			return nil
		},
	}))

	clients, err := node.server.CreateClientMessageHandler("ws")
	require.NoError(t, err)
	backends, err := node.server.CreateBackendMessageHandler("rpc")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- node.server.Start(ctx) }()

	conn := &fakeConn{id: clients.GetNextClientId()}
	clients.Open(ctx, conn)
	clients.Message(ctx, conn, clientFrame(3, `{"uid":"alice"}`))

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, clientFrame(3, `"ok"`), conn.Sent()[0])

	push, err := backend.SerializePushToUids(&backend.PushToUids{Uids: []string{"alice"}, Message: []byte("hi")})
	require.NoError(t, err)
	backends.IncomingFrameChannel <- handlers.BackendFrame{NodeId: "chat-2", Data: push[4:]}

	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hi"), conn.Sent()[1])

	clients.Closed(ctx, conn)
	require.Eventually(t, func() bool { return node.server.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}

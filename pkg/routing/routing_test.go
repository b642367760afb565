package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sessamekesh/spanreed-frontend/pkg/cluster"
	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoute(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Route
		valid    bool
	}{
		{name: "valid", input: "chat.room.join", expected: Route{"chat", "room", "join"}, valid: true},
		{name: "too few segments", input: "chat.room"},
		{name: "too many segments", input: "chat.room.join.now"},
		{name: "empty segment", input: "chat..join"},
		{name: "empty", input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := ParseRoute(tt.input)
			if !tt.valid {
				var invalid *errors.InvalidRoute
				assert.ErrorAs(t, err, &invalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, route)
			assert.Equal(t, tt.input, route.String())
		})
	}
}

func TestRouteTableLookup(t *testing.T) {
	table, err := NewRouteTable([]string{"connector.entry.login", "chat.room.join"})
	require.NoError(t, err)

	route, has := table.Lookup(1)
	assert.True(t, has)
	assert.Equal(t, "room", route.Handler)

	_, has = table.Lookup(2)
	assert.False(t, has)
	assert.Equal(t, 2, table.Len())

	_, err = NewRouteTable([]string{"chat.room.join", "broken"})
	assert.Error(t, err)
}

func TestLoadRouteTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes:\n  - connector.entry.login\n  - chat.room.join\n  - chat.room.leave\n"), 0o644))

	table, err := LoadRouteTable(path)
	require.NoError(t, err)
	assert.Equal(t, []Route{
		{"connector", "entry", "login"},
		{"chat", "room", "join"},
		{"chat", "room", "leave"},
	}, table.Routes())

	_, err = LoadRouteTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func chatContext(ids ...string) *cluster.NodeContext {
	registry := cluster.CreateStaticRegistry()
	for _, id := range ids {
		registry.Add(cluster.Node{Id: id, ServerType: "chat"})
	}
	return &cluster.NodeContext{
		Self:     cluster.Node{Id: "gate-1", ServerType: "gate", Frontend: true},
		Registry: registry,
	}
}

func TestDefaultRouteDistribution(t *testing.T) {
	nc := chatContext("chat-1", "chat-2", "chat-3", "chat-4")

	const trials = 40000
	counts := map[string]int{}
	for range trials {
		DefaultRoute(nc, nil, "chat", func(id string) { counts[id]++ })
	}

	require.Len(t, counts, 4)
	expected := float64(trials) / 4
	for id, n := range counts {
		assert.InDelta(t, expected, float64(n), expected*0.1, "node %s selected %d times", id, n)
	}
}

func TestDefaultRouteNoNodes(t *testing.T) {
	nc := chatContext()

	calls := 0
	DefaultRoute(nc, nil, "chat", func(id string) {
		calls++
		assert.Equal(t, "", id)
	})
	assert.Equal(t, 1, calls)
}

func TestRouterTableFallback(t *testing.T) {
	table := NewRouterTable()
	nc := chatContext("chat-1")

	var picked string
	table.Get("chat")(nc, nil, "chat", func(id string) { picked = id })
	assert.Equal(t, "chat-1", picked)

	table.Set("chat", func(_ *cluster.NodeContext, _ *session.Session, _ string, next func(string)) {
		next("custom")
	})
	table.Get("chat")(nc, nil, "chat", func(id string) { picked = id })
	assert.Equal(t, "custom", picked)
}

func TestUidHashRouteIsSticky(t *testing.T) {
	nc := chatContext("chat-1", "chat-2", "chat-3")

	sess := session.New("gate-1", nil)
	require.True(t, sess.Bind("player-42"))

	var first string
	UidHashRoute(nc, sess, "chat", func(id string) { first = id })
	require.NotEmpty(t, first)

	for range 50 {
		UidHashRoute(nc, sess, "chat", func(id string) { assert.Equal(t, first, id) })
	}

	unbound := session.New("gate-1", nil)
	UidHashRoute(nc, unbound, "chat", func(id string) { assert.NotEmpty(t, id) })
	UidHashRoute(chatContext(), sess, "chat", func(id string) { assert.Empty(t, id) })
}

type connectedSet map[string]bool

func (c connectedSet) Send(string, []byte) error      { return nil }
func (c connectedSet) IsConnected(nodeId string) bool { return c[nodeId] }

func TestRoutersSkipDisconnectedNodes(t *testing.T) {
	sess := session.New("gate-1", nil)
	require.True(t, sess.Bind("player-42"))

	tests := []struct {
		name  string
		route RouteFn
		sess  *session.Session
	}{
		{name: "default", route: DefaultRoute},
		{name: "uid hash", route: UidHashRoute, sess: sess},
		{name: "uid hash unbound", route: UidHashRoute, sess: session.New("gate-1", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := chatContext("chat-1", "chat-2", "chat-3")
			nc.Rpc = connectedSet{"chat-2": true}

			for range 200 {
				tt.route(nc, tt.sess, "chat", func(id string) { assert.Equal(t, "chat-2", id) })
			}

			nc.Rpc = connectedSet{}
			calls := 0
			tt.route(nc, tt.sess, "chat", func(id string) {
				calls++
				assert.Empty(t, id)
			})
			assert.Equal(t, 1, calls)
		})
	}
}

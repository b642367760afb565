package routing

import (
	"hash/crc32"
	"math/rand/v2"
	"sort"

	"github.com/sessamekesh/spanreed-frontend/pkg/cluster"
	"github.com/sessamekesh/spanreed-frontend/pkg/session"
)

// RouteFn picks the node a command for serverType goes to and hands its id to next. An
// empty id means no node is available. next may be called later, but only on the
// frontend event loop.
type RouteFn func(nc *cluster.NodeContext, sess *session.Session, serverType string, next func(nodeId string))

// RouterTable holds the per server type routers. Types without one use DefaultRoute.
type RouterTable struct {
	routers map[string]RouteFn
}

func NewRouterTable() *RouterTable {
	return &RouterTable{routers: make(map[string]RouteFn)}
}

func (t *RouterTable) Set(serverType string, fn RouteFn) {
	t.routers[serverType] = fn
}

func (t *RouterTable) Get(serverType string) RouteFn {
	if fn, has := t.routers[serverType]; has && fn != nil {
		return fn
	}
	return DefaultRoute
}

// liveNodes lists the registry's nodes of serverType the RPC channel is connected to. A
// context without an RPC channel treats every registered node as live.
func liveNodes(nc *cluster.NodeContext, serverType string) []cluster.Node {
	nodes := nc.Registry.ListNodesByType(serverType)
	if nc.Rpc == nil {
		return nodes
	}

	live := nodes[:0:0]
	for _, n := range nodes {
		if nc.Rpc.IsConnected(n.Id) {
			live = append(live, n)
		}
	}
	return live
}

// DefaultRoute picks uniformly at random among the live nodes of serverType.
func DefaultRoute(nc *cluster.NodeContext, _ *session.Session, serverType string, next func(nodeId string)) {
	nodes := liveNodes(nc, serverType)
	if len(nodes) == 0 {
		next("")
		return
	}
	next(nodes[rand.IntN(len(nodes))].Id)
}

// UidHashRoute keeps every command of one uid on the same node while the live node set is
// unchanged. Sessions without a uid fall back to DefaultRoute.
func UidHashRoute(nc *cluster.NodeContext, sess *session.Session, serverType string, next func(nodeId string)) {
	if sess == nil || sess.Uid() == "" {
		DefaultRoute(nc, sess, serverType, next)
		return
	}

	nodes := liveNodes(nc, serverType)
	if len(nodes) == 0 {
		next("")
		return
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Id < nodes[j].Id })
	h := crc32.ChecksumIEEE([]byte(sess.Uid()))
	next(nodes[int(h%uint32(len(nodes)))].Id)
}

// Package cluster holds the collaborators the frontend consults but does not own: the node
// identity, the cluster registry and the RPC channel to backend nodes.
package cluster

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

type Node struct {
	Id         string
	ServerType string
	Host       string
	Port       int
	Frontend   bool
}

type Registry interface {
	ListNodesByType(serverType string) []Node
	Get(nodeId string) (Node, bool)
	IsKnown(nodeId string) bool
}

// RpcChannel delivers complete frames (length prefix included) to backend nodes. Send is a
// non-blocking hand-off; delivery is at most once.
type RpcChannel interface {
	Send(nodeId string, frame []byte) error
	IsConnected(nodeId string) bool
}

// NodeContext is the process-wide context handed to the connection manager, routers and
// session close hooks.
type NodeContext struct {
	Self     Node
	Registry Registry
	Rpc      RpcChannel
	Logger   *zap.Logger
}

type StaticRegistry struct {
	mut_nodes sync.RWMutex
	nodes     map[string]Node
}

func CreateStaticRegistry(nodes ...Node) *StaticRegistry {
	r := &StaticRegistry{
		mut_nodes: sync.RWMutex{},
		nodes:     make(map[string]Node),
	}
	for _, n := range nodes {
		r.nodes[n.Id] = n
	}
	return r
}

func (r *StaticRegistry) Add(node Node) {
	r.mut_nodes.Lock()
	defer r.mut_nodes.Unlock()
	r.nodes[node.Id] = node
}

func (r *StaticRegistry) Remove(nodeId string) {
	r.mut_nodes.Lock()
	defer r.mut_nodes.Unlock()
	delete(r.nodes, nodeId)
}

// ListNodesByType returns nodes sorted by id so that hashing routers see a stable order.
func (r *StaticRegistry) ListNodesByType(serverType string) []Node {
	r.mut_nodes.RLock()
	defer r.mut_nodes.RUnlock()

	list := []Node{}
	for _, n := range r.nodes {
		if n.ServerType == serverType {
			list = append(list, n)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Id < list[j].Id })
	return list
}

func (r *StaticRegistry) Get(nodeId string) (Node, bool) {
	r.mut_nodes.RLock()
	defer r.mut_nodes.RUnlock()
	n, has := r.nodes[nodeId]
	return n, has
}

func (r *StaticRegistry) IsKnown(nodeId string) bool {
	_, has := r.Get(nodeId)
	return has
}

// Backends lists every non-frontend node, the set the RPC pool dials.
func (r *StaticRegistry) Backends(selfId string) []Node {
	r.mut_nodes.RLock()
	defer r.mut_nodes.RUnlock()

	list := []Node{}
	for _, n := range r.nodes {
		if !n.Frontend && n.Id != selfId {
			list = append(list, n)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Id < list[j].Id })
	return list
}

// Package rpc is the frontend side of the inter-node RPC channel: one TCP connection per
// backend node, carrying length-prefixed frames in both directions.
package rpc

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/spanreed-frontend/pkg/cluster"
	"github.com/sessamekesh/spanreed-frontend/pkg/errors"
	"github.com/sessamekesh/spanreed-frontend/pkg/handlers"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/backend"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/wire"
	"github.com/sessamekesh/spanreed-frontend/pkg/metrics"
	"go.uber.org/zap"
)

type PoolParams struct {
	Self  cluster.Node
	Nodes []cluster.Node

	DialTimeout       time.Duration
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration

	OutgoingFrameQueueLength uint32
	MaxReadFrameSize         uint32

	Logger *zap.Logger
}

type peer struct {
	node      cluster.Node
	outgoing  chan []byte
	connected atomic.Bool
}

// Pool keeps a connection to every backend node it was given. Frames handed to Send are
// written by the node's connection goroutine; nothing is retried.
type Pool struct {
	params PoolParams

	proxyConnection *handlers.BackendMessageHandler

	mut_peers sync.RWMutex
	peers     map[string]*peer

	log *zap.Logger
}

func CreatePool(proxyConnection *handlers.BackendMessageHandler, params PoolParams) (*Pool, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.DialTimeout == 0 {
		params.DialTimeout = 5 * time.Second
	}
	if params.ReconnectInterval == 0 {
		params.ReconnectInterval = 2 * time.Second
	}
	if params.HeartbeatInterval == 0 {
		params.HeartbeatInterval = 10 * time.Second
	}
	if params.OutgoingFrameQueueLength == 0 {
		params.OutgoingFrameQueueLength = 1024
	}
	if params.MaxReadFrameSize == 0 {
		params.MaxReadFrameSize = 1024 * 1024
	}

	peers := make(map[string]*peer)
	for _, node := range params.Nodes {
		if node.Frontend || node.Id == params.Self.Id {
			continue
		}
		if _, has := peers[node.Id]; has {
			return nil, &errors.NameCollision{
				CollisionContext: "rpc.CreatePool",
				Name:             node.Id,
			}
		}
		peers[node.Id] = &peer{
			node:     node,
			outgoing: make(chan []byte, params.OutgoingFrameQueueLength),
		}
	}

	return &Pool{
		params:          params,
		proxyConnection: proxyConnection,
		mut_peers:       sync.RWMutex{},
		peers:           peers,
		log:             logger.With(zap.String("handler", "RpcPool")),
	}, nil
}

func (p *Pool) getPeer(nodeId string) (*peer, bool) {
	p.mut_peers.RLock()
	defer p.mut_peers.RUnlock()
	pr, has := p.peers[nodeId]
	return pr, has
}

// Send queues a complete frame for nodeId without blocking.
func (p *Pool) Send(nodeId string, frame []byte) error {
	pr, has := p.getPeer(nodeId)
	if !has {
		return &errors.UnknownNode{NodeId: nodeId}
	}
	if !pr.connected.Load() {
		return &errors.NotConnected{NodeId: nodeId}
	}

	select {
	case pr.outgoing <- frame:
		return nil
	default:
		return &errors.QueueFull{NodeId: nodeId, Length: cap(pr.outgoing)}
	}
}

func (p *Pool) IsConnected(nodeId string) bool {
	pr, has := p.getPeer(nodeId)
	return has && pr.connected.Load()
}

// Start keeps every peer connected until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mut_peers.RLock()
	peers := make([]*peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mut_peers.RUnlock()

	p.log.Info("Starting RPC pool", zap.Int("nodes", len(peers)))

	wg := sync.WaitGroup{}
	for _, pr := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runPeer(ctx, pr)
		}()
	}
	wg.Wait()

	p.log.Info("All RPC pool goroutines finished. Exiting gracefully!")
	return nil
}

func (p *Pool) runPeer(ctx context.Context, pr *peer) {
	log := p.log.With(zap.String("nodeId", pr.node.Id), zap.String("serverType", pr.node.ServerType))
	address := net.JoinHostPort(pr.node.Host, strconv.Itoa(pr.node.Port))
	dialer := net.Dialer{Timeout: p.params.DialTimeout}

	for {
		c, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Failed to connect to backend node", zap.String("address", address), zap.Error(err))
		} else {
			log.Info("Connected to backend node", zap.String("address", address))
			p.runConnection(ctx, pr, c, log)
			log.Info("Disconnected from backend node")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.params.ReconnectInterval):
		}
	}
}

func (p *Pool) runConnection(ctx context.Context, pr *peer, c net.Conn, log *zap.Logger) {
	closeOnce := sync.Once{}
	closeConn := func() {
		closeOnce.Do(func() { c.Close() })
	}
	defer closeConn()

	register, err := backend.SerializeRegister(&backend.Register{
		NodeId:     p.params.Self.Id,
		ServerType: p.params.Self.ServerType,
	})
	if err != nil {
		log.Error("Failed to build register frame", zap.Error(err))
		return
	}
	if _, err := c.Write(register); err != nil {
		log.Warn("Failed to register with backend node", zap.Error(err))
		return
	}

	pr.connected.Store(true)
	metrics.BackendConnections.WithLabelValues(pr.node.Id).Set(1)
	defer func() {
		pr.connected.Store(false)
		metrics.BackendConnections.WithLabelValues(pr.node.Id).Set(0)
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		p.readFrames(ctx, pr, c, log)
	}()

	heartbeat := time.NewTicker(p.params.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closeConn()
			<-readDone
			return
		case <-readDone:
			return
		case <-heartbeat.C:
			if _, err := c.Write(backend.SerializeHeartbeat()); err != nil {
				log.Warn("Heartbeat failed", zap.Error(err))
				closeConn()
				<-readDone
				return
			}
		case frame := <-pr.outgoing:
			if _, err := c.Write(frame); err != nil {
				log.Warn("Failed to write frame to backend node", zap.Int("size", len(frame)), zap.Error(err))
				closeConn()
				<-readDone
				return
			}
		}
	}
}

func (p *Pool) readFrames(ctx context.Context, pr *peer, c net.Conn, log *zap.Logger) {
	reader := bufio.NewReader(c)
	for {
		data, err := wire.ReadFrame(reader, p.params.MaxReadFrameSize)
		if err != nil {
			log.Debug("RPC read loop ended", zap.Error(err))
			return
		}
		if len(data) == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case p.proxyConnection.IncomingFrameChannel <- handlers.BackendFrame{
			NodeId:        pr.node.Id,
			Data:          data,
			RecvTimestamp: p.proxyConnection.GetNowTimestamp(),
		}:
		}
	}
}

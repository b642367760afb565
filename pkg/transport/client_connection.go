package transport

import (
	"context"
	"sync"

	"github.com/sessamekesh/spanreed-frontend/pkg/handlers"
	"go.uber.org/zap"
)

type ClientConnectionParams struct {
	OutgoingMessageQueueLength uint32
}

// clientConnection is the transport-independent half of a client connection: identity, the
// bounded outgoing queue and the close signal. Transports supply the socket reads and writes.
type clientConnection struct {
	id            uint32
	remoteAddress string

	outgoing     chan []byte
	closeRequest chan struct{}
	closeOnce    sync.Once

	log *zap.Logger
}

func createClientConnection(id uint32, remoteAddress string, params ClientConnectionParams, log *zap.Logger) *clientConnection {
	queueLength := params.OutgoingMessageQueueLength
	if queueLength == 0 {
		queueLength = 64
	}

	return &clientConnection{
		id:            id,
		remoteAddress: remoteAddress,
		outgoing:      make(chan []byte, queueLength),
		closeRequest:  make(chan struct{}),
		log:           log,
	}
}

func (c *clientConnection) Id() uint32 {
	return c.id
}

func (c *clientConnection) RemoteAddress() string {
	return c.remoteAddress
}

// Send queues data for the writer goroutine. A full queue drops the message.
func (c *clientConnection) Send(data []byte) {
	select {
	case <-c.closeRequest:
	case c.outgoing <- data:
	default:
		c.log.Warn("Outgoing queue full, dropping message", zap.Int("size", len(data)))
	}
}

func (c *clientConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.closeRequest)
	})
}

// serve publishes the connection's events to the frontend and runs its writer until the
// connection ends. readFn blocks for the next inbound frame; closeFn tears the socket down
// and must unblock readFn.
func (c *clientConnection) serve(
	ctx context.Context,
	proxyConnection *handlers.ClientMessageHandler,
	readFn func() ([]byte, error),
	writeFn func([]byte) error,
	closeFn func(),
) {
	if !proxyConnection.Open(ctx, c) {
		closeFn()
		return
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer closeFn()

		for {
			select {
			case <-ctx.Done():
				c.Close()
				return
			case <-c.closeRequest:
				c.log.Debug("Closing connection on request")
				return
			case data := <-c.outgoing:
				if err := writeFn(data); err != nil {
					c.log.Info("Write failed, closing connection", zap.Error(err))
					c.Close()
					return
				}
			}
		}
	}()

	for {
		data, err := readFn()
		if err != nil {
			c.log.Debug("Read loop ended", zap.Error(err))
			break
		}
		if data == nil {
			continue
		}
		if !proxyConnection.Message(ctx, c, data) {
			break
		}
	}

	c.Close()
	wg.Wait()

	proxyConnection.Closed(ctx, c)
}

type connectionSet struct {
	mut_connections sync.RWMutex
	connections     map[uint32]*clientConnection
}

func createConnectionSet() *connectionSet {
	return &connectionSet{
		mut_connections: sync.RWMutex{},
		connections:     make(map[uint32]*clientConnection),
	}
}

func (s *connectionSet) add(c *clientConnection) {
	s.mut_connections.Lock()
	defer s.mut_connections.Unlock()
	s.connections[c.id] = c
}

func (s *connectionSet) remove(id uint32) {
	s.mut_connections.Lock()
	defer s.mut_connections.Unlock()
	delete(s.connections, id)
}

func (s *connectionSet) len() int {
	s.mut_connections.RLock()
	defer s.mut_connections.RUnlock()
	return len(s.connections)
}

func (s *connectionSet) closeAll() {
	s.mut_connections.RLock()
	defer s.mut_connections.RUnlock()
	for _, c := range s.connections {
		c.Close()
	}
}

package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-frontend/pkg/handlers"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/wire"
	utils "github.com/sessamekesh/spanreed-frontend/pkg/util"
	"go.uber.org/zap"
)

const defaultMaxMessageSize = 64 * 1024

type tcpClient struct {
	params TcpClientParams

	proxyConnection *handlers.ClientMessageHandler
	connections     *connectionSet

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type TcpClientParams struct {
	ListenAddress string

	// Frames larger than this close the connection.
	MaxReadMessageSize uint32

	Connection ClientConnectionParams

	Logger *zap.Logger
}

func CreateTcpHandler(proxyConnection *handlers.ClientMessageHandler, params TcpClientParams) (*tcpClient, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.MaxReadMessageSize == 0 {
		params.MaxReadMessageSize = defaultMaxMessageSize
	}

	return &tcpClient{
		params:          params,
		proxyConnection: proxyConnection,
		connections:     createConnectionSet(),
		log:             logger.With(zap.String("handler", "TCP")),
		stringGen:       utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (t *tcpClient) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.params.ListenAddress)
	if err != nil {
		return err
	}
	return t.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled.
func (t *tcpClient) Serve(ctx context.Context, listener net.Listener) error {
	t.log.Sugar().Infof("Starting TCP server at %s", listener.Addr().String())

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		t.log.Info("Attempting to trigger shutdown of TCP server")
		listener.Close()
		t.connections.closeAll()
	}()

	var acceptErr error
	for {
		c, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				t.log.Error("Unexpected TCP accept failure", zap.Error(err))
				acceptErr = err
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.onConnection(ctx, c)
		}()
	}

	wg.Wait()
	t.log.Info("All TCP server goroutines finished. Exiting gracefully!")
	return acceptErr
}

func (t *tcpClient) onConnection(ctx context.Context, c net.Conn) {
	clientId := t.proxyConnection.GetNextClientId()
	log := t.log.With(
		zap.String("tcpConnId", t.stringGen.GetRandomString(6)),
		zap.Uint32("clientId", clientId),
		zap.String("remoteAddr", c.RemoteAddr().String()),
	)
	log.Info("New TCP connection")

	conn := createClientConnection(clientId, c.RemoteAddr().String(), t.params.Connection, log)
	t.connections.add(conn)
	defer t.connections.remove(clientId)

	reader := bufio.NewReader(c)
	closeOnce := sync.Once{}

	conn.serve(ctx, t.proxyConnection,
		func() ([]byte, error) {
			return wire.ReadFrame(reader, t.params.MaxReadMessageSize)
		},
		func(data []byte) error {
			_, err := c.Write(data)
			return err
		},
		func() {
			closeOnce.Do(func() { c.Close() })
		},
	)

	log.Info("TCP connection closed")
}

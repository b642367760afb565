// Package node wires a frontend server, its client transport, the RPC pool and the metrics
// endpoint into one process.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sessamekesh/spanreed-frontend/pkg/cluster"
	"github.com/sessamekesh/spanreed-frontend/pkg/command"
	"github.com/sessamekesh/spanreed-frontend/pkg/config"
	"github.com/sessamekesh/spanreed-frontend/pkg/frontend"
	"github.com/sessamekesh/spanreed-frontend/pkg/message/client"
	"github.com/sessamekesh/spanreed-frontend/pkg/metrics"
	"github.com/sessamekesh/spanreed-frontend/pkg/routing"
	"github.com/sessamekesh/spanreed-frontend/pkg/rpc"
	"github.com/sessamekesh/spanreed-frontend/pkg/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// NewLogger builds the process logger: production JSON unless APP_ENV is not "production"
// or log.development is set.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Log.Development || os.Getenv("APP_ENV") != "production" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}

// Options carries what the hosting application registers before the node starts.
type Options struct {
	Commands *command.Registry
	Messages *client.Messages
	Routers  *routing.RouterTable
}

type clientTransport interface {
	Start(ctx context.Context) error
}

// Run starts every component of the node and blocks until ctx is cancelled or one of them
// fails.
func Run(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) error {
	routes, err := cfg.RouteTable()
	if err != nil {
		return fmt.Errorf("failed to load route table: %w", err)
	}

	routers := opts.Routers
	if routers == nil {
		routers = routing.NewRouterTable()
	}
	for _, serverType := range cfg.Routes.Sticky {
		routers.Set(serverType, routing.UidHashRoute)
	}

	nodes := cfg.ClusterNodes()
	nc := &cluster.NodeContext{
		Self:     cfg.Self(),
		Registry: cluster.CreateStaticRegistry(nodes...),
		Logger:   logger,
	}

	server := frontend.CreateServer(frontend.ServerConfig{
		Context:       nc,
		Routes:        routes,
		Routers:       routers,
		Commands:      opts.Commands,
		Messages:      opts.Messages,
		TransportKind: cfg.TransportKind(),
		ClientHost:    cfg.Client.Host,
		ClientPort:    cfg.Client.Port,
	})

	backendHandler, err := server.CreateBackendMessageHandler("rpc")
	if err != nil {
		return err
	}
	pool, err := rpc.CreatePool(backendHandler, rpc.PoolParams{
		Self:                     nc.Self,
		Nodes:                    nodes,
		DialTimeout:              cfg.Rpc.DialTimeout,
		ReconnectInterval:        cfg.Rpc.ReconnectInterval,
		HeartbeatInterval:        cfg.Rpc.HeartbeatInterval,
		OutgoingFrameQueueLength: cfg.Rpc.QueueLength,
		MaxReadFrameSize:         cfg.Rpc.MaxFrameSize,
		Logger:                   logger,
	})
	if err != nil {
		return err
	}
	nc.Rpc = pool

	clients, err := createClientTransport(server, cfg, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return pool.Start(ctx) })
	g.Go(func() error { return clients.Start(ctx) })

	if cfg.Metrics.ListenAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.ListenAddr, logger) })
	}

	return g.Wait()
}

func createClientTransport(server *frontend.Server, cfg *config.Config, logger *zap.Logger) (clientTransport, error) {
	kind := cfg.TransportKind()
	handler, err := server.CreateClientMessageHandler(strings.ToUpper(string(kind)))
	if err != nil {
		return nil, err
	}

	listenAddress := fmt.Sprintf("%s:%d", cfg.Client.Host, cfg.Client.Port)
	connection := transport.ClientConnectionParams{
		OutgoingMessageQueueLength: cfg.Client.OutgoingQueueLength,
	}

	if kind == client.TransportKind_Websocket {
		return transport.CreateWebsocketHandler(handler, transport.WebsocketClientParams{
			ListenAddress:      listenAddress,
			ListenEndpoint:     cfg.Client.WsEndpoint,
			AllowAllHosts:      cfg.Client.AllowAllHosts,
			AllowlistedHosts:   cfg.Client.AllowlistedHosts,
			DenylistedHosts:    cfg.Client.DenylistedHosts,
			MaxReadMessageSize: int64(cfg.Client.MaxMessageSize),
			Connection:         connection,
			Logger:             logger,
		})
	}

	return transport.CreateTcpHandler(handler, transport.TcpClientParams{
		ListenAddress:      listenAddress,
		MaxReadMessageSize: cfg.Client.MaxMessageSize,
		Connection:         connection,
		Logger:             logger,
	})
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting metrics server", zap.String("address", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

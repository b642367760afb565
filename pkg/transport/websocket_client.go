package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-frontend/pkg/handlers"
	utils "github.com/sessamekesh/spanreed-frontend/pkg/util"
	"go.uber.org/zap"
)

type websocketClient struct {
	upgrader *websocket.Upgrader

	params WebsocketClientParams

	proxyConnection *handlers.ClientMessageHandler
	connections     *connectionSet

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type WebsocketClientParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	Connection ClientConnectionParams

	Logger *zap.Logger
}

func checkOrigin(r *http.Request, params WebsocketClientParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateWebsocketHandler(proxyConnection *handlers.ClientMessageHandler, params WebsocketClientParams) (*websocketClient, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/"
	}
	if params.MaxReadMessageSize == 0 {
		params.MaxReadMessageSize = defaultMaxMessageSize
	}

	return &websocketClient{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:          params,
		proxyConnection: proxyConnection,
		connections:     createConnectionSet(),

		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (ws *websocketClient) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(
		zap.String("wsConnId", ws.stringGen.GetRandomString(6)),
		zap.String("remoteAddr", r.RemoteAddr),
	)

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	c.SetReadLimit(ws.params.MaxReadMessageSize)

	clientId := ws.proxyConnection.GetNextClientId()
	log = log.With(zap.Uint32("clientId", clientId))

	conn := createClientConnection(clientId, r.RemoteAddr, ws.params.Connection, log)
	ws.connections.add(conn)
	defer ws.connections.remove(clientId)

	closeOnce := sync.Once{}
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}

	conn.serve(ctx, ws.proxyConnection,
		func() ([]byte, error) {
			msgType, payload, err := c.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, expectedCloseErrors...) {
					log.Info("Received close request from client")
				} else if websocket.IsUnexpectedCloseError(err, expectedCloseErrors...) {
					log.Warn("Received unexpected close from client", zap.Error(err))
				}
				return nil, err
			}
			if msgType != websocket.BinaryMessage {
				log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
				return nil, nil
			}
			return payload, nil
		},
		func(data []byte) error {
			return c.WriteMessage(websocket.BinaryMessage, data)
		},
		func() {
			closeOnce.Do(func() { c.Close() })
		},
	)

	log.Info("WebSocket connection closed")
}

// Handler serves WebSocket upgrades; connections live until ctx is cancelled.
func (ws *websocketClient) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})
	return mux
}

func (ws *websocketClient) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    ws.params.ListenAddress,
		Handler: ws.Handler(ctx),
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		ws.connections.closeAll()
		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	ws.log.Sugar().Infof("Starting WebSocket server at %s", ws.params.ListenAddress)
	var serveErr error
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		serveErr = err
	}

	if serveErr != nil {
		return serveErr
	}

	wg.Wait()
	ws.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	return nil
}

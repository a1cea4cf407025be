package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/groupcord/backend/model"
	"github.com/groupcord/backend/registry"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	roomIDHeader = "roomId"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	ChatService interface {
		Connect(ctx context.Context, conn *registry.Conn)
		Disconnect(ctx context.Context, conn *registry.Conn)
		HandleFrame(ctx context.Context, conn *registry.Conn, frame model.Frame) error
	}

	IdentityBinder interface {
		Resolve(r *http.Request) *model.Identity
	}

	Config struct {
		Logger         *zerolog.Logger
		ChatService    ChatService
		Binder         IdentityBinder
		ListenAddr     string
		AllowedOrigins []string
	}

	Server struct {
		svc    ChatService
		binder IdentityBinder
		ws     *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.ChatService,
		binder: cfg.Binder,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws-message", srv.handshake)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, candidate := range allowed {
			if candidate == origin {
				return true
			}
		}
		return false
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) handshake(w http.ResponseWriter, r *http.Request) {
	// Identity resolution never fails the handshake: an unauthenticated
	// connection proceeds, identity-requiring operations get dropped later.
	ident := srv.binder.Resolve(r)

	roomID := r.Header.Get(roomIDHeader)
	if roomID == "" {
		roomID = r.URL.Query().Get(roomIDHeader)
	}

	wsConn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := &registry.Conn{
		ID:       uuid.NewString(),
		Identity: ident,
		RoomID:   roomID,
		Wire:     model.NewWire(),
	}

	ctx, cancel := context.WithCancel(context.TODO()) // long-living connection context

	srv.svc.Connect(ctx, conn)
	srv.logger.Debug().
		Str("connID", conn.ID).
		Str("username", conn.Username()).
		Str("roomID", roomID).
		Msg("session established")

	go srv.handleWSConn(ctx, cancel, wsConn, conn)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	wsConn *websocket.Conn,
	conn *registry.Conn,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", conn.ID).
		Str("username", conn.Username()).
		Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, wsConn, conn, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, wsConn, conn.Wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(wsConn, &logger)

	dCtx, dCancel := context.WithTimeout(context.Background(), defaultWebSocketCloseWriteDeadline)
	defer dCancel()
	srv.svc.Disconnect(dCtx, conn)
	logger.Debug().Msg("session ended")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	wsConn *websocket.Conn,
	tx <-chan model.Frame,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := wsConn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = wsConn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case frame, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&frame)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing frame")
				break SendLoop
			}

			wsErr = wsConn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := wsConn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	wsConn *websocket.Conn,
	conn *registry.Conn,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	wsConn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return wsConn.SetReadDeadline(time.Now().Add(deadline))
	}
	wsConn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := wsConn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var frame model.Frame
			if wsErr = json.Unmarshal(msg, &frame); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming frame")
				continue
			}
			if err = srv.svc.HandleFrame(ctx, conn, frame); err != nil {
				logger.Error().Err(err).
					Str("destination", frame.Destination).
					Msg("frame handling failed")
				srv.reportError(ctx, conn, err)
			}
		}
	}
}

// reportError surfaces a frame-handling failure back to the originating
// session only.
func (srv *Server) reportError(ctx context.Context, conn *registry.Conn, err error) {
	frame := model.Frame{
		Destination: model.QueueErrors,
		Message: &model.Message{
			Body: err.Error(),
			Time: time.Now(),
		},
	}
	select {
	case conn.Wire.TX <- frame:
	case <-ctx.Done():
	case <-time.After(defaultWebSocketWriteDeadline):
	}
}

func webSocketCloser(wsConn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := wsConn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = wsConn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = wsConn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}

package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/auth"
	"github.com/fenggwsx/ResiChat/internal/config"
	"github.com/fenggwsx/ResiChat/internal/protocol"
	"github.com/fenggwsx/ResiChat/internal/storage"
	"github.com/fenggwsx/ResiChat/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Option configures an App.
type Option func(*App)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithBroker replaces the in-process broker, for example with a NATSBroker.
func WithBroker(b Broker) Option {
	return func(a *App) {
		if b != nil {
			a.broker = b
		}
	}
}

// WithPresence replaces the in-process presence registry.
func WithPresence(p Presence) Option {
	return func(a *App) {
		if p != nil {
			a.presence = p
		}
	}
}

// App serves the REST API, the WebSocket endpoint and the optional framed
// TCP listener, and routes realtime events between sessions.
type App struct {
	cfg      config.ServerConfig
	store    storage.Store
	hub      *RoomHub
	broker   Broker
	presence Presence
	logger   *zap.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	sessionsCtx    context.Context
	cancelSessions context.CancelFunc
	sessions       sync.WaitGroup
	closeOnce      sync.Once
}

// NewApp wires the server and subscribes it to the broker.
func NewApp(cfg config.ServerConfig, store storage.Store, opts ...Option) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:      cfg,
		store:    store,
		hub:      NewRoomHub(),
		broker:   NewLocalBroker(),
		presence: NewMemoryPresence(),
		logger:   zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessionsCtx:    ctx,
		cancelSessions: cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.broker.Subscribe(a.deliver); err != nil {
		cancel()
		return nil, err
	}
	a.engine = a.routes()
	return a, nil
}

// Handler exposes the HTTP routes, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.engine
}

// Run migrates storage and serves until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("http listening", zap.String("addr", a.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "http listen")
		}
	}()

	var tcpListener net.Listener
	if a.cfg.TCPListenAddr != "" {
		ln, err := net.Listen("tcp", a.cfg.TCPListenAddr)
		if err != nil {
			_ = srv.Close()
			return errors.Wrap(err, "tcp listen")
		}
		tcpListener = ln
		a.logger.Info("tcp listening", zap.String("addr", ln.Addr().String()))
		go func() {
			if err := a.acceptLoop(ln); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	if tcpListener != nil {
		_ = tcpListener.Close()
	}
	a.Close()
	return runErr
}

// Close ends every live session and releases the broker and presence
// registry. The store is owned by the caller.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.cancelSessions()
		a.sessions.Wait()
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("broker close", zap.Error(err))
		}
		if err := a.presence.Close(); err != nil {
			a.logger.Warn("presence close", zap.Error(err))
		}
	})
}

func (a *App) transportOptions() transport.Options {
	return transport.Options{
		MaxFrameBytes: a.cfg.MaxFrameBytes,
		WriteTimeout:  a.cfg.WriteTimeout,
	}
}

func (a *App) handleWebSocket(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}
	claims, err := auth.ParseToken(a.cfg.JWT, token)
	if err != nil {
		a.logger.Info("websocket rejected", zap.String("remote", c.ClientIP()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: "unauthorized"})
		return
	}
	ws, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Info("websocket upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}
	a.serveSession(transport.NewWebSocketConn(ws, a.transportOptions()), claims, c.ClientIP())
}

func (a *App) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go a.handleTCPConnection(conn)
	}
}

// handleTCPConnection expects an authenticate envelope as the first frame
// within the read timeout.
func (a *App) handleTCPConnection(raw net.Conn) {
	remote := raw.RemoteAddr().String()
	conn := transport.NewFramedConn(raw, a.transportOptions())

	var deadline *time.Timer
	if a.cfg.ReadTimeout > 0 {
		deadline = time.AfterFunc(a.cfg.ReadTimeout, func() { _ = conn.Close() })
	}
	env, err := conn.Receive(a.sessionsCtx)
	if deadline != nil && !deadline.Stop() && err == nil {
		err = errors.New("handshake timed out")
	}
	if err != nil {
		a.logger.Info("tcp handshake failed", zap.String("remote", remote), zap.Error(err))
		_ = conn.Close()
		return
	}

	var hello protocol.AuthenticatePayload
	if env.Event == protocol.EventAuthenticate {
		err = protocol.DecodePayload(env.Payload, &hello)
	} else {
		err = errors.Errorf("expected %s, got %s", protocol.EventAuthenticate, env.Event)
	}
	var claims *auth.Claims
	if err == nil {
		claims, err = auth.ParseToken(a.cfg.JWT, hello.Token)
	}
	if err != nil {
		a.logger.Info("tcp client rejected", zap.String("remote", remote), zap.Error(err))
		_ = conn.Send(a.sessionsCtx, errorEnvelope(env.ID, "unauthorized"))
		_ = conn.Close()
		return
	}
	a.serveSession(conn, claims, remote)
}

// serveSession runs one authenticated connection until either side closes it.
func (a *App) serveSession(conn transport.Conn, claims *auth.Claims, remote string) {
	a.sessions.Add(1)
	defer a.sessions.Done()

	ctx, cancel := context.WithCancel(a.sessionsCtx)
	defer cancel()

	sess := newClientSession(conn, claims, remote, a.cfg.SendQueueSize)
	logger := a.logger.With(zap.String("session", sess.id), zap.Uint("user", claims.UserID), zap.String("remote", remote))
	a.hub.Attach(sess)
	logger.Info("session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := sess.writeLoop(ctx, a.cfg.WriteTimeout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Info("session write failed", zap.Error(err))
		}
		_ = conn.Close()
	}()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		env, err := conn.Receive(ctx)
		if errors.Is(err, protocol.ErrMalformedEnvelope) {
			logger.Warn("malformed envelope", zap.Error(err))
			sess.trySend(errorEnvelope("", "malformed envelope"))
			continue
		}
		if err != nil {
			if transport.IsClosed(err) || errors.Is(err, context.Canceled) {
				logger.Info("session closed")
			} else {
				logger.Info("session read failed", zap.Error(err))
			}
			break
		}
		a.handleEnvelope(ctx, sess, env, logger)
	}

	a.endSession(sess, logger)
	sess.close()
	<-writerDone
}

// endSession releases room membership and announces the user offline when
// the client never did.
func (a *App) endSession(sess *clientSession, logger *zap.Logger) {
	a.hub.Detach(sess)
	sess.setRoom(0)
	if sess.markOnline(false) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.announceOffline(ctx, sess.userID(), logger)
	}
}

// deliver is the broker subscription of this node.
func (a *App) deliver(d Delivery) {
	if d.ChatID == 0 {
		a.hub.BroadcastAll(d.Envelope)
		return
	}
	a.hub.Broadcast(d.ChatID, d.Envelope)
}

func (a *App) publish(ctx context.Context, chatID uint, event protocol.EventType, payload interface{}) {
	d := Delivery{ChatID: chatID, Envelope: newEnvelope(event, payload)}
	if err := a.broker.Publish(ctx, d); err != nil {
		a.logger.Warn("publish failed", zap.String("event", string(event)), zap.Uint("chat", chatID), zap.Error(err))
	}
}

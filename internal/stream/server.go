package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kaptinlin/jsonschema"
	"go.uber.org/zap"

	"github.com/acme/lead-call-engine/internal/config"
)

// Server accepts provider media-stream WebSockets.
type Server struct {
	cfg      config.StreamConfig
	deps     Deps
	schema   *jsonschema.Schema
	upgrader websocket.Upgrader
	logger   *zap.Logger

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[*Connection]struct{}
}

// NewServer constructs a media-stream server.
func NewServer(cfg config.StreamConfig, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Bridges == nil {
		return nil, fmt.Errorf("stream: bridge factory required")
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = "/media-stream"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		schema: schema,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[*Connection]struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, s)
	if prefix := strings.TrimSuffix(cfg.Path, "/") + "/"; prefix != cfg.Path {
		mux.Handle(prefix, s)
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// ServeHTTP upgrades the request and serves the stream until it ends.
// The provider is taken from the "provider" query parameter or the last path
// segment after the configured path, falling back to the configured default.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := s.providerFor(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream: upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	conn := newConnection(ws, Options{
		Provider:         provider,
		ExpectedProtocol: s.cfg.ExpectedProtocol,
		WriteTimeout:     s.cfg.WriteTimeout,
		InboxSize:        s.cfg.InboxSize,
	}, s.deps, s.schema, s.logger)

	s.wg.Add(1)
	defer s.wg.Done()
	s.track(conn, true)
	defer s.track(conn, false)

	if err := conn.Serve(s.ctx); err != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			s.logger.Debug("stream: connection ended with error", zap.Error(err))
		}
	}
}

func (s *Server) providerFor(r *http.Request) string {
	if p := r.URL.Query().Get("provider"); p != "" {
		return strings.ToLower(p)
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, s.cfg.Path), "/")
	if rest != "" && !strings.Contains(rest, "/") {
		return strings.ToLower(rest)
	}
	return strings.ToLower(s.cfg.DefaultProvider)
}

func (s *Server) track(c *Connection, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.active[c] = struct{}{}
		return
	}
	delete(s.active, c)
}

// ActiveConnections returns the number of open media streams.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ListenAndServe blocks serving the media-stream listener.
func (s *Server) ListenAndServe() error {
	s.logger.Info("stream: listening", zap.String("addr", s.httpServer.Addr), zap.String("path", s.cfg.Path))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stream: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting streams, ends live ones and waits for their
// bridges to close or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stream: shutdown: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("stream: shutdown: %w", err)
	}
	return nil
}

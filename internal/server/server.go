// Package server provides the HTTP and WebSocket front end of the bridge.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/workspace/qb-bridge/internal/auth"
	"github.com/workspace/qb-bridge/internal/config"
	"github.com/workspace/qb-bridge/internal/gateway"
	"github.com/workspace/qb-bridge/internal/persistence"
	"github.com/workspace/qb-bridge/internal/session"
)

// Server is the HTTP server for the bridge.
type Server struct {
	config       *config.Config
	gatewayCfg   gateway.Config
	httpServer   *http.Server
	jwtValidator *auth.JWTValidator
	registry     *session.Registry[*gateway.Process]
	store        *persistence.Store
	logger       *slog.Logger

	socketMu sync.Mutex
	sockets  map[*wsConn]struct{}

	startedAt time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

// Option customizes a Server.
type Option func(*Server)

// WithGatewayConfig overrides the gateway spawn settings derived from the
// bridge config.
func WithGatewayConfig(cfg gateway.Config) Option {
	return func(s *Server) { s.gatewayCfg = cfg }
}

// WithValidator sets the token validator; nil disables auth.
func WithValidator(v *auth.JWTValidator) Option {
	return func(s *Server) { s.jwtValidator = v }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		config:     cfg,
		gatewayCfg: cfg.Gateway(),
		logger:     slog.Default(),
		sockets:    make(map[*wsConn]struct{}),
		startedAt:  time.Now().UTC(),
		done:       make(chan struct{}),
	}

	if cfg.Auth().Enabled() {
		v, err := auth.NewJWTValidator(context.Background(), cfg.Auth())
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT validator: %w", err)
		}
		s.jwtValidator = v
	}

	for _, opt := range opts {
		opt(s)
	}

	if cfg.HistoryDBPath != "" {
		if cfg.HistoryDBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.HistoryDBPath), 0o755); err != nil {
				return nil, fmt.Errorf("create history directory: %w", err)
			}
		}
		store, err := persistence.Open(cfg.HistoryDBPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		s.store = store
	}

	s.registry = session.NewRegistry(session.Config{
		IdleTimeout: cfg.IdleTimeout,
		MaxSessions: cfg.MaxSessions,
		Logger:      s.logger,
		Hooks: session.Hooks{
			OnCreate: s.recordSessionStart,
			OnExpire: func(info session.Info) {
				s.logger.Info("Idle session reclaimed", "sessionId", info.ID, "calls", info.Calls)
			},
			OnRemove: s.recordSessionEnd,
		},
	}, func(ctx context.Context, sessionID string) (*gateway.Process, error) {
		return s.startGateway(ctx, sessionID)
	})

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the background sweepers and serves until Stop.
func (s *Server) Start() error {
	s.startSweepers()

	s.logger.Info("Starting bridge", "addr", s.httpServer.Addr,
		"gateway", s.gatewayCfg.Command, "maxSessions", s.config.MaxSessions)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains HTTP requests, closes every socket, and terminates every
// gateway process.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		err = s.httpServer.Shutdown(ctx)

		s.closeAllSockets()

		if cerr := s.registry.Close(); cerr != nil {
			s.logger.Warn("Failed to close session registry", "error", cerr)
		}

		if s.store != nil {
			if cerr := s.store.Close(); cerr != nil {
				s.logger.Warn("Failed to close history store", "error", cerr)
			}
		}
	})
	return err
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /bridge", s.requireAuth(s.handleBridge))
	mux.HandleFunc("GET /tools", s.requireAuth(s.handleListTools))
	mux.HandleFunc("GET /sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /sessions/{sessionId}/calls", s.requireAuth(s.handleListCalls))
	mux.HandleFunc("DELETE /sessions/{sessionId}", s.requireAuth(s.handleDeleteSession))

	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWS))
}

// startGateway spawns one gateway process for sessionID.
func (s *Server) startGateway(ctx context.Context, sessionID string, opts ...gateway.Option) (*gateway.Process, error) {
	opts = append([]gateway.Option{
		gateway.WithSessionID(sessionID),
		gateway.WithLogger(s.logger),
	}, opts...)
	return gateway.Start(ctx, s.gatewayCfg, opts...)
}

func (s *Server) startSweepers() {
	go s.runLivenessSweep(s.config.WSPingInterval)
	if s.store != nil && s.config.HistoryRetention > 0 {
		go s.runHistoryPrune(time.Hour)
	}
}

func (s *Server) runHistoryPrune(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.store.PruneCalls(time.Now().Add(-s.config.HistoryRetention))
			if err != nil {
				s.logger.Warn("Failed to prune call history", "error", err)
			} else if n > 0 {
				s.logger.Debug("Pruned call history", "removed", n)
			}
		}
	}
}

func (s *Server) recordSessionStart(info session.Info) {
	if s.store == nil {
		return
	}
	err := s.store.InsertSession(persistence.SessionRecord{
		InstanceID: info.InstanceID,
		SessionID:  info.ID,
		Transport:  info.Transport,
		PID:        info.PID,
	})
	if err != nil {
		s.logger.Warn("Failed to record session start", "sessionId", info.ID, "error", err)
	}
}

func (s *Server) recordSessionEnd(info session.Info, reason session.Reason) {
	if s.store == nil {
		return
	}
	if err := s.store.EndSession(info.InstanceID, string(reason), info.Calls); err != nil {
		s.logger.Warn("Failed to record session end", "sessionId", info.ID, "error", err)
	}
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.jwtValidator == nil {
			next(w, r)
			return
		}
		claims, err := s.jwtValidator.Validate(auth.TokenFromRequest(r))
		if err != nil {
			s.logger.Debug("Token validation failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, kindUnauthorized, "invalid or missing token")
			return
		}
		next(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.isOriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"teamchat-core/internal/fastcounters"
	"teamchat-core/internal/fixer"
	"teamchat-core/internal/userstate"
	"teamchat-core/internal/watch"

	"go.uber.org/zap"
)

// Deps are the components served by the endpoints
type Deps struct {
	Users    *userstate.Repository
	Counters fastcounters.CounterProvider
	Settings *fastcounters.Settings
	Fixer    *fixer.Repository
	Notifier watch.Notifier
}

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
}

// NewServer returns new Server serving the operations endpoints over deps
func NewServer(logger *zap.SugaredLogger, deps Deps, opts ...Option) *Server {
	h := &handler{
		logger:   logger,
		users:    deps.Users,
		counters: deps.Counters,
		settings: deps.Settings,
		fixer:    deps.Fixer,
		notifier: deps.Notifier,
	}

	c := &config{
		httpServer: &http.Server{Addr: "0.0.0.0:9000"},
		handlers: map[string]http.Handler{
			"/counters/get":      http.HandlerFunc(h.countersGet),
			"/counters/fix":      http.HandlerFunc(h.countersFix),
			"/counters/settings": http.HandlerFunc(h.countersSettings),
			"/updates/get":       http.HandlerFunc(h.updatesGet),
			syncPattern:          http.HandlerFunc(h.updatesSync),
			watchPattern:         http.HandlerFunc(h.updatesWatch),
		},
		maxWatch: 30 * time.Second,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	for _, opt := range []Option{applyEnforcePostJson(), applyLog(logger.Desugar()), registerHandlers()} {
		opt.apply(c)
	}
	h.maxWatch = c.maxWatch

	return &Server{
		logger:        logger,
		httpServer:    c.httpServer,
		afterShutdown: c.afterShutdown,
	}
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and shuts it down gracefully once ctx is done
func (s *Server) Start(ctx context.Context) error {
	idleConnsClosed := make(chan struct{})

	go func() {
		<-ctx.Done()

		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	// long polls end together with ctx
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}

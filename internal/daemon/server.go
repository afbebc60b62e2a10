package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sioree/messaging/internal/config"
	"github.com/sioree/messaging/internal/httpapi"
	"github.com/sioree/messaging/internal/ws"
)

// Server manages the HTTP server carrying both the REST routes and the
// websocket push channel.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewServer creates the HTTP server bound to the configured address.
// Binding happens here rather than in Start so a port conflict fails
// startup instead of a background goroutine.
func NewServer(cfg *config.Config, logger *zap.Logger, api *httpapi.API, wsHandler *ws.Handler) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           api.Router(wsHandler, cfg.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	if err := s.httpServer.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown of the HTTP side. Websocket
// connections are hijacked from the server and torn down on process
// exit.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
	}
}

package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the hook listener.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the listener. addr is host:port.
func NewServer(addr string, handler *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/hooks/", handler)
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		logger: logger.With("component", "webhook-server"),
	}
}

// Start listens in the background.
func (s *Server) Start() {
	s.logger.Info("starting webhook listener", "addr", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webhook listener error", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Package server exposes the Batcher's operator API over HTTP, grounded on
// internal/server/server.go's Server/http.Server/shutdownChan pattern.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/retriever/internal/app"
)

// Server wraps an http.Server built around the Batcher's App.
type Server struct {
	app          *app.App
	router       *http.ServeMux
	server       *http.Server
	shutdownChan chan struct{}
	wsHub        *jobStreamHub
}

// New builds a Server bound to the given App's host:port.
func New(application *app.App) *Server {
	s := &Server{app: application}
	s.wsHub = newJobStreamHub(application.Config.WebSocket, application.Store, application.Logger)
	s.wsHub.Start()
	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 360 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// SetShutdownChannel lets cmd/retriever/main.go's signal handler share a
// single shutdown trigger with the ShutdownHandler's HTTP-initiated path.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownChan = ch
}

func (s *Server) Start() error {
	s.app.Logger.Info().Str("addr", s.server.Addr).Msg("admin API server starting")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ShutdownHandler lets an operator trigger a graceful shutdown over HTTP
// (POST only), mirroring the teacher's dev-mode shutdown endpoint.
func (s *Server) ShutdownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"shutting down"}`))

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(200 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}

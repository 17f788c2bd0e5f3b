// Package server exposes a session over REST and streams its events to
// WebSocket clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sokinpui/artifact/internal/config"
	"github.com/sokinpui/artifact/internal/logger"
)

const maxBodyBytes = 8 << 20

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	events     *eventPump
	clients    *ClientRegistry
}

// New wires the routes for sess. It does not listen; call Run.
func New(cfg config.ServerConfig, sess Session) *Server {
	clients := NewClientRegistry()
	handlers := NewHandlers(sess)

	r := chi.NewRouter()
	useMiddleware(r, newOriginPolicy(cfg.AllowedOrigins))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/messages", handlers.GetMessages)
		r.Post("/messages", handlers.PostMessage)
		r.Get("/messages/{id}/code", handlers.GetCodeBlocks)

		r.Get("/files", handlers.GetFiles)
		r.Get("/files/content", handlers.GetFileContent)
		r.Put("/files/content", handlers.PutFileContent)

		r.Get("/preview", handlers.GetPreview)
		r.Get("/download", handlers.Download)
	})
	r.Get("/ws", HandleWebSocket(clients, cfg.AllowedOrigins))

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// No write timeout: a waited send lasts as long as generation.
			IdleTimeout: 60 * time.Second,
		},
		handlers: handlers,
		events:   newEventPump(sess, clients),
		clients:  clients,
	}
}

// Handler is the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Run forwards session events to clients and serves HTTP until Shutdown or
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.events.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := s.Shutdown(shutdownCtx); err != nil {
			getLog().Warn().Err(err).Msg("API server shutdown")
		}
	}()

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and cancels background sends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.handlers.shutdown()
	return err
}

// Package server wires the HTTP surface: the chat endpoint, static file
// serving for the browser UI, and the request middleware.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/yuanwj/gemini-chat/internal/config"
)

// Server is the chat proxy HTTP server.
type Server struct {
	httpServer *http.Server
}

// New constructs a Server from the given config and collaborators.
func New(cfg *config.Config, st Store, providers ProviderFactory) *Server {
	chat := NewChatHandler(st, providers, &http.Client{Timeout: cfg.FetchTimeout})

	router := mux.NewRouter()
	router.Handle("/chat", chat).Methods(http.MethodPost)
	router.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.StaticDir))).Methods(http.MethodGet)
	// The client only knows 404 for anything outside the API surface, wrong
	// method included.
	router.MethodNotAllowedHandler = http.NotFoundHandler()

	var handler http.Handler = router
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: handler,
			// No ReadTimeout or WriteTimeout: uploads can be large and a
			// streaming reply runs as long as the model does.
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

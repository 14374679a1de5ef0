package web

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and handlers.
func NewServer(addr string, handlers *Handlers) *Server {
	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /motor/on", s.handlers.HandleMotorOn)
	mux.HandleFunc("POST /motor/off", s.handlers.HandleMotorOff)
	mux.HandleFunc("POST /motor/stop", s.handlers.HandleMotorStop)
	mux.HandleFunc("POST /advance", s.handlers.HandleAdvance)
	mux.HandleFunc("POST /scan", s.handlers.HandleScan)
	mux.HandleFunc("GET /direction", s.handlers.HandleGetDirection)
	mux.HandleFunc("PUT /direction", s.handlers.HandleSetDirection)
	mux.HandleFunc("GET /frame", s.handlers.HandleFrame)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /frames/ws", s.handlers.HandleFramesWS)

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. A running advance or scan is cancelled on the way out.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	defer s.handlers.Shutdown()
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	jsonwriter "github.com/dgellow/authsession/internal/json"
	"github.com/dgellow/authsession/internal/log"
)

// HTTPServer manages the HTTP server lifecycle
type HTTPServer struct {
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer creates a new HTTP server with the given handler and address
func NewHTTPServer(handler http.Handler, addr string) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Listen binds the listening socket and returns the bound address, which
// differs from the configured one when it names port 0.
func (h *HTTPServer) Listen() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String(), nil
	}
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return "", err
	}
	h.listener = ln
	return ln.Addr().String(), nil
}

// HealthHandler handles health check requests
type HealthHandler struct {
	// Check reports readiness; nil means always ready
	Check func(ctx context.Context) error
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(check func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{Check: check}
}

// ServeHTTP implements http.Handler for health checks
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Check != nil {
		if err := h.Check(r.Context()); err != nil {
			log.LogWarnWithFields("http", "Health check failed", map[string]any{
				"error": err.Error(),
			})
			jsonwriter.WriteError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
	}
	_ = jsonwriter.Write(w, map[string]string{"status": "ok"})
}

// Start serves until Stop is called, binding first if Listen was not called
func (h *HTTPServer) Start() error {
	addr, err := h.Listen()
	if err != nil {
		return err
	}
	log.LogInfoWithFields("http", "HTTP server starting", map[string]any{
		"addr": addr,
	})

	h.mu.Lock()
	ln := h.listener
	h.mu.Unlock()
	if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	log.LogInfoWithFields("http", "HTTP server stopping", map[string]any{
		"addr": h.server.Addr,
	})

	if err := h.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.LogInfoWithFields("http", "HTTP server stopped", map[string]any{
		"addr": h.server.Addr,
	})
	return nil
}

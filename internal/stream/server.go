package stream

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewServer wraps handler in a chi router at path and returns an unstarted
// HTTP server on port. No request timeout middleware: these connections stay
// open for the life of the subscriber, and the WebSocket upgrade needs the
// raw hijackable response writer.
func NewServer(port int, path string, handler http.Handler) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get(path, handler.ServeHTTP)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

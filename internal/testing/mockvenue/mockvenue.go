// Package mockvenue provides an httptest backed venue REST mock. Routes are
// registered per test with gorilla/mux so path variables and method matching
// behave like a real venue gateway.
package mockvenue

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
)

// Server is a mock venue REST gateway
type Server struct {
	*httptest.Server
	Router *mux.Router
	hits   atomic.Int64
}

// New returns a started mock venue; shutdown is registered with tb
func New(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{Router: mux.NewRouter()}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.Router.ServeHTTP(w, r)
	}))
	tb.Cleanup(s.Server.Close)
	return s
}

// Hits returns the number of requests served across all routes
func (s *Server) Hits() int64 {
	return s.hits.Load()
}

// JSON registers a route answering every request with a fixed JSON document
func (s *Server) JSON(method, path string, status int, body string) *mux.Route {
	return s.Handle(method, path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

// Handle registers a custom handler for method and path
func (s *Server) Handle(method, path string, fn http.HandlerFunc) *mux.Route {
	return s.Router.HandleFunc(path, fn).Methods(method)
}

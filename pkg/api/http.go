// Package api exposes the conversation engine over HTTP. Handlers are
// methods on Server so the engine is injected rather than global.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"suchak/pkg/engine"
	"suchak/pkg/logger"
	"suchak/pkg/telemetry"
	"suchak/pkg/utils"
)

// Server holds the HTTP handler dependencies.
type Server struct {
	eng     *engine.Engine
	limiter *limiterPool
}

// NewServer builds a Server over the given engine.
func NewServer(eng *engine.Engine, lim LimitConfig) *Server {
	return &Server{eng: eng, limiter: &limiterPool{cfg: lim}}
}

// Handler returns the full route tree: health, metrics and the v1 API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimit)
	s.registerConversations(v1)
	s.registerMessages(v1)
	s.registerOutbox(v1)
	return r
}

// rateLimit applies a per-identity token bucket. The X-Identity header
// names the caller; absent, the limit is shared under "anonymous".
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Identity")
		if id == "" {
			id = "anonymous"
		}
		if !s.limiter.Allow(id) {
			logger.Warn("rate_limited", "identity", id, "path", r.URL.Path)
			utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

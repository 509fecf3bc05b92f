// Package api exposes the generation pipeline over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/zen-systems/pixelgate/pkg/archive"
	"github.com/zen-systems/pixelgate/pkg/audit"
	"github.com/zen-systems/pixelgate/pkg/ledger"
	"github.com/zen-systems/pixelgate/pkg/metrics"
	"github.com/zen-systems/pixelgate/pkg/persist"
	"github.com/zen-systems/pixelgate/pkg/pipeline"
)

// UserHeader carries the identity asserted by the upstream identity provider.
const UserHeader = "X-User-ID"

// maxBodyBytes bounds request bodies; source images may arrive as data URLs.
const maxBodyBytes = 16 << 20

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components served by the API.
type Deps struct {
	Coordinator *pipeline.Coordinator
	Ledger      *ledger.Ledger
	Trail       *audit.Trail
	Persister   *persist.Persister
	Archive     *archive.Store
	Metrics     *metrics.Metrics
	DB          Pinger
	AdminToken  string
	Log         *logrus.Logger
}

// Server is the PixelGate HTTP API server.
type Server struct {
	deps Deps
	log  *logrus.Logger
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps, log: deps.Log}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Archive != nil {
		r.Handle(archive.AssetPrefix+"*", s.deps.Archive.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Minute))

		r.With(s.requireAdmin).Post("/tokens", s.handleCredit)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Post("/generations", s.handleGenerate)
			r.Post("/quotes", s.handleQuote)
			r.Get("/balance", s.handleBalance)
			r.Get("/transactions", s.handleTransactions)
			r.Get("/images", s.handleListImages)
			r.Get("/images/{id}", s.handleGetImage)
			r.Patch("/images/{id}", s.handleUpdateImage)
			r.Post("/images/{id}/downloads", s.handleDownload)
			r.Get("/audit/{requestID}", s.handleAudit)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userKey struct{}

// requireUser trusts the X-User-ID header verbatim.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.deps.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"req_id":      middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    kind,
			"message": msg,
		},
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(pipeline.ErrInvalidRequest), "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

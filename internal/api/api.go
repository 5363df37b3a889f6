// Package api exposes the operator console surface: match listings and
// transitions, per-vehicle counts, plan administration, and offer ingest.
// Every route below /api/v1 is tenant-scoped via the X-Tenant-ID header.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/haulboard/loadhunt/internal/lifecycle"
	"github.com/haulboard/loadhunt/internal/match"
	"github.com/haulboard/loadhunt/internal/store"
	"github.com/haulboard/loadhunt/internal/stream"
)

// TenantHeader carries the tenant scope for every API call.
const TenantHeader = "X-Tenant-ID"

// OperatorHeader identifies the dispatcher for action-history attribution.
const OperatorHeader = "X-Operator-ID"

// Server holds the API dependencies.
type Server struct {
	store     store.Store
	engine    *match.Engine
	lifecycle *lifecycle.Manager
	publisher *stream.Publisher // nil when running without redis
}

// NewServer creates the API server. publisher may be nil; ingest then runs
// the matching pass inline instead of notifying other instances.
func NewServer(st store.Store, eng *match.Engine, lm *lifecycle.Manager, pub *stream.Publisher) *Server {
	return &Server{store: st, engine: eng, lifecycle: lm, publisher: pub}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", TenantHeader, OperatorHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireTenant)

		r.Route("/offers", func(r chi.Router) {
			r.Post("/", s.handleIngestOffer)
			r.Get("/", s.handleListOffers)
		})

		r.Route("/plans", func(r chi.Router) {
			r.Post("/", s.handleCreatePlan)
			r.Route("/{planID}", func(r chi.Router) {
				r.Get("/", s.handleGetPlan)
				r.Delete("/", s.handleDeletePlan)
				r.Post("/enable", s.handleEnablePlan)
				r.Post("/disable", s.handleDisablePlan)
				r.Post("/clear-matches", s.handleClearMatches)
			})
		})

		r.Route("/matches", func(r chi.Router) {
			r.Get("/", s.handleListMatches)
			r.Get("/counts", s.handleMatchCounts)
			r.Route("/{matchID}", func(r chi.Router) {
				r.Get("/", s.handleGetMatch)
				r.Get("/actions", s.handleListActions)
				r.Post("/skip", s.transitionHandler((*lifecycle.Manager).Skip))
				r.Post("/waitlist", s.transitionHandler((*lifecycle.Manager).Waitlist))
				r.Post("/undecided", s.transitionHandler((*lifecycle.Manager).Undecided))
				r.Post("/book", s.transitionHandler((*lifecycle.Manager).Book))
				r.Post("/bid", s.handleBid)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	code := http.StatusOK

	if clock, ok := s.store.(store.TimeAuthority); ok {
		if _, err := clock.Now(r.Context()); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["redis"] = err.Error()
		}
	}
	writeJSON(w, code, body)
}

// tenantID returns the request's tenant scope. requireTenant guarantees it
// is non-empty below /api/v1.
func tenantID(r *http.Request) string {
	return r.Header.Get(TenantHeader)
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(TenantHeader) == "" {
			writeError(w, http.StatusBadRequest, "missing "+TenantHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

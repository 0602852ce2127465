// Package api exposes dedupe runs and relationship review over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/lead-dedupe/internal/auth"
	"github.com/sells-group/lead-dedupe/internal/dedupe"
	"github.com/sells-group/lead-dedupe/internal/lead"
)

// Runner executes one dedupe run.
type Runner interface {
	Run(ctx context.Context, req dedupe.Request) (*dedupe.RunResult, error)
}

// PairMerger merges one recorded relationship.
type PairMerger interface {
	MergeByID(ctx context.Context, relationshipID string) error
}

// Store is the read side the API needs.
type Store interface {
	ListDuplicates(ctx context.Context, filter lead.DuplicateFilter) ([]lead.Duplicate, error)
	Ping(ctx context.Context) error
}

// Config holds the server's collaborators.
type Config struct {
	Runner        Runner
	Merger        PairMerger
	Store         Store
	Authenticator auth.Authenticator
	Authorizer    auth.Authorizer
	CORSOrigins   []string
	// RequestTimeout bounds each authenticated request. Zero means none.
	RequestTimeout time.Duration
}

// Server routes HTTP requests to the dedupe core.
type Server struct {
	runner   Runner
	merger   PairMerger
	store    Store
	authn    auth.Authenticator
	authz    auth.Authorizer
	validate *validator.Validate
	router   chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	s := &Server{
		runner:   cfg.Runner,
		merger:   cfg.Merger,
		store:    cfg.Store,
		authn:    cfg.Authenticator,
		authz:    cfg.Authorizer,
		validate: newValidator(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "apikey"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		r.Use(s.requireAdmin)
		r.Post("/dedupe", s.handleDedupe)
		r.Get("/duplicates", s.handleListDuplicates)
		r.Post("/duplicates/{id}/merge", s.handleMerge)
	})

	s.router = r
	return s
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

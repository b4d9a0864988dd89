package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/modusec/blacklist/pkg/cache"
	"github.com/modusec/blacklist/pkg/config"
	"github.com/modusec/blacklist/pkg/log"
	"github.com/modusec/blacklist/pkg/metrics"
	"github.com/modusec/blacklist/pkg/scheduler"
	"github.com/modusec/blacklist/pkg/store"
	"github.com/modusec/blacklist/pkg/types"
)

// Runner is the scheduler surface the control plane drives.
type Runner interface {
	Trigger(source types.Source, trigger types.RunTrigger, window types.DateRange) (*types.CollectionRun, error)
	CancelRun(id string) error
	Status() []scheduler.SourceStatus
	Window(source types.Source, now time.Time) types.DateRange
}

// CredentialAdmin is the vault surface the control plane drives.
type CredentialAdmin interface {
	Put(source types.Source, username, secret string) error
	PutToken(source types.Source, token string) error
	Rotate() error
	List() []types.Credential
}

// Server carries the HTTP handlers and their dependencies.
type Server struct {
	cfg    *config.Config
	store  store.Store
	cache  *cache.Tiered
	runner Runner
	creds  CredentialAdmin
	logger zerolog.Logger
	now    func() time.Time
}

// New builds the HTTP server. The now hook exists for tests; pass nil
// for wall-clock time.
func New(cfg *config.Config, st store.Store, c *cache.Tiered, runner Runner, creds CredentialAdmin, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{
		cfg:    cfg,
		store:  st,
		cache:  c,
		runner: runner,
		creds:  creds,
		logger: log.WithComponent("api"),
		now:    now,
	}
}

// Router assembles the chi router: open read endpoints (optionally
// gated), the authenticated control plane, health and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.RequireReadAuth {
			r.Use(s.requireAuth)
		}
		r.Get("/api/blacklist/active", s.handleActiveText)
		r.Get("/api/fortigate", s.handleFortiGate)
		r.Route("/api/v2", func(r chi.Router) {
			r.Get("/blacklist/enhanced", s.handleEnhanced)
			r.Get("/analytics/summary", s.handleAnalytics)
			r.Get("/sources/status", s.handleSourcesStatus)
		})
	})

	r.Route("/api/collection", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/status", s.handleCollectionStatus)
		r.Post("/enable", s.handleEnable)
		r.Post("/disable", s.handleDisable)
		r.Post("/{source}/trigger", s.handleTrigger)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Post("/credentials", s.handlePutCredentials)
		r.Put("/credentials", s.handlePutCredentials)
		r.Post("/credentials/rotate", s.handleRotateCredentials)
	})

	return r
}

// logRequests emits one structured line per request and feeds the API
// metrics, labelled by route pattern rather than raw path.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			elapsed := time.Since(start)
			metrics.APIRequestsTotal.WithLabelValues(pattern, strconv.Itoa(ww.Status())).Inc()
			metrics.APIRequestDuration.WithLabelValues(pattern).Observe(elapsed.Seconds())
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", elapsed).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

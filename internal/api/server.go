package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nextconvert/composer/internal/api/handlers"
	"github.com/nextconvert/composer/internal/api/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig holds dependencies for the API server
type ServerConfig struct {
	Logger         *zap.Logger
	AllowedOrigins []string
	MaxBodySize    int64
	RateLimit      int // export submissions per IP per minute
	MaxWSConns     int

	// Auth guards the export and media routes; nil disables authentication
	// and every job is visible to every caller.
	Auth *middleware.ClerkAuth

	Checks   map[string]handlers.Checker
	Counter  middleware.WindowCounter
	Jobs     handlers.JobService
	Catalog  handlers.PresetCatalog
	Prober   handlers.Prober
	Inputs   handlers.InputResolver
	Hub      handlers.ConnectionHandler
	Metrics  middleware.HTTPRecorder
	Gatherer prometheus.Gatherer
}

// Server represents the API server
type Server struct {
	cfg    ServerConfig
	logger *zap.Logger
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Router returns the configured HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimiddleware.Recoverer)
	if s.cfg.Metrics != nil {
		r.Use(middleware.MetricsMiddleware(s.cfg.Metrics))
	}
	r.Use(middleware.SecurityHeaders)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: s.cfg.Auth != nil,
		MaxAge:           300,
	}))

	rateLimiter := middleware.NewRateLimiter(s.cfg.Counter, s.logger)

	healthHandler := handlers.NewHealthHandler(s.cfg.Checks)
	exportHandler := handlers.NewExportHandler(s.cfg.Jobs, s.logger)
	mediaHandler := handlers.NewMediaHandler(s.cfg.Catalog, s.cfg.Prober, s.cfg.Inputs, s.logger)
	wsHandler := handlers.NewWebSocketHandler(s.cfg.Hub, s.cfg.MaxWSConns)

	authenticate := func(next http.Handler) http.Handler { return next }
	if s.cfg.Auth != nil {
		authenticate = s.cfg.Auth.Handler
	}

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)

		r.Route("/exports", func(r chi.Router) {
			r.Use(authenticate)
			r.Use(middleware.NoCache)
			r.Use(middleware.RequireJSON(s.cfg.MaxBodySize))

			r.With(rateLimiter.Limit(middleware.ExportSubmissionLimit(s.cfg.RateLimit))).
				Post("/", exportHandler.CreateExport)
			r.Get("/", exportHandler.ListExports)
			r.Get("/{id}", exportHandler.GetExport)
			r.Post("/{id}/cancel", exportHandler.CancelExport)
		})

		r.Route("/media", func(r chi.Router) {
			r.Use(authenticate)
			r.With(middleware.RequireJSON(s.cfg.MaxBodySize)).Post("/probe", mediaHandler.Probe)
			r.Get("/presets", mediaHandler.GetPresets)
			r.Get("/presets/{id}", mediaHandler.GetPreset)
			r.Get("/formats", mediaHandler.GetFormats)
		})

		r.Get("/ws", wsHandler.HandleConnection)
	})

	return r
}

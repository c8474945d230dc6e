// Package server exposes the quiz caches and the admin operations over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/deploy/cloud"
	"github.com/unkn0wn-root/quizcache/quiz"
	"github.com/unkn0wn-root/quizcache/quizstore"
)

// Quizzes is the cached read side, implemented by *quiz.Service.
type Quizzes interface {
	Questions(ctx context.Context, gt quiz.GameType, date string) []quiz.Question
	Dates(ctx context.Context, gt quiz.GameType) []string
	Dataset(ctx context.Context) quiz.Dataset
	Archive(ctx context.Context, gt quiz.GameType) quiz.Archive
	Latest(ctx context.Context, gt quiz.GameType) (quiz.Item, error)
	ClearDate(ctx context.Context, gt quiz.GameType, date string) error
	ClearGame(ctx context.Context, gt quiz.GameType) error
	ClearAll(ctx context.Context) error
	Saved(ctx context.Context, it quiz.Item) error
	Status() quiz.Status
}

var _ Quizzes = (*quiz.Service)(nil)

type QuizletSets interface {
	QuizletSets(ctx context.Context) ([]quiz.QuizletSet, error)
}

// Store is the quiz table as the admin API uses it.
type Store interface {
	Put(ctx context.Context, it quiz.Item) (bool, error)
	Get(ctx context.Context, gt quiz.GameType, date string) (quiz.Item, error)
	All(ctx context.Context) ([]quiz.Item, error)
	Describe(ctx context.Context) (quizstore.TableInfo, error)
}

var _ Store = (*quizstore.Store)(nil)

type Invalidator interface {
	Invalidate(ctx context.Context, paths ...string) (string, error)
}

type LambdaMetrics interface {
	Lambda(ctx context.Context, function string, window time.Duration) (cloud.LambdaStats, error)
}

type Config struct {
	Quizzes Quizzes // required
	Sets    QuizletSets

	// Admin API. Store is required for the quiz admin routes, CDN and
	// Metrics for the deploy and metrics routes.
	Store          Store
	CDN            Invalidator
	Metrics        LambdaMetrics
	LambdaFunction string
	JWTSecret      string

	AllowedOrigins []string
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
	Now            func() time.Time
}

type Server struct {
	cfg      Config
	log      *zap.Logger
	validate *validator.Validate
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func New(cfg Config) (*Server, error) {
	if cfg.Quizzes == nil {
		return nil, errors.New("server: Quizzes is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Gatherer == nil {
		if g, ok := cfg.Registerer.(prometheus.Gatherer); ok {
			cfg.Gatherer = g
		} else {
			cfg.Gatherer = prometheus.DefaultGatherer
		}
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger.Named("http"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quizapi_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quizapi_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	for _, c := range []prometheus.Collector{s.requests, s.latency} {
		if err := cfg.Registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Router returns the routes. It is a *chi.Mux so the Lambda adapter can wrap it.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/quiz", func(r chi.Router) {
		r.Get("/quizzes/all", s.handleDataset)
		r.Get("/quizzes/meta/{gameType}", s.handleDates)
		r.Get("/quizzes/archive/{gameType}", s.handleArchive)
		r.Get("/quizzes/{gameType}/{date}", s.handleQuestions)
		r.Get("/latest", s.handleLatest)
		r.Get("/quizlet/sets", s.handleQuizletSets)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/quiz", s.handleSaveQuiz)
		r.Get("/quiz", s.handleListQuiz)
		r.Post("/deploy", s.handleInvalidate)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/cache/clear", s.handleClearCache)
		r.Get("/cache/status", s.handleCacheStatus)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.latency.WithLabelValues(route).Observe(elapsed.Seconds())
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

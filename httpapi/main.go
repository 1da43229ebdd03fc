// Package httpapi exposes the coaching operations as a JSON API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"salescoachdev/classifier"
	"salescoachdev/contextbuilder"
	"salescoachdev/corpus"
	"salescoachdev/logger"
	"salescoachdev/retrieval"
	"salescoachdev/session"
)

type SessionService interface {
	Start(ctx context.Context, opts session.StartOptions) (session.Session, session.Reply, error)
	HandleTurn(ctx context.Context, id, message string) (session.Reply, error)
	ProvideContext(ctx context.Context, id string, base contextbuilder.BaseContext) (session.Reply, error)
	Stop(ctx context.Context, id string) (session.Reply, error)
	Get(ctx context.Context, id string) (session.Session, error)
	Turns(ctx context.Context, id string) ([]session.Turn, error)
	End(ctx context.Context, id string) error
}

type Searcher interface {
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) (retrieval.Result, error)
	Stats(ctx context.Context) (retrieval.Stats, error)
}

type Indexer interface {
	Index(ctx context.Context, docs []corpus.Document) retrieval.IndexReport
}

type Tagger interface {
	Run(ctx context.Context) (classifier.TagReport, error)
}

type Reviewer interface {
	Approve(ctx context.Context, chunkID string) (corpus.Chunk, error)
	Reject(ctx context.Context, chunkID, correction string) (corpus.Chunk, error)
	BulkApproveByTechnique(ctx context.Context, techniqueID string) (int, error)
	Reset(ctx context.Context) (int, error)
	Queue(ctx context.Context, techniqueID string, limit int) ([]corpus.Chunk, error)
}

type Reloader interface {
	Reload() error
}

type ServerProps struct {
	Logger     *logger.LogMiddleware
	Sessions   SessionService
	Search     Searcher
	Indexer    Indexer
	Tagger     Tagger
	Reviewer   Reviewer
	Curriculum Reloader
	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	// Ready is consulted by /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	logger     *logger.LogMiddleware
	sessions   SessionService
	search     Searcher
	indexer    Indexer
	tagger     Tagger
	reviewer   Reviewer
	curriculum Reloader
	gatherer   prometheus.Gatherer
	ready      func(ctx context.Context) error
}

func New(args ServerProps) *Server {
	gatherer := args.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		logger:     args.Logger,
		sessions:   args.Sessions,
		search:     args.Search,
		indexer:    args.Indexer,
		tagger:     args.Tagger,
		reviewer:   args.Reviewer,
		curriculum: args.Curriculum,
		gatherer:   gatherer,
		ready:      args.Ready,
	}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLoggerMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleStartSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleEndSession)
			r.Get("/turns", s.handleListTurns)
			r.Post("/turns", s.handleTurn)
			r.Post("/context", s.handleProvideContext)
			r.Post("/stop", s.handleStop)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireCorpus)
		r.Post("/search", s.handleSearch)
		r.Route("/corpus", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Post("/index", s.handleIndex)
			r.Post("/tag", s.handleTag)
			r.Get("/review", s.handleReviewQueue)
			r.Post("/chunks/{id}/approve", s.handleApprove)
			r.Post("/chunks/{id}/reject", s.handleReject)
			r.Post("/techniques/{id}/approve", s.handleBulkApprove)
			r.Post("/reset", s.handleReset)
		})
	})

	r.Post("/curriculum/reload", s.handleReloadCurriculum)

	return otelhttp.NewHandler(r, "httpapi")
}

func requestLoggerMiddleware(logger *logger.LogMiddleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			logger.Logger(ctx).Info("[HTTP] Request Received", zap.String("path", r.URL.Path), zap.String("method", r.Method))
			next.ServeHTTP(ww, r)
			logger.Logger(ctx).Info("[HTTP] Request Completed",
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// requireCorpus answers 503 when the server runs without a document store.
func (s *Server) requireCorpus(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.search == nil || s.reviewer == nil || s.tagger == nil {
			Error(w, http.StatusServiceUnavailable, "document store is not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Logger(r.Context()).Warn("[HTTP] Readiness check failed", zap.Error(err))
			JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReloadCurriculum(w http.ResponseWriter, r *http.Request) {
	if s.curriculum == nil {
		Error(w, http.StatusNotImplemented, "curriculum reload is not available")
		return
	}
	if err := s.curriculum.Reload(); err != nil {
		s.logger.Logger(r.Context()).Error("[HTTP] Curriculum reload failed", zap.Error(err))
		Error(w, http.StatusUnprocessableEntity, "curriculum file is invalid, previous version kept")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

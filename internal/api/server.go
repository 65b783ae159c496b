// Package api serves stored backtest runs and live frost assessments as JSON.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lox/agrofrost/internal/config"
	"github.com/lox/agrofrost/internal/forecast"
	"github.com/lox/agrofrost/internal/store"
)

// DefaultLookback is the history, in days, used for a live assessment.
const DefaultLookback = 3650

type Server struct {
	store     *store.Store
	predictor *forecast.Predictor
	site      config.Site
	addr      string
	lookback  int
	logger    *zap.Logger
}

type Option func(*Server)

// WithLookback sets how many days of stored history feed a live assessment.
func WithLookback(days int) Option {
	return func(s *Server) {
		if days > 0 {
			s.lookback = days
		}
	}
}

func NewServer(st *store.Store, predictor *forecast.Predictor, site config.Site, addr string, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     st,
		predictor: predictor,
		site:      site,
		addr:      addr,
		lookback:  DefaultLookback,
		logger:    logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/assess", s.handleAssess)
		r.Get("/observations", s.handleObservations)
		r.Get("/runs", s.handleRuns)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", s.handleRun)
			r.Get("/events", s.handleRunEvents)
		})
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting server", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

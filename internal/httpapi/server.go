// Package httpapi serves the video service webhook and the operational
// endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sorabot/internal/job"
	logx "sorabot/pkg/logx"
)

// Jobs is the orchestrator surface the endpoints use.
type Jobs interface {
	Notify(ctx context.Context, externalID string) error
	Get(ctx context.Context, id string) (*job.Job, error)
	Counts(ctx context.Context) (map[job.State]int, error)
}

type Config struct {
	Addr string
	// CallbackPath is where the video service posts completion events.
	CallbackPath string
	// CallbackSecret, when set, must match the X-Callback-Secret header or
	// the secret query parameter.
	CallbackSecret string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool
}

const DefaultCallbackPath = "/sora-callback"

type Server struct {
	cfg  Config
	jobs Jobs
	log  logx.Logger
	now  func() time.Time
}

func New(cfg Config, jobs Jobs, log logx.Logger) *Server {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, jobs: jobs, log: log.With(logx.String("comp", "http")), now: time.Now}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/health", s.health)
	r.Post(s.cfg.CallbackPath, s.callback)
	r.Get("/jobs/{id}", s.getJob)
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr), logx.String("callback_path", s.cfg.CallbackPath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
	return nil
}

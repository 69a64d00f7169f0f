// Package httpapi serves the scheduler operations over a small JSON API.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "cronhub/internal/runtime/supervisor"
	logx "cronhub/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

// Config controls the API server.
//
// Security:
//   - The job API has no authentication; a non-loopback Addr needs
//     AllowInsecure.
//   - Profiling endpoints on a non-loopback Addr also need Pprof.Token.
type Config struct {
	Enabled       bool
	Addr          string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Pprof PprofConfig
}

type PprofConfig struct {
	Enabled bool
	Token   string

	MutexProfileFraction int
	BlockProfileRate     int
}

// Metrics is the optional metrics sink; its Handler backs GET /metrics.
type Metrics interface {
	Observer
	Handler() http.Handler
}

type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	api     API
	metrics Metrics

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	ready    chan struct{}
}

// New builds a server. metrics may be nil.
func New(cfg Config, api API, metrics Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, api: api, metrics: metrics, log: log.With(logx.String("comp", "http"))}
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler builds the router for the current config.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.router(cfg)
}

func (s *Server) router(cfg Config) http.Handler {
	h := &handler{api: s.api}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log, s.metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/status", h.status)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/", h.listJobs)
		r.Get("/{id}", h.getJob)
		r.Patch("/{id}", h.updateJob)
		r.Delete("/{id}", h.archiveJob)
		r.Post("/{id}/pause", h.pauseJob)
		r.Post("/{id}/resume", h.resumeJob)
		r.Post("/{id}/run", h.runJob)
		r.Get("/{id}/executions", h.listJobExecutions)
	})
	r.Get("/tasks", h.listTasks)
	r.Post("/tasks/{name}/run", h.runTask)
	r.Get("/executions/{id}", h.getExecution)
	r.Post("/executions/{id}/cancel", h.cancelExecution)
	r.Get("/stats", h.stats)
	r.Get("/schedules/describe", h.describeSchedule)

	if cfg.Pprof.Enabled {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Use(withAuth(cfg.Pprof.Token))
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Post("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{profile}", hpprof.Index)
		})
	}
	return r
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
// Safe to call during hot-reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg.Pprof)

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	if a.Addr != b.Addr || a.AllowInsecure != b.AllowInsecure {
		return true
	}
	if a.Pprof.Enabled != b.Pprof.Enabled || a.Pprof.Token != b.Pprof.Token {
		return true
	}
	return a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg PprofConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start is idempotent.
func (s *Server) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			// The API is an operator surface; losing it must not stop scheduling.
			rtsup.WithCancelOnError(false),
		)
		s.ready = make(chan struct{})
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Ready is closed once the listener is bound. Nil before Start.
func (s *Server) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.ready = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	ready := s.ready
	s.mu.Unlock()

	if !cur.Enabled {
		return nil
	}
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("http refused to start: non-loopback addr requires allow_insecure", logx.String("addr", addr))
			return errors.New("http refused to start: insecure bind")
		}
		if cur.Pprof.Enabled && cur.Pprof.Token == "" {
			s.log.Error("http refused to start: pprof on a non-loopback addr requires a token", logx.String("addr", addr))
			return errors.New("http refused to start: insecure pprof bind")
		}
		s.log.Warn("http API exposed on non-loopback addr without auth", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           s.router(cur),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	if ready != nil {
		select {
		case <-ready:
		default:
			close(ready)
		}
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cur.Pprof.Enabled),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

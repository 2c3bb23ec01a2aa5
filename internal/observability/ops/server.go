// Package ops serves the operator endpoints: liveness, job status and manual
// triggers, Prometheus metrics and pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"herald/internal/runtime/supervisor"
	"herald/internal/scheduler"
	"herald/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
}

// Jobs is the scheduler surface the server exposes.
type Jobs interface {
	Snapshot() []scheduler.JobStatus
	RunNow(ctx context.Context, name string) error
}

type Deps struct {
	Jobs       Jobs
	Gatherer   prometheus.Gatherer
	Supervisor *supervisor.Supervisor
	Version    string
}

type Server struct {
	log     logx.Logger
	deps    Deps
	started time.Time

	mu     sync.Mutex
	cfg    Config
	srv    *http.Server
	ln     net.Listener
	served chan struct{}
}

func New(deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{deps: deps, log: log.With(logx.Component("ops")), started: time.Now()}
}

// Addr is the bound address, or "" when the server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Apply starts, stops or restarts the server to match cfg. Profiling rates
// are applied even when the server is disabled.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
		return nil
	case !running:
		return s.start()
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		return s.start()
	}
	return nil
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		normalizePrefix(a.Prefix) != normalizePrefix(b.Prefix) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func (s *Server) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cfg

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return fmt.Errorf("ops: refusing insecure bind on %s", addr)
		}
		s.log.Warn("ops server running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(cur),
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	served := make(chan struct{})
	s.srv, s.ln, s.served = srv, ln, served

	go func() {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server exited", logx.Err(err))
		}
	}()
	s.log.Info("ops server started",
		logx.String("addr", ln.Addr().String()), logx.String("pprof", normalizePrefix(cur.Prefix)),
		logx.Bool("token_set", cur.Token != ""))
	return nil
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, served := s.srv, s.served
	s.srv, s.ln, s.served = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	select {
	case <-served:
	case <-ctx.Done():
	}
	s.log.Info("ops server stopped")
}

// Handler builds the route table for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle("GET /healthz", auth(s.handleHealth))
	mux.Handle("GET /jobs", auth(s.handleJobs))
	mux.Handle("POST /jobs/{name}/run", auth(s.handleRun))
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", withAuth(cfg.Token, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	mux.Handle(prefix, auth(pprofIndexAt(prefix)))
	mux.Handle(base+"/cmdline", auth(hpprof.Cmdline))
	mux.Handle(base+"/profile", auth(hpprof.Profile))
	mux.Handle(base+"/symbol", auth(hpprof.Symbol))
	mux.Handle(base+"/trace", auth(hpprof.Trace))
	return mux
}

type health struct {
	Status     string              `json:"status"`
	Version    string              `json:"version,omitempty"`
	Uptime     string              `json:"uptime"`
	Goroutines []supervisor.Status `json:"goroutines,omitempty"`
	FirstError string              `json:"first_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := health{Status: "ok", Version: s.deps.Version, Uptime: time.Since(s.started).Round(time.Second).String()}
	code := http.StatusOK
	if sup := s.deps.Supervisor; sup != nil {
		h.Goroutines = sup.Snapshot()
		if err := sup.Err(); err != nil {
			h.Status, h.FirstError = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, h)
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Jobs == nil {
		writeJSON(w, http.StatusOK, []scheduler.JobStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Jobs.Snapshot())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.deps.Jobs == nil {
		http.Error(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}
	started := time.Now()
	err := s.deps.Jobs.RunNow(r.Context(), name)
	resp := map[string]any{"job": name, "took": time.Since(started).String()}
	code := http.StatusOK
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		code = http.StatusNotFound
	case errors.Is(err, scheduler.ErrBusy):
		code = http.StatusConflict
	case err != nil:
		code = http.StatusInternalServerError
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	s.log.Info("manual job run", logx.Job(name), logx.Int("status", code))
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprofIndexAt rewrites the path so pprof.Index works under any prefix.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "shiftbot/internal/runtime/supervisor"
	logx "shiftbot/pkg/logx"
)

const (
	defaultAddr     = "127.0.0.1:9464"
	defaultPath     = "/metrics"
	shutdownTimeout = 2 * time.Second
)

// ServerConfig controls the /metrics HTTP endpoint.
type ServerConfig struct {
	Enabled bool
	Addr    string
	Path    string
}

func (c ServerConfig) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

func (c ServerConfig) path() string {
	if p := strings.TrimSpace(c.Path); p != "" {
		return p
	}
	return defaultPath
}

// Server exposes the registry and a /healthz probe over HTTP. A failed
// listener is restarted with backoff.
type Server struct {
	log   logx.Logger
	m     *Metrics
	cfg   ServerConfig
	bound atomic.Pointer[string]

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func NewServer(cfg ServerConfig, m *Metrics, log logx.Logger) *Server {
	return &Server{cfg: cfg, m: m, log: log.With(logx.String("comp", "metrics"))}
}

// Addr returns the bound address, or "" when not serving. With port 0 it
// carries the port the kernel picked.
func (s *Server) Addr() string {
	if p := s.bound.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *Server) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	if addr := s.cfg.addr(); !isLoopbackAddr(addr) {
		s.log.Warn("metrics endpoint bound to a non-loopback address", logx.String("addr", addr))
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("metrics.serve", s.serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.path(), promhttp.HandlerFor(s.m.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	return mux
}

// serve runs one listener until ctx ends. Any other exit is an error so the
// supervisor restarts it.
func (s *Server) serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{Handler: s.handler(), ReadHeaderTimeout: 5 * time.Second, IdleTimeout: time.Minute}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	addr := ln.Addr().String()
	s.bound.Store(&addr)
	defer s.bound.Store(nil)
	s.log.Info("metrics started", logx.String("addr", addr), logx.String("path", s.cfg.path()))

	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return context.Canceled
	case err == nil, errors.Is(err, http.ErrServerClosed):
		return errors.New("metrics server exited unexpectedly")
	default:
		return err
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

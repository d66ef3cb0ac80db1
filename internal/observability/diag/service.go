// Package diag serves the diagnostics HTTP endpoints: health, acquisition
// status, stored timers, the firing audit log and pprof.
package diag

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "timerd/internal/runtime/supervisor"
	logx "timerd/pkg/logx"
)

const (
	defaultAddr     = "127.0.0.1:6060"
	shutdownTimeout = 2 * time.Second
)

// errExposed stops the serve loop without a restart: binding a public
// address without a token needs a config change, not a retry.
var errExposed = errors.New("non-loopback debug.addr requires debug.token or debug.allow_insecure")

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

// listenKey is the part of Config that requires a new listener.
func (c Config) listenKey() Config {
	c.Enabled = false
	c.Prefix = normalizePrefix(c.Prefix)
	c.MutexProfileFraction, c.BlockProfileRate = 0, 0
	return c
}

type Service struct {
	log logx.Logger
	src Source

	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor // non-nil while started
	ln  net.Listener      // non-nil while serving
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg. The listener is only replaced when the address,
// auth or timeouts changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	setProfileRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	started := s.sup != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !started:
		s.Start(ctx)
	case prev.listenKey() != cfg.listenKey():
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func setProfileRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start serves in the background; a failed listener is retried with
// backoff until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	setProfileRates(s.cfg)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("diag.serve", s.serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	// Canceling the supervisor shuts the server down from inside serve.
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("diagnostics server stopped")
}

// serve runs one listener until ctx ends or the server fails.
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := cmp.Or(strings.TrimSpace(cfg.Addr), defaultAddr)
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("diagnostics server refused to start", logx.String("addr", addr), logx.Err(errExposed))
			return nil
		}
		s.log.Warn("diagnostics server exposed without token", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ln == ln {
			s.ln = nil
		}
		s.mu.Unlock()
	}()

	stopShutdown := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stopShutdown()

	s.log.Info("diagnostics server started",
		logx.String("addr", ln.Addr().String()),
		logx.String("pprof", normalizePrefix(cfg.Prefix)),
		logx.Bool("token_set", cfg.Token != ""))

	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return context.Canceled
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("diagnostics server closed unexpectedly")
	default:
		return err
	}
}

// isLoopbackAddr is true for localhost and loopback IPs. An empty host binds
// every interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"timerd/internal/storage"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

type fakeSource struct{}

func (fakeSource) Status() any { return map[string]int{"fired": 3} }

func (fakeSource) ListTimers(context.Context) ([]storage.TimerInfo, error) {
	return []storage.TimerInfo{{
		Job:       &timer.Job{ID: "t1", HandlerType: "timer-transition", Repeat: "R2/PT1H", Retries: 3, DueDate: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)},
		LockOwner: "node-a",
	}}, nil
}

func (fakeSource) ListAudit(_ context.Context, limit int) ([]storage.AuditEntry, error) {
	return []storage.AuditEntry{{TimerID: "t0", Outcome: "rescheduled", TookMS: int64(limit)}}, nil
}

func get(t *testing.T, h http.Handler, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, fakeSource{}, logx.Nop())
	h := s.handler(Config{})

	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec := get(t, h, "/timers", "")
	var timers []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &timers); err != nil {
		t.Fatalf("decode timers: %v", err)
	}
	if len(timers) != 1 || timers[0]["id"] != "t1" || timers[0]["lock_owner"] != "node-a" {
		t.Fatalf("timers = %v", timers)
	}
	if _, ok := timers[0]["end_date"]; ok {
		t.Fatal("zero end_date should be omitted")
	}

	rec = get(t, h, "/audit?limit=7", "")
	var audit []storage.AuditEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &audit); err != nil || len(audit) != 1 || audit[0].TookMS != 7 {
		t.Fatalf("audit = %v, %v", audit, err)
	}
	if rec := get(t, h, "/audit?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
	if rec := get(t, h, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof index = %d", rec.Code)
	}
}

func TestHandlerRequiresToken(t *testing.T) {
	t.Parallel()
	s := New(Config{}, fakeSource{}, logx.Nop())
	h := s.handler(Config{Token: "secret"})

	if rec := get(t, h, "/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := get(t, h, "/status", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec := get(t, h, "/status", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer token = %d", rec.Code)
	}
	if rec := get(t, h, "/status?token=secret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
}

func TestServeAndStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, fakeSource{}, logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("listener still registered after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"bogus":          false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestListenKey(t *testing.T) {
	t.Parallel()
	base := Config{Enabled: true, Addr: "127.0.0.1:6060", Prefix: "debug/pprof"}
	tests := []struct {
		name    string
		change  func(c *Config)
		restart bool
	}{
		{"same prefix spelled differently", func(c *Config) { c.Prefix = "/debug/pprof/" }, false},
		{"profile rate only", func(c *Config) { c.BlockProfileRate = 5 }, false},
		{"token", func(c *Config) { c.Token = "x" }, true},
		{"addr", func(c *Config) { c.Addr = "127.0.0.1:7070" }, true},
		{"timeout", func(c *Config) { c.IdleTimeout = time.Second }, true},
	}
	for _, tt := range tests {
		next := base
		tt.change(&next)
		if got := base.listenKey() != next.listenKey(); got != tt.restart {
			t.Fatalf("%s: restart = %v, want %v", tt.name, got, tt.restart)
		}
	}
}

func TestServeRefusesExposedAddr(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, fakeSource{}, logx.Nop())
	if err := s.serve(context.Background()); err != nil {
		t.Fatalf("serve = %v, want nil (no restart)", err)
	}
	if s.Addr() != "" {
		t.Fatal("exposed listener was bound")
	}
}

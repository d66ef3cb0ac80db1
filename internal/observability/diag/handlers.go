package diag

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"timerd/internal/storage"
)

// Source supplies the data behind the diagnostics endpoints.
type Source interface {
	Status() any
	ListTimers(ctx context.Context) ([]storage.TimerInfo, error)
	ListAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

type timerView struct {
	ID                string    `json:"id"`
	HandlerType       string    `json:"handler_type"`
	DueDate           time.Time `json:"due_date"`
	EndDate           time.Time `json:"end_date,omitzero"`
	Repeat            string    `json:"repeat,omitempty"`
	Retries           int       `json:"retries"`
	Exclusive         bool      `json:"exclusive,omitempty"`
	ProcessInstanceID string    `json:"process_instance_id,omitempty"`
	LockOwner         string    `json:"lock_owner,omitempty"`
	LockExpires       time.Time `json:"lock_expires,omitzero"`
	Error             string    `json:"error,omitempty"`
}

func viewTimer(ti storage.TimerInfo) timerView {
	j := ti.Job
	return timerView{
		ID:                j.ID,
		HandlerType:       j.HandlerType,
		DueDate:           j.DueDate,
		EndDate:           j.EndDate,
		Repeat:            j.Repeat,
		Retries:           j.Retries,
		Exclusive:         j.Exclusive,
		ProcessInstanceID: j.ProcessInstanceID,
		LockOwner:         ti.LockOwner,
		LockExpires:       ti.LockExpires,
		Error:             ti.ErrorMessage,
	}
}

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.src.Status())
	}))
	mux.HandleFunc("/timers", wrap(func(w http.ResponseWriter, r *http.Request) {
		list, err := s.src.ListTimers(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		out := make([]timerView, 0, len(list))
		for _, ti := range list {
			out = append(out, viewTimer(ti))
		}
		writeJSON(w, http.StatusOK, out)
	}))
	mux.HandleFunc("/audit", wrap(func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		entries, err := s.src.ListAudit(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}))

	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(v)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
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

// pprofIndexAt serves pprof.Index under a custom prefix; the handler
// assumes requests rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"resticd/internal/storage"
	"resticd/internal/task/queue"
	"resticd/internal/task/scheduler"
	logx "resticd/pkg/logx"
)

// Backend is the daemon state the server exposes.
type Backend interface {
	// Status returns a JSON-serializable view of the daemon.
	Status(ctx context.Context) any
	// Trigger submits an ad-hoc run of the named job and returns its task ID.
	Trigger(name string, p queue.Priority) (string, error)
	// Runs returns up to limit persisted runs, newest first.
	Runs(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
)

// NewHandler builds the routes:
//
//	GET  /healthz
//	GET  /status
//	GET  /runs?limit=N
//	POST /jobs/{name}/run?priority=normal|next|immediate
//	     /debug/pprof/... (when pprof is set)
//
// A non-empty token guards every route.
func NewHandler(b Backend, token string, pprof bool, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{b: b, log: log}
	mux := http.NewServeMux()
	wrap := func(fn http.HandlerFunc) http.HandlerFunc { return withAuth(token, fn) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /status", wrap(h.status))
	mux.HandleFunc("GET /runs", wrap(h.runs))
	mux.HandleFunc("POST /jobs/{name}/run", wrap(h.run))

	if pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

type handler struct {
	b   Backend
	log logx.Logger
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, h.b.Status(ctx))
}

func (h *handler) runs(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	runs, err := h.b.Runs(ctx, limit)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		writeError(w, http.StatusNotFound, "run history storage is disabled")
		return
	case err != nil:
		h.log.Warn("runs query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "runs query failed")
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p := queue.Normal
	if raw := strings.TrimSpace(r.URL.Query().Get("priority")); raw != "" {
		var err error
		if p, err = queue.ParsePriority(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	id, err := h.b.Trigger(name, p)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.log.Warn("manual trigger failed", logx.String("job", name), logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.log.Info("manual trigger", logx.String("job", name), logx.String("task", id), logx.String("priority", p.String()))
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "priority": p.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// Package status exposes the guard state over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kilianp07/powerguard/core/control"
	"github.com/kilianp07/powerguard/core/journal"
	"github.com/kilianp07/powerguard/core/model"
)

// Controller is the part of the control driver the API uses.
type Controller interface {
	Status() model.Status
	Config() model.Config
	ForceRecheck(ctx context.Context) error
	SetProfile(ctx context.Context, profile string) error
}

// Options configures the router.
type Options struct {
	Controller Controller
	Journal    journal.Store
	// Token requires "Authorization: Bearer <token>" when non-empty.
	Token string
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

type handler struct {
	ctl     Controller
	journal journal.Store
}

// NewRouter returns the API router:
//
//	GET  /api/status   current snapshot
//	GET  /api/config   active guard configuration
//	POST /api/recheck  force a re-evaluation
//	PUT  /api/profile  switch profile, body {"profile":"eco"}
//	GET  /api/history  journal entries (start, end, device_id, event, limit)
func NewRouter(opts Options) *mux.Router {
	h := &handler{ctl: opts.Controller, journal: opts.Journal}
	if h.journal == nil {
		h.journal = journal.Nop{}
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	// API routes stay on the root router so a wrong method answers 405.
	auth := bearer(opts.Token)
	api := func(path string, fn http.HandlerFunc, method string) {
		r.Handle("/api"+path, auth(fn)).Methods(method)
	}
	api("/status", h.status, http.MethodGet)
	api("/config", h.config, http.MethodGet)
	api("/recheck", h.recheck, http.MethodPost)
	api("/profile", h.profile, http.MethodPut)
	api("/history", h.history, http.MethodGet)
	return r
}

func bearer(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *handler) config(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Config())
}

func (h *handler) recheck(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.ForceRecheck(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.ctl.Status())
}

type profileRequest struct {
	Profile string `json:"profile"`
}

func (h *handler) profile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Profile == "" {
		writeError(w, http.StatusBadRequest, errors.New("body must be {\"profile\":\"<name>\"}"))
		return
	}
	cfg := h.ctl.Config()
	if len(cfg.Profiles) > 0 {
		if _, ok := cfg.Profiles[req.Profile]; !ok {
			writeError(w, http.StatusBadRequest, errors.New("unknown profile "+req.Profile))
			return
		}
	}
	if err := h.ctl.SetProfile(r.Context(), req.Profile); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	q := journal.Query{DeviceID: v.Get("device_id"), Event: journal.Event(v.Get("event"))}
	for name, dst := range map[string]*time.Time{"start": &q.Start, "end": &q.End} {
		s := v.Get(name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New(name+" must be RFC3339"))
			return
		}
		*dst = t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		q.Limit = n
	}
	entries, err := h.journal.Query(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func statusFor(err error) int {
	if errors.Is(err, control.ErrStopped) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// Package httpapi is the console's local status server: health and readiness,
// metrics, the current dashboard snapshot, a live SSE stream and the alert
// navigation and dismiss actions for kiosk screens.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"lifeshot.org/internal/events"
	"lifeshot.org/internal/monitor"
	"lifeshot.org/internal/obs"
	"lifeshot.org/internal/render"
	"lifeshot.org/internal/stream"
)

// SessionChecker is the part of the session manager readiness depends on.
type SessionChecker interface {
	BearerToken(ctx context.Context) string
	IsExpired(ctx context.Context) bool
}

// ReadyProbe reports ready while a non-expired session is stored.
type ReadyProbe struct {
	Session SessionChecker
}

var (
	errNoSession      = errors.New("no session")
	errSessionExpired = errors.New("session expired")
)

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Session == nil {
		return nil
	}
	if rp.Session.BearerToken(ctx) == "" {
		return errNoSession
	}
	if rp.Session.IsExpired(ctx) {
		return errSessionExpired
	}
	return nil
}

// Monitor is the synchronizer surface the server drives.
type Monitor interface {
	Snapshot() monitor.Snapshot
	NavigateAlert(dir events.Direction) (int, bool)
	Dismiss(ctx context.Context, eventID string) (events.CloseResult, error)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	monitor    Monitor
	stream     *stream.Stream[render.Update]
	now        func() time.Time

	rateBurst  int
	ratePerSec int
	maxBody    int64
}

func New(rp ReadyProbe, version string, m Monitor, s *stream.Stream[render.Update]) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		monitor:    m,
		stream:     s,
		now:        time.Now,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 16,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// dashboard
	a.mux.HandleFunc("/v1/snapshot", a.handleSnapshot)
	a.mux.HandleFunc("/v1/stream", a.Stream)
	a.mux.HandleFunc("/v1/alerts/", a.handleAlertNav)
	a.mux.HandleFunc("/v1/events/", a.handleEventResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "lifeguard",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "lifeguard",
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.monitor != nil {
		snap := a.monitor.Snapshot()
		info["view"] = snap.View
		info["instance"] = snap.Instance
	}
	if a.stream != nil {
		info["subscribers"] = a.stream.Subscribers()
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

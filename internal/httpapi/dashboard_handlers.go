package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"lifeshot.org/internal/apierr"
	"lifeshot.org/internal/audit"
	"lifeshot.org/internal/events"
)

type navResponse struct {
	Index   int  `json:"index"`
	Moved   bool `json:"moved"`
	Total   int  `json:"total"`
	Current any  `json:"current"`
}

type dismissRequest struct {
	Note string `json:"note"`
}

type dismissResponse struct {
	EventID         string  `json:"eventId"`
	Message         string  `json:"message"`
	AlreadyClosed   bool    `json:"already_closed"`
	ClosedAt        string  `json:"closedAt,omitempty"`
	ResponseSeconds float64 `json:"responseSeconds"`
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.monitor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "monitor not running")
		return
	}
	writeJSON(w, http.StatusOK, a.monitor.Snapshot())
}

func (a *API) handleAlertNav(w http.ResponseWriter, r *http.Request) {
	var dir events.Direction
	switch strings.TrimPrefix(r.URL.Path, "/v1/alerts/") {
	case "next":
		dir = events.Next
	case "prev", "previous":
		dir = events.Previous
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.monitor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "monitor not running")
		return
	}
	idx, moved := a.monitor.NavigateAlert(dir)
	snap := a.monitor.Snapshot()
	resp := navResponse{Index: idx, Moved: moved, Total: len(snap.Alerts)}
	if snap.Current != nil {
		resp.Current = snap.Current
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleEventResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/events/")
	if !strings.HasSuffix(path, "/dismiss") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	// ServeMux has already cleaned the path, so id is never empty here.
	id := strings.TrimSuffix(path, "/dismiss")
	if strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "event not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.monitor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "monitor not running")
		return
	}
	a.dismiss(w, r, id)
}

func (a *API) dismiss(w http.ResponseWriter, r *http.Request, id string) {
	var req dismissRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))
	_ = audit.LogEvent(ctx, "event.dismiss_requested", map[string]any{
		"event_id":  id,
		"note":      strings.TrimSpace(req.Note),
		"remote_ip": clientIP(r),
	})
	res, err := a.monitor.Dismiss(ctx, id)
	if err != nil {
		handleUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dismissResponse{
		EventID:         res.EventID,
		Message:         res.Message,
		AlreadyClosed:   res.AlreadyClosed(),
		ClosedAt:        res.ClosedAt,
		ResponseSeconds: res.ResponseSeconds,
	})
}

func handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var se *apierr.ServerError
	switch {
	case errors.Is(err, events.ErrEventIDRequired):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, apierr.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "session rejected by the events API")
	case errors.As(err, &se) && se.Status == http.StatusNotFound:
		writeError(w, r, http.StatusNotFound, se.Message)
	case errors.As(err, &se):
		writeError(w, r, http.StatusBadGateway, se.Message)
	case errors.Is(err, apierr.ErrNetwork):
		writeError(w, r, http.StatusBadGateway, "events API unreachable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

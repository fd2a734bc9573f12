package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lifeshot.org/internal/apierr"
	"lifeshot.org/internal/events"
	"lifeshot.org/internal/monitor"
	"lifeshot.org/internal/obs"
	"lifeshot.org/internal/render"
	"lifeshot.org/internal/stream"
)

type fakeSession struct {
	token   string
	expired bool
}

func (f fakeSession) BearerToken(context.Context) string { return f.token }
func (f fakeSession) IsExpired(context.Context) bool     { return f.expired }

type fakeMonitor struct {
	mu        sync.Mutex
	snap      monitor.Snapshot
	navDirs   []events.Direction
	dismissed []string
	result    events.CloseResult
	err       error
}

func (f *fakeMonitor) Snapshot() monitor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeMonitor) NavigateAlert(dir events.Direction) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navDirs = append(f.navDirs, dir)
	n := len(f.snap.Alerts)
	if n < 2 {
		return f.snap.Index, false
	}
	f.snap.Index = events.Step(f.snap.Index, n, dir)
	return f.snap.Index, true
}

func (f *fakeMonitor) Dismiss(_ context.Context, id string) (events.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, id)
	if f.err != nil {
		return events.CloseResult{}, f.err
	}
	res := f.result
	res.EventID = id
	return res, nil
}

func silence(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	orig := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(orig) })
	return &buf
}

func alertSnapshot() monitor.Snapshot {
	alerts := []events.Event{
		{ID: "e2", Status: events.StatusOpen, CreatedAt: "2024-06-01T10:05:00Z", WarningImageURL: "https://img/2"},
		{ID: "e1", Status: events.StatusOpen, CreatedAt: "2024-06-01T10:00:00Z", WarningImageURL: "https://img/1"},
	}
	return monitor.Snapshot{
		Instance: "test",
		View:     monitor.ViewLifeguard,
		State:    monitor.AlertActive,
		Events:   alerts,
		Alerts:   alerts,
		Current:  &monitor.Display{EventID: "e2", Position: 1, Of: 2},
	}
}

func newTestAPI(t *testing.T, m Monitor, s *stream.Stream[render.Update]) http.Handler {
	t.Helper()
	silence(t)
	obs.Init()
	return New(ReadyProbe{Session: fakeSession{token: "tok"}}, "test", m, s).Handler()
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealthzAndReady(t *testing.T) {
	silence(t)
	cases := []struct {
		name    string
		session SessionChecker
		code    int
		errText string
	}{
		{"ready", fakeSession{token: "tok"}, http.StatusOK, ""},
		{"no session", fakeSession{}, http.StatusServiceUnavailable, "no session"},
		{"expired", fakeSession{token: "tok", expired: true}, http.StatusServiceUnavailable, "session expired"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(ReadyProbe{Session: tc.session}, "v1", nil, nil).Handler()

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rr.Code != http.StatusOK {
				t.Fatalf("healthz status = %d", rr.Code)
			}

			rr = httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tc.code {
				t.Fatalf("readyz status = %d, want %d", rr.Code, tc.code)
			}
			if tc.errText != "" {
				if body := decodeBody(t, rr); body["error"] != tc.errText {
					t.Fatalf("readyz error = %v", body["error"])
				}
			}
		})
	}
}

func TestSnapshotReturnsMonitorState(t *testing.T) {
	m := &fakeMonitor{snap: alertSnapshot()}
	h := newTestAPI(t, m, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/snapshot", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["state"] != "alert_active" {
		t.Fatalf("state = %v", body["state"])
	}
	if alerts, _ := body["alerts"].([]any); len(alerts) != 2 {
		t.Fatalf("alerts = %v", body["alerts"])
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/snapshot", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodGet {
		t.Fatalf("Allow = %q", rr.Header().Get("Allow"))
	}
}

func TestAlertNavigation(t *testing.T) {
	m := &fakeMonitor{snap: alertSnapshot()}
	h := newTestAPI(t, m, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/alerts/next", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("next status = %d", rr.Code)
	}
	var resp navResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Index != 1 || !resp.Moved || resp.Total != 2 {
		t.Fatalf("unexpected nav response: %+v", resp)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/alerts/prev", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("prev status = %d", rr.Code)
	}
	if len(m.navDirs) != 2 || m.navDirs[0] != events.Next || m.navDirs[1] != events.Previous {
		t.Fatalf("directions = %v", m.navDirs)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/alerts/sideways", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown direction status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/alerts/next", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET nav status = %d", rr.Code)
	}
}

func TestDismissEvent(t *testing.T) {
	m := &fakeMonitor{snap: alertSnapshot(), result: events.CloseResult{Message: "Already closed", ResponseSeconds: 42}}
	h := newTestAPI(t, m, nil)
	logs := silence(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/e2/dismiss", strings.NewReader(`{"note":" swimmer ok "}`))
	req.Header.Set("X-Request-Id", "rid-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp dismissResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EventID != "e2" || !resp.AlreadyClosed || resp.ResponseSeconds != 42 {
		t.Fatalf("unexpected dismiss response: %+v", resp)
	}
	if len(m.dismissed) != 1 || m.dismissed[0] != "e2" {
		t.Fatalf("dismissed = %v", m.dismissed)
	}
	if !strings.Contains(logs.String(), `"note":"swimmer ok"`) || !strings.Contains(logs.String(), `"request_id":"rid-1"`) {
		t.Fatalf("expected audit line with note and request id, got %s", logs.String())
	}

	// empty body is fine
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/events/e1/dismiss", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("empty body status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/events/e1/dismiss", strings.NewReader(`{"bogus":1}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/events/a/b/dismiss", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("nested id status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/events/dismiss", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("bare dismiss status = %d", rr.Code)
	}

	// an empty id is cleaned away by the mux before reaching the handler
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/events//dismiss", nil))
	if rr.Code != http.StatusMovedPermanently {
		t.Fatalf("empty id status = %d", rr.Code)
	}
	if len(m.dismissed) != 2 {
		t.Fatalf("malformed paths reached Dismiss: %v", m.dismissed)
	}
}

func TestDismissErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"missing id", events.ErrEventIDRequired, http.StatusBadRequest},
		{"unauthorized", apierr.ErrUnauthorized, http.StatusUnauthorized},
		{"not found", &apierr.ServerError{Status: 404, Message: "Event not found"}, http.StatusNotFound},
		{"upstream failure", &apierr.ServerError{Status: 500, Message: "boom"}, http.StatusBadGateway},
		{"network", apierr.Network("close", errors.New("dial tcp: refused")), http.StatusBadGateway},
		{"other", errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &fakeMonitor{snap: alertSnapshot(), err: tc.err}
			h := newTestAPI(t, m, nil)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/events/e2/dismiss", nil))
			if rr.Code != tc.code {
				t.Fatalf("status = %d, want %d", rr.Code, tc.code)
			}
			body := decodeBody(t, rr)
			if body["error"] == "" || body["request_id"] == "" {
				t.Fatalf("expected error and request_id, got %v", body)
			}
		})
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	h := newTestAPI(t, &fakeMonitor{}, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
}

func TestStreamDeliversUpdates(t *testing.T) {
	s := stream.New[render.Update](4)
	s.Publish(render.Update{Kind: render.KindSnapshot, Snapshot: alertSnapshot()})

	srv := httptest.NewServer(newTestAPI(t, &fakeMonitor{}, s))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				t.Fatalf("read: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
			if err == io.EOF {
				t.Fatal("stream closed early")
			}
		}
	}

	name, data := readEvent()
	if name != render.KindSnapshot {
		t.Fatalf("first event = %q", name)
	}
	if !strings.Contains(data, `"state":"alert_active"`) {
		t.Fatalf("unexpected payload %s", data)
	}

	s.Broadcast(render.Update{Kind: render.KindAlert, Snapshot: alertSnapshot()})
	if name, _ := readEvent(); name != render.KindAlert {
		t.Fatalf("second event = %q", name)
	}
}

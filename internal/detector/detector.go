// Package detector triggers a run of the external drowning-detection function.
// A run is fire-and-report: one request, one summary back.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"lifeshot.org/internal/apierr"
	"lifeshot.org/internal/audit"
	"lifeshot.org/internal/ids"
	"lifeshot.org/internal/obs"
)

var (
	ErrInFlight    = errors.New("detector: a run is already in progress")
	ErrAborted     = errors.New("detector: run aborted")
	ErrRateLimited = errors.New("detector: too many runs, try again later")
	ErrNoURL       = errors.New("detector: url is not configured")
)

// Run statuses reported by the detector.
const (
	StatusNoFrames = "NO_FRAMES"
	StatusCreated  = "DROWNINGSET_AND_EVENTS_CREATED"
)

// Request selects the frames to analyse. Zero fields are left to the detector's
// defaults.
type Request struct {
	Scene             int    `json:"scene,omitempty"`
	Prefix            string `json:"prefix,omitempty"`
	DrowningSetPrefix string `json:"drowningset_prefix,omitempty"`
	MaxFrames         int    `json:"max_frames,omitempty"`
	Bucket            string `json:"bucket,omitempty"`
	SinglePrefixOnly  bool   `json:"single_prefix_only,omitempty"`
}

// Result is the detector's run summary.
type Result struct {
	Status            string            `json:"status"`
	Bucket            string            `json:"bucket"`
	Prefix            string            `json:"prefix,omitempty"`
	FramesPrefix      string            `json:"frames_prefix,omitempty"`
	DrowningSetPrefix string            `json:"drowningset_prefix,omitempty"`
	TotalFrames       int               `json:"total_frames"`
	OutputsCount      int               `json:"outputs_count"`
	AlertsCount       int               `json:"alerts_count"`
	Hint              string            `json:"hint,omitempty"`
	Alerts            []json.RawMessage `json:"alerts,omitempty"`
}

// NoFrames reports whether the detector found nothing to analyse.
func (r Result) NoFrames() bool { return r.Status == StatusNoFrames }

// Trigger calls the detector. At most one run is in flight per Trigger and the
// run can be aborted by the user.
type Trigger struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	bearer  func(ctx context.Context) string

	inFlight atomic.Bool
	mu       sync.Mutex
	cancel   context.CancelFunc
	aborted  bool
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Trigger) {
		if c != nil {
			t.client = c
		}
	}
}

// WithRate paces runs: perSecond sustained with burst extra. perSecond <= 0
// disables pacing.
func WithRate(perSecond float64, burst int) Option {
	return func(t *Trigger) {
		if perSecond <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTimeout bounds a single run.
func WithTimeout(d time.Duration) Option {
	return func(t *Trigger) { t.timeout = d }
}

// WithBearer sends Authorization: Bearer <token> when fn returns a token.
func WithBearer(fn func(ctx context.Context) string) Option {
	return func(t *Trigger) { t.bearer = fn }
}

// New returns a Trigger for the detector at url.
func New(url string, opts ...Option) *Trigger {
	t := &Trigger{
		url:    strings.TrimSpace(url),
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Busy reports whether a run is in flight.
func (t *Trigger) Busy() bool { return t.inFlight.Load() }

// Abort cancels the run in flight. It returns false when nothing was running.
func (t *Trigger) Abort() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return false
	}
	t.aborted = true
	t.cancel()
	return true
}

// Run sends one detector request and waits for the summary. Abort, or canceling
// ctx, ends the run with ErrAborted.
func (t *Trigger) Run(ctx context.Context, req Request) (Result, error) {
	if t.url == "" {
		return Result{}, ErrNoURL
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		obs.DetectorTriggers.WithLabelValues("busy").Inc()
		return Result{}, ErrInFlight
	}
	defer t.inFlight.Store(false)
	if t.limiter != nil && !t.limiter.Allow() {
		obs.DetectorTriggers.WithLabelValues("rate_limited").Inc()
		return Result{}, ErrRateLimited
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	t.mu.Lock()
	t.cancel, t.aborted = cancel, false
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	res, err := t.do(runCtx, req)
	result := "ok"
	switch {
	case err != nil && (t.wasAborted() || errors.Is(ctx.Err(), context.Canceled)):
		result, err = "aborted", ErrAborted
	case err != nil:
		result = "error"
	case res.NoFrames():
		result = "no_frames"
	}
	obs.DetectorTriggers.WithLabelValues(result).Inc()

	fields := map[string]any{
		"prefix":      req.Prefix,
		"max_frames":  req.MaxFrames,
		"result":      result,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err == nil {
		fields["status"] = res.Status
		fields["alerts_count"] = res.AlertsCount
	}
	_ = audit.LogEvent(ctx, "detector.trigger", fields)
	return res, err
}

func (t *Trigger) wasAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *Trigger) do(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("detector: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", ids.New())
	if t.bearer != nil {
		if tok := t.bearer(ctx); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		obs.APIRequestsTotal.WithLabelValues(http.MethodPost, "detector", "error").Inc()
		return Result{}, apierr.Network("detector", err)
	}
	defer resp.Body.Close()
	obs.APIRequestsTotal.WithLabelValues(http.MethodPost, "detector", strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode/100 != 2 {
		return Result{}, apierr.FromResponse(resp)
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("detector: decode response: %w", err)
	}
	return res, nil
}

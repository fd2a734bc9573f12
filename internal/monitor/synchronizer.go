// Package monitor keeps a dashboard's event view in step with the events API:
// periodic single-flight polling, alert classification, the one-shot alert cue
// and the dismiss/delete actions.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lifeshot.org/internal/audit"
	"lifeshot.org/internal/events"
	"lifeshot.org/internal/obs"
)

const (
	defaultInterval  = 5 * time.Second
	defaultStatsDays = 7
)

// Source is the events API as seen by the synchronizer. *events.Client
// implements it.
type Source interface {
	List(ctx context.Context) ([]events.Event, error)
	Close(ctx context.Context, eventID string) (events.CloseResult, error)
	Delete(ctx context.Context, eventID string) error
}

// Renderer draws snapshots. Render must not block for long; PlayAlert failures
// are logged and ignored.
type Renderer interface {
	Render(Snapshot)
	PlayAlert(ctx context.Context) error
}

// Confirmer asks the user to confirm a destructive action.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }

// Synchronizer is one dashboard instance. Its in-flight guard and alert latch are
// not shared with other instances.
type Synchronizer struct {
	id        string
	view      View
	src       Source
	render    Renderer
	interval  time.Duration
	sound     bool
	confirm   Confirmer
	now       func() time.Time
	statsDays int
	buster    *events.Buster

	inFlight atomic.Bool
	rerun    atomic.Bool
	visible  atomic.Bool
	stopped  atomic.Bool

	mu       sync.Mutex
	state    State
	classes  events.View
	index    int
	latch    bool
	polledAt time.Time
	lastErr  string

	runMu   sync.Mutex
	loopCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSound enables or disables the audible cue.
func WithSound(on bool) Option {
	return func(s *Synchronizer) { s.sound = on }
}

// WithConfirmer installs the delete confirmation prompt.
func WithConfirmer(c Confirmer) Option {
	return func(s *Synchronizer) { s.confirm = c }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Synchronizer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithStatsDays sets how many days the chart aggregation covers.
func WithStatsDays(n int) Option {
	return func(s *Synchronizer) {
		if n >= 0 {
			s.statsDays = n
		}
	}
}

// New creates a visible, stopped synchronizer in the Quiescent state.
func New(view View, src Source, r Renderer, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		id:        uuid.NewString(),
		view:      view,
		src:       src,
		render:    r,
		interval:  defaultInterval,
		sound:     true,
		now:       time.Now,
		statsDays: defaultStatsDays,
		state:     Quiescent,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buster = events.NewBuster(s.now)
	s.visible.Store(true)
	return s
}

// ID returns the instance identifier used in logs.
func (s *Synchronizer) ID() string { return s.id }

// View returns the dashboard this instance drives.
func (s *Synchronizer) View() View { return s.view }

// Interval returns the polling interval.
func (s *Synchronizer) Interval() time.Duration { return s.interval }

// State returns the current state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetVisible shows or hides the view. While hidden every tick is a no-op. Becoming
// visible again polls right away when the loop is running.
func (s *Synchronizer) SetVisible(visible bool) {
	was := s.visible.Swap(visible)
	if was == visible {
		return
	}
	s.mu.Lock()
	if !visible {
		s.state = Idle
	} else if s.state == Idle {
		s.state = s.settledLocked()
	}
	s.mu.Unlock()
	s.runMu.Lock()
	ctx := s.loopCtx
	s.runMu.Unlock()
	if visible && ctx != nil {
		go s.Poll(ctx)
	}
}

// Poll fetches the event list once and re-renders the view from it. It never
// returns an error: failures are logged and the next tick tries again. A call
// made while another poll is in flight returns at once without touching state.
func (s *Synchronizer) Poll(ctx context.Context) {
	s.poll(ctx, false)
}

// refresh polls after a mutation. If a poll is already in flight its result may
// predate the mutation, so it is asked to run once more when it finishes. After
// Stop it does nothing: the session may already be gone.
func (s *Synchronizer) refresh(ctx context.Context) {
	if s.stopped.Load() {
		obs.PollsTotal.WithLabelValues(string(s.view), obs.PollSkipped).Inc()
		return
	}
	s.poll(ctx, true)
}

func (s *Synchronizer) poll(ctx context.Context, mustReflect bool) {
	view := string(s.view)
	if !s.visible.Load() {
		obs.PollsTotal.WithLabelValues(view, obs.PollHidden).Inc()
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		if mustReflect {
			s.rerun.Store(true)
		}
		obs.PollsTotal.WithLabelValues(view, obs.PollSkipped).Inc()
		return
	}

	for {
		s.fetchAndRender(ctx)
		if s.rerun.Swap(false) && ctx.Err() == nil && s.visible.Load() {
			continue
		}
		s.inFlight.Store(false)
		// a rerun requested between the check above and the release
		if !s.rerun.Load() || ctx.Err() != nil || !s.inFlight.CompareAndSwap(false, true) {
			return
		}
		s.rerun.Store(false)
	}
}

func (s *Synchronizer) fetchAndRender(ctx context.Context) {
	view := string(s.view)

	s.mu.Lock()
	prev := s.state
	s.state = Polling
	s.mu.Unlock()

	start := time.Now()
	list, err := s.src.List(ctx)
	obs.PollDuration.WithLabelValues(view).Observe(time.Since(start).Seconds())
	if err != nil {
		s.mu.Lock()
		if s.state == Polling {
			s.state = prev
		}
		s.lastErr = err.Error()
		s.mu.Unlock()
		obs.PollsTotal.WithLabelValues(view, obs.PollError).Inc()
		if !errors.Is(err, context.Canceled) {
			obs.Warn("poll_failed", map[string]any{
				"instance": s.id,
				"view":     view,
				"error":    err,
			})
		}
		return
	}

	classes := events.Classify(list)

	s.mu.Lock()
	if !s.visible.Load() {
		// hidden while the request was in flight
		s.state = Idle
		s.mu.Unlock()
		obs.PollsTotal.WithLabelValues(view, obs.PollHidden).Inc()
		return
	}
	s.classes = classes
	s.index = events.Clamp(s.index, len(classes.Alerts))
	s.polledAt = s.now()
	s.lastErr = ""
	s.state = s.settledLocked()
	cue := s.state == AlertActive && !s.latch
	s.latch = s.state == AlertActive
	snap := s.snapshotLocked()
	s.mu.Unlock()

	obs.PollsTotal.WithLabelValues(view, obs.PollOK).Inc()
	obs.ActiveAlerts.WithLabelValues(view).Set(float64(len(snap.Alerts)))

	s.render.Render(snap)
	if cue {
		obs.AlertCues.WithLabelValues(view).Inc()
		if s.sound {
			if err := s.render.PlayAlert(ctx); err != nil {
				obs.Warn("alert_cue_failed", map[string]any{"instance": s.id, "error": err})
			}
		}
	}
}

func (s *Synchronizer) settledLocked() State {
	if len(s.classes.Alerts) > 0 {
		return AlertActive
	}
	return Quiescent
}

// Snapshot returns the current view state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	snap := Snapshot{
		Instance:  s.id,
		View:      s.view,
		State:     s.state,
		Events:    s.classes.All,
		Alerts:    s.classes.Alerts,
		Index:     s.index,
		Stats:     events.Aggregate(s.classes.All, s.now(), s.statsDays),
		PolledAt:  s.polledAt,
		LastError: s.lastErr,
	}
	if n := len(s.classes.Alerts); n > 0 {
		cur := s.classes.Alerts[s.index]
		snap.Current = &Display{
			EventID:         cur.ID,
			CreatedAt:       cur.CreatedAt,
			PrevImageURL:    s.buster.URL(cur.PrevImageURL),
			WarningImageURL: s.buster.URL(cur.WarningImageURL),
			Position:        s.index + 1,
			Of:              n,
		}
	}
	return snap
}

// NavigateAlert moves the displayed alert with wraparound and re-renders. With no
// active alerts it does nothing and returns false.
func (s *Synchronizer) NavigateAlert(dir events.Direction) (int, bool) {
	s.mu.Lock()
	n := len(s.classes.Alerts)
	if n == 0 {
		s.mu.Unlock()
		return 0, false
	}
	s.index = events.Step(s.index, n, dir)
	idx := s.index
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.render.Render(snap)
	return idx, true
}

// CurrentAlert returns the event id shown in the overlay.
func (s *Synchronizer) CurrentAlert() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.classes.Alerts) == 0 {
		return "", false
	}
	return s.classes.Alerts[s.index].ID, true
}

// Dismiss closes the event on the API and re-polls. Local state is only changed by
// that poll. API errors are returned for the caller to surface.
func (s *Synchronizer) Dismiss(ctx context.Context, eventID string) (events.CloseResult, error) {
	eventID = strings.TrimSpace(eventID)
	res, err := s.src.Close(ctx, eventID)
	if err != nil {
		return events.CloseResult{}, fmt.Errorf("dismiss %s: %w", eventID, err)
	}
	_ = audit.LogEvent(audit.WithView(ctx, string(s.view)), "event.dismiss", map[string]any{
		"event_id":       eventID,
		"already_closed": res.AlreadyClosed(),
	})
	s.refresh(ctx)
	return res, nil
}

// DismissCurrent dismisses the alert shown in the overlay.
func (s *Synchronizer) DismissCurrent(ctx context.Context) (events.CloseResult, error) {
	id, ok := s.CurrentAlert()
	if !ok {
		return events.CloseResult{}, ErrNoAlert
	}
	return s.Dismiss(ctx, id)
}

// Delete removes an event after confirmation and re-polls. It is refused on the
// lifeguard view; the API still decides who may delete.
func (s *Synchronizer) Delete(ctx context.Context, eventID string) error {
	if s.view != ViewManager {
		return ErrForbiddenAction
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return events.ErrEventIDRequired
	}
	if s.confirm == nil || !s.confirm.Confirm(ctx, fmt.Sprintf("Delete event %s? This cannot be undone.", eventID)) {
		return ErrNotConfirmed
	}
	if err := s.src.Delete(ctx, eventID); err != nil {
		return fmt.Errorf("delete %s: %w", eventID, err)
	}
	_ = audit.LogEvent(audit.WithView(ctx, string(s.view)), "event.delete", map[string]any{"event_id": eventID})
	s.refresh(ctx)
	return nil
}

// Start runs the poll loop: one poll immediately, then one per interval, until ctx
// ends or Stop is called. Calling Start on a running synchronizer does nothing.
func (s *Synchronizer) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.loopCtx, s.cancel, s.done = ctx, cancel, done
	s.stopped.Store(false)

	go func() {
		defer close(done)
		defer func() {
			cancel()
			s.runMu.Lock()
			if s.done == done {
				s.loopCtx, s.cancel = nil, nil
			}
			s.runMu.Unlock()
		}()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.Poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Poll(ctx)
			}
		}
	}()
	obs.Info("monitor_started", map[string]any{"instance": s.id, "view": string(s.view), "interval": s.interval.String()})
}

// Stop cancels the poll loop and any poll it has in flight, and turns off the
// re-poll that follows Dismiss and Delete until the next Start. It does not wait
// and is safe to call when already stopped.
func (s *Synchronizer) Stop() {
	s.runMu.Lock()
	s.stopped.Store(true)
	cancel := s.cancel
	s.loopCtx, s.cancel = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	obs.Info("monitor_stopped", map[string]any{"instance": s.id, "view": string(s.view)})
}

// Running reports whether the poll loop is active.
func (s *Synchronizer) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

// Done is closed when the most recently started loop has exited. It is nil before
// the first Start.
func (s *Synchronizer) Done() <-chan struct{} {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.done
}

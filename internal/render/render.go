// Package render holds the output adapters for monitor snapshots: a console
// renderer for terminals and a stream renderer feeding SSE subscribers.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"lifeshot.org/internal/events"
	"lifeshot.org/internal/monitor"
	"lifeshot.org/internal/stream"
)

const bell = "\a"

// ConsoleRenderer redraws the whole view on every snapshot.
type ConsoleRenderer struct {
	mu    sync.Mutex
	w     io.Writer
	clear bool
	limit int
}

// ConsoleOption configures a ConsoleRenderer.
type ConsoleOption func(*ConsoleRenderer)

// WithClearScreen clears the terminal before each frame.
func WithClearScreen() ConsoleOption {
	return func(c *ConsoleRenderer) { c.clear = true }
}

// WithEventLimit caps the number of rows in the manager event table.
func WithEventLimit(n int) ConsoleOption {
	return func(c *ConsoleRenderer) {
		if n > 0 {
			c.limit = n
		}
	}
}

func NewConsole(w io.Writer, opts ...ConsoleOption) *ConsoleRenderer {
	c := &ConsoleRenderer{w: w, limit: 20}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Render writes one frame.
func (c *ConsoleRenderer) Render(s monitor.Snapshot) {
	var b strings.Builder
	if c.clear {
		b.WriteString("\033[H\033[2J")
	}
	fmt.Fprintf(&b, "[%s] %s view  state=%s  alerts=%d  events=%d\n",
		stamp(s.PolledAt), s.View, s.State, len(s.Alerts), len(s.Events))

	if s.Overlay() && s.Current != nil {
		fmt.Fprintf(&b, "!! ALERT %d/%d  %s  created %s\n", s.Current.Position, s.Current.Of, s.Current.EventID, s.Current.CreatedAt)
		if s.Current.PrevImageURL != "" {
			fmt.Fprintf(&b, "   before: %s\n", s.Current.PrevImageURL)
		}
		fmt.Fprintf(&b, "   after:  %s\n", s.Current.WarningImageURL)
		b.WriteString("   [n] next  [p] previous  [d] dismiss\n")
	} else {
		b.WriteString("no active alerts\n")
	}

	if s.View == monitor.ViewManager {
		st := s.Stats
		fmt.Fprintf(&b, "total=%d open=%d closed=%d avg_response=%.1fs max_response=%.1fs\n",
			st.Total, st.Open, st.Closed, st.AvgResponseSeconds, st.MaxResponseSeconds)
		for _, d := range st.Daily {
			fmt.Fprintf(&b, "  %s %s %d\n", d.Day, strings.Repeat("#", min(d.Count, 40)), d.Count)
		}
		list := s.Events
		if len(list) > c.limit {
			list = list[:c.limit]
		}
		_ = WriteEventTable(&b, list)
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, "last poll failed: %s\n", s.LastError)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.w, b.String())
}

// PlayAlert rings the terminal bell.
func (c *ConsoleRenderer) PlayAlert(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.w, bell)
	return err
}

// WriteEventTable prints events as an aligned table.
func WriteEventTable(w io.Writer, list []events.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tSTATUS\tCREATED\tRESPONSE\tALERT")
	for _, ev := range list {
		resp := "-"
		if d, ok := ev.ResponseLatency(); ok {
			resp = d.Round(time.Second).String()
		}
		flag := ""
		if ev.IsAlert() {
			flag = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.ID, ev.Status, ev.CreatedAt, resp, flag)
	}
	return tw.Flush()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05")
}

// Update kinds carried on the stream.
const (
	KindSnapshot = "snapshot"
	KindAlert    = "alert"
)

// Update is one message for live subscribers.
type Update struct {
	Kind     string           `json:"kind"`
	Snapshot monitor.Snapshot `json:"snapshot"`
}

// StreamRenderer publishes snapshots to a stream. The cue is broadcast as an
// "alert" update so live subscribers play it; it is not replayed to late joiners.
type StreamRenderer struct {
	s *stream.Stream[Update]

	mu   sync.Mutex
	last monitor.Snapshot
}

func NewStream(s *stream.Stream[Update]) *StreamRenderer {
	return &StreamRenderer{s: s}
}

func (r *StreamRenderer) Render(snap monitor.Snapshot) {
	r.mu.Lock()
	r.last = snap
	r.mu.Unlock()
	r.s.Publish(Update{Kind: KindSnapshot, Snapshot: snap})
}

func (r *StreamRenderer) PlayAlert(context.Context) error {
	r.mu.Lock()
	snap := r.last
	r.mu.Unlock()
	r.s.Broadcast(Update{Kind: KindAlert, Snapshot: snap})
	return nil
}

// Multi renders to every renderer in order.
type Multi []monitor.Renderer

func (m Multi) Render(s monitor.Snapshot) {
	for _, r := range m {
		r.Render(s)
	}
}

func (m Multi) PlayAlert(ctx context.Context) error {
	var errs []error
	for _, r := range m {
		if err := r.PlayAlert(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

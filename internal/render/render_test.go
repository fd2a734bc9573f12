package render

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lifeshot.org/internal/events"
	"lifeshot.org/internal/monitor"
	"lifeshot.org/internal/stream"
)

func sampleSnapshot(view monitor.View) monitor.Snapshot {
	secs := 42.0
	all := []events.Event{
		{ID: "EVT-2", Status: events.StatusOpen, CreatedAt: "2025-06-01T12:00:00Z", WarningImageURL: "https://x/w.png"},
		{ID: "EVT-1", Status: events.StatusClosed, CreatedAt: "2025-06-01T11:00:00Z", ResponseSeconds: &secs},
	}
	return monitor.Snapshot{
		View:   view,
		State:  monitor.AlertActive,
		Events: all,
		Alerts: all[:1],
		Current: &monitor.Display{
			EventID:         "EVT-2",
			CreatedAt:       "2025-06-01T12:00:00Z",
			WarningImageURL: "https://x/w.png?cb=1",
			Position:        1,
			Of:              1,
		},
		Stats:    events.Stats{Total: 2, Open: 1, Closed: 1, Daily: []events.DayCount{{Day: "2025-06-01", Count: 2}}},
		PolledAt: time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC),
	}
}

func TestConsoleRendersAlertOverlay(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Render(sampleSnapshot(monitor.ViewLifeguard))

	out := buf.String()
	for _, want := range []string{"state=alert_active", "ALERT 1/1", "EVT-2", "after:  https://x/w.png?cb=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "EVENT") {
		t.Fatalf("lifeguard view must not print the event table:\n%s", out)
	}
}

func TestConsoleManagerViewPrintsTableAndStats(t *testing.T) {
	var buf bytes.Buffer
	NewConsole(&buf).Render(sampleSnapshot(monitor.ViewManager))

	out := buf.String()
	for _, want := range []string{"total=2 open=1 closed=1", "2025-06-01 ## 2", "EVENT", "EVT-1", "42s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsolePlayAlertRingsBell(t *testing.T) {
	var buf bytes.Buffer
	if err := NewConsole(&buf).PlayAlert(context.Background()); err != nil {
		t.Fatalf("PlayAlert: %v", err)
	}
	if buf.String() != "\a" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestStreamRendererPublishes(t *testing.T) {
	hub := stream.New[Update](4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, ch := hub.Subscribe(ctx)

	r := NewStream(hub)
	r.Render(sampleSnapshot(monitor.ViewLifeguard))
	_ = r.PlayAlert(ctx)

	first, second := <-ch, <-ch
	if first.Kind != KindSnapshot || second.Kind != KindAlert {
		t.Fatalf("kinds = %s, %s", first.Kind, second.Kind)
	}
	if second.Snapshot.Current == nil || second.Snapshot.Current.EventID != "EVT-2" {
		t.Fatalf("alert update lacks the current alert")
	}
	if last, _ := hub.Last(); last.Kind != KindSnapshot {
		t.Fatalf("alert must not be replayed to new subscribers")
	}
}

type failingRenderer struct{ renders int }

func (f *failingRenderer) Render(monitor.Snapshot)         { f.renders++ }
func (f *failingRenderer) PlayAlert(context.Context) error { return errors.New("no audio device") }

func TestMultiJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	bad := &failingRenderer{}
	m := Multi{NewConsole(&buf), bad}
	m.Render(sampleSnapshot(monitor.ViewLifeguard))
	if bad.renders != 1 || buf.Len() == 0 {
		t.Fatalf("render not fanned out")
	}
	if err := m.PlayAlert(context.Background()); err == nil || !strings.Contains(err.Error(), "no audio device") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !strings.Contains(buf.String(), "\a") {
		t.Fatalf("console bell not rung despite other renderer failing")
	}
}

package monitor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lifeshot.org/internal/events"
)

var (
	ErrForbiddenAction = errors.New("monitor: action not allowed on this view")
	ErrNotConfirmed    = errors.New("monitor: action not confirmed")
	ErrNoAlert         = errors.New("monitor: no active alert")
)

// View identifies the dashboard a synchronizer drives.
type View string

const (
	ViewManager   View = "manager"
	ViewLifeguard View = "lifeguard"
)

// ParseView accepts "manager"/"admin" and "lifeguard"/"guard".
func ParseView(raw string) (View, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "manager", "admin":
		return ViewManager, nil
	case "lifeguard", "guard":
		return ViewLifeguard, nil
	}
	return "", fmt.Errorf("monitor: unknown view %q", raw)
}

// State is the synchronizer state.
type State int

const (
	// Idle: the view is hidden; ticks issue no requests.
	Idle State = iota
	// Polling: a fetch is in flight.
	Polling
	// AlertActive: at least one alert-worthy event is listed.
	AlertActive
	// Quiescent: no alert-worthy events.
	Quiescent
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case AlertActive:
		return "alert_active"
	case Quiescent:
		return "quiescent"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Display is the alert currently on screen, with cache-busted image URLs.
type Display struct {
	EventID         string `json:"eventId"`
	CreatedAt       string `json:"created_at"`
	PrevImageURL    string `json:"prevImageUrl,omitempty"`
	WarningImageURL string `json:"warningImageUrl,omitempty"`
	Position        int    `json:"position"` // 1-based
	Of              int    `json:"of"`
}

// Snapshot is everything a renderer needs to draw the view from scratch.
type Snapshot struct {
	Instance  string         `json:"instance"`
	View      View           `json:"view"`
	State     State          `json:"state"`
	Events    []events.Event `json:"events"`
	Alerts    []events.Event `json:"alerts"`
	Index     int            `json:"index"`
	Current   *Display       `json:"current,omitempty"`
	Stats     events.Stats   `json:"stats"`
	PolledAt  time.Time      `json:"polled_at"`
	LastError string         `json:"last_error,omitempty"`
}

// Overlay reports whether the alert overlay is shown.
func (s Snapshot) Overlay() bool { return s.State == AlertActive && len(s.Alerts) > 0 }

package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a detection event.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// NormalizeStatus upper-cases and trims a raw status value.
func NormalizeStatus(raw string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(raw)))
}

func (s *Status) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = NormalizeStatus(raw)
	return nil
}

// Event is one drowning-detection event as returned by GET /events.
type Event struct {
	ID              string   `json:"eventId"`
	Status          Status   `json:"status"`
	CreatedAt       string   `json:"created_at"`
	ClosedAt        string   `json:"closedAt,omitempty"`
	ResponseSeconds *float64 `json:"responseSeconds,omitempty"`
	PrevImageURL    string   `json:"prevImageUrl,omitempty"`
	WarningImageURL string   `json:"warningImageUrl,omitempty"`
	PrevImageKey    string   `json:"prevImageKey,omitempty"`
	WarningImageKey string   `json:"warningImageKey,omitempty"`
	Bucket          string   `json:"bucketResolved,omitempty"`
}

// IsAlert reports whether the event is actionable: still open and carrying an
// after-image.
func (e Event) IsAlert() bool {
	return NormalizeStatus(string(e.Status)) == StatusOpen && strings.TrimSpace(e.WarningImageURL) != ""
}

// Created returns the parsed created_at, or the Unix epoch when it is malformed.
func (e Event) Created() time.Time {
	return ParseTimestamp(e.CreatedAt)
}

// ResponseLatency is the time between detection and closing. The stored
// responseSeconds wins when it is non-negative; otherwise closedAt - created_at is
// used. The second result is false when neither is known.
func (e Event) ResponseLatency() (time.Duration, bool) {
	if e.ResponseSeconds != nil && *e.ResponseSeconds >= 0 {
		return time.Duration(*e.ResponseSeconds * float64(time.Second)), true
	}
	if e.ClosedAt == "" {
		return 0, false
	}
	created, closed := e.Created(), ParseTimestamp(e.ClosedAt)
	if created.Equal(epoch) || closed.Equal(epoch) || closed.Before(created) {
		return 0, false
	}
	return closed.Sub(created), true
}

var epoch = time.Unix(0, 0).UTC()

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats written by the backend (ISO 8601 with
// or without zone, Unix seconds or milliseconds). Anything else maps to the Unix
// epoch so that malformed events sort last.
func ParseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return epoch
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		if n > 1e11 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	return epoch
}

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"lifeshot.org/internal/apierr"
)

// Path of the events collection on the API.
const Path = "/events"

// ErrEventIDRequired is returned before any request is made for an empty id.
var ErrEventIDRequired = errors.New("events: eventId is required")

// Doer performs an authenticated request against the API. session.Manager
// implements it.
type Doer interface {
	Do(ctx context.Context, method, path string, body any) (*http.Response, error)
}

// CloseResult is the PATCH /events response.
type CloseResult struct {
	Message         string  `json:"message"`
	EventID         string  `json:"eventId"`
	ClosedAt        string  `json:"closedAt"`
	ResponseSeconds float64 `json:"responseSeconds"`
}

// AlreadyClosed reports whether the backend had closed the event before this call.
func (r CloseResult) AlreadyClosed() bool {
	return strings.EqualFold(r.Message, "Already closed")
}

// Client talks to the events API.
type Client struct {
	doer Doer
}

func NewClient(doer Doer) *Client { return &Client{doer: doer} }

// List fetches every event. The API answers with a bare array; an object wrapping
// the list in "items" or "events" is accepted too.
func (c *Client) List(ctx context.Context) ([]Event, error) {
	resp, err := c.doer.Do(ctx, http.MethodGet, Path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, apierr.FromResponse(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Network("read events", err)
	}
	return decodeList(data)
}

func decodeList(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var list []Event
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Items  []Event `json:"items"`
		Events []Event `json:"events"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	if wrapped.Items != nil {
		return wrapped.Items, nil
	}
	return wrapped.Events, nil
}

// Close marks the event CLOSED (PATCH /events). Closing an already closed event
// succeeds.
func (c *Client) Close(ctx context.Context, eventID string) (CloseResult, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return CloseResult{}, ErrEventIDRequired
	}
	resp, err := c.doer.Do(ctx, http.MethodPatch, Path, map[string]string{"eventId": eventID})
	if err != nil {
		return CloseResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return CloseResult{}, apierr.FromResponse(resp)
	}
	var out CloseResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return CloseResult{}, fmt.Errorf("decode close response: %w", err)
	}
	if out.EventID == "" {
		out.EventID = eventID
	}
	return out, nil
}

// Delete removes the event (DELETE /events). Admin only on the server side.
func (c *Client) Delete(ctx context.Context, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return ErrEventIDRequired
	}
	resp, err := c.doer.Do(ctx, http.MethodDelete, Path, map[string]string{"eventId": eventID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return apierr.FromResponse(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Package apierr holds the error taxonomy shared by the LifeShot HTTP clients.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("apierr: invalid credentials")
	ErrUnauthorized       = errors.New("apierr: unauthorized")
	ErrNetwork            = errors.New("apierr: network error")
	ErrChallengeRequired  = errors.New("apierr: challenge required")
	ErrServer             = errors.New("apierr: server error")
)

// ServerError is a non-2xx response carrying a structured message body.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("server error: %d %s", e.Status, e.Message)
}

func (e *ServerError) Unwrap() error { return ErrServer }

// Network wraps a transport-level failure (no response) so errors.Is(err, ErrNetwork) holds.
func Network(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}

// IsAuthStatus reports whether code is one of the statuses that invalidate a session.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// FromResponse builds a *ServerError from a non-2xx response, reading {"message"} or
// {"error"} from the body when present. The body is consumed but not closed.
func FromResponse(resp *http.Response) *ServerError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &ServerError{Status: resp.StatusCode, Message: MessageFromBody(data)}
}

// MessageFromBody extracts the human message from a collaborator error body.
func MessageFromBody(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return strings.TrimSpace(string(data))
	}
	switch {
	case body.Message != "":
		return body.Message
	case body.Error != "" && body.Details != "":
		return body.Error + ": " + body.Details
	default:
		return body.Error
	}
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"lifeshot.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	userKey      ctxKey = "audit_user"
	viewKey      ctxKey = "audit_view"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUser attaches the signed-in username and role to the context.
func WithUser(ctx context.Context, username, role string) context.Context {
	username = strings.TrimSpace(username)
	if username == "" && role == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, [2]string{username, role})
}

// WithView tags audit entries with the dashboard view that issued the action.
func WithView(ctx context.Context, view string) context.Context {
	if view == "" {
		return ctx
	}
	return context.WithValue(ctx, viewKey, view)
}

func userFromContext(ctx context.Context) (string, string, bool) {
	if ctx == nil {
		return "", "", false
	}
	v, ok := ctx.Value(userKey).([2]string)
	return v[0], v[1], ok
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if user, role, ok := userFromContext(ctx); ok {
		if user != "" {
			entry["user"] = user
		}
		if role != "" {
			entry["role"] = role
		}
	}
	if ctx != nil {
		if view, ok := ctx.Value(viewKey).(string); ok {
			entry["view"] = view
		}
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

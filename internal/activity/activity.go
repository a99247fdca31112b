package activity

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"koormatics.org/internal/auth"
	"koormatics.org/internal/ids"
	"koormatics.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "activity_request_id"

// WithRequestID attaches the request identifier to the context for activity
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is one activity-log row.
type Entry struct {
	ID         string
	OccurredAt time.Time
	UserID     string
	RequestID  string
	Event      string
	Fields     map[string]any
}

// Store persists activity entries.
type Store interface {
	Append(ctx context.Context, entry Entry) error
}

// Recorder writes activity events to the structured log and, when a store is
// configured, to the database. Persistence is best-effort: a failed append
// is logged and never surfaces to the caller.
type Recorder struct {
	store Store
	now   func() time.Time
}

// RecorderOption configures the Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a recorder. The store may be nil for log-only use.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record emits one activity event enriched with request and user context.
func (r *Recorder) Record(ctx context.Context, event string, fields map[string]any) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}

	entry := Entry{
		ID:         ids.New(),
		OccurredAt: r.now().UTC(),
		RequestID:  RequestIDFromContext(ctx),
		Event:      event,
		Fields:     map[string]any{},
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry.UserID = userID
	}
	for k, v := range fields {
		entry.Fields[k] = v
	}

	logEntry := map[string]any{
		"ts":     entry.OccurredAt.Format(time.RFC3339Nano),
		"type":   "activity",
		"event":  entry.Event,
		"fields": entry.Fields,
	}
	if entry.RequestID != "" {
		logEntry["request_id"] = entry.RequestID
	}
	if entry.UserID != "" {
		logEntry["user_id"] = entry.UserID
	}
	if data, err := json.Marshal(logEntry); err == nil {
		obs.Logger().Println(string(data))
	}

	if r.store == nil {
		return
	}
	if err := r.store.Append(ctx, entry); err != nil {
		obs.LogError("activity", "append activity row for "+event, err)
	}
}

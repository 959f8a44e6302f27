// Package audit records security-relevant events as JSON lines on the shared logger.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"conbadge.org/internal/auth"
	"conbadge.org/internal/obs"
)

// Event names.
const (
	BadgeRegistered = "badge.register"
	BadgeRenamed    = "badge.rename"
	BadgeImageSet   = "badge.image.set"
	BadgeImageClear = "badge.image.clear"
	CodeIssued      = "auth.code.issue"
	SessionIssued   = "auth.session.issue"
	AppUploaded     = "apps.upload"
	UpdateServed    = "ota.serve"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// LogEvent writes an audit entry tagged with the request id and with the
// badge or operator attached to ctx.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  event,
		"fields": map[string]any{},
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if badgeID, ok := auth.BadgeIDFromContext(ctx); ok {
		entry["badge_id"] = badgeID
	}
	if operator, ok := auth.OperatorFromContext(ctx); ok {
		entry["operator"] = operator
	}
	if len(fields) > 0 {
		entry["fields"] = maps.Clone(fields)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

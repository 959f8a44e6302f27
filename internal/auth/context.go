package auth

import (
	"context"
	"strings"
)

type badgeContextKey struct{}
type operatorContextKey struct{}

// ContextWithBadge records the authenticated badge id.
func ContextWithBadge(ctx context.Context, badgeID string) context.Context {
	badgeID = strings.TrimSpace(badgeID)
	if badgeID == "" {
		return ctx
	}
	return context.WithValue(ctx, badgeContextKey{}, badgeID)
}

// BadgeIDFromContext returns the badge id attached by ContextWithBadge.
func BadgeIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(badgeContextKey{}).(string)
	return v, ok && v != ""
}

// ContextWithOperator records the subject of a verified admin token.
func ContextWithOperator(ctx context.Context, subject string) context.Context {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ctx
	}
	return context.WithValue(ctx, operatorContextKey{}, subject)
}

// OperatorFromContext returns the admin subject, if any.
func OperatorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(operatorContextKey{}).(string)
	return v, ok && v != ""
}

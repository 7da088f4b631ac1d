package api

import (
	"context"

	"github.com/GoCodeAlone/controlplane/store"
)

type contextKey int

const contextKeySession contextKey = iota

// SetSessionContext returns a new context with the session attached.
func SetSessionContext(ctx context.Context, s *store.Session) context.Context {
	return context.WithValue(ctx, contextKeySession, s)
}

// SessionFromContext extracts the authenticated session from context, or
// nil.
func SessionFromContext(ctx context.Context) *store.Session {
	s, _ := ctx.Value(contextKeySession).(*store.Session)
	return s
}

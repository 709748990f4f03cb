// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating claims via context

package auth

import (
	"context"
)

// authContextKey is the key type for storing Claims in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the claims attached.
func WithAuth(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, authContextKey{}, c)
}

// FromContext retrieves the claims from the context, returning nil if not present.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(authContextKey{}).(*Claims)
	return c
}

// AccountScope returns the account the request is limited to. Anonymous
// requests and unscoped tokens return "".
func AccountScope(ctx context.Context) string {
	if c := FromContext(ctx); c != nil {
		return c.AccountID
	}
	return ""
}

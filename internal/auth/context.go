// Package auth carries the caller identity through request contexts.
// The server middleware resolves bearer tokens and stores the identity here;
// handlers read it back to scope queries and authorize mutations.
package auth

import "context"

type contextKey int

const identityKey contextKey = iota

// Identity is the resolved caller of a request.
type Identity struct {
	UserID  string
	Service bool // pre-shared service token: peer coordinators, agents, cron
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the request identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// UserID returns the caller's user id, or "" for service calls.
func UserID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}

// IsService reports whether the caller authenticated with the service token.
func IsService(ctx context.Context) bool {
	id, _ := FromContext(ctx)
	return id.Service
}

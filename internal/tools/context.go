package tools

import "context"

type sessionKeyCtx struct{}

// WithSessionKey tags ctx with the session that owns the current iteration.
// Session-scoped tools (memory, delegate) resolve their scope from it.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyCtx{}, key)
}

// SessionKeyFrom returns the session key carried by ctx, empty if none.
func SessionKeyFrom(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKeyCtx{}).(string); ok {
		return v
	}
	return ""
}

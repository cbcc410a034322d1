// Package requestctx carries the authenticated user of a request explicitly
// in its context.
package requestctx

import "context"

type userIDContextKey struct{}

// WithUserID stores the authenticated user id in ctx. Ids <= 0 are not users
// and are not stored.
func WithUserID(ctx context.Context, userID int64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if userID <= 0 {
		return ctx
	}
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext returns the user id stored in ctx and whether one was set.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(userIDContextKey{}).(int64)
	return id, ok
}

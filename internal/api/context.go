package api

import (
	"context"

	"github.com/MarcoPoloResearchLab/chirp/internal/users"
)

type actingUserKey struct{}

// WithActingUser attaches the authenticated user of the request to ctx.
func WithActingUser(ctx context.Context, user users.User) context.Context {
	return context.WithValue(ctx, actingUserKey{}, user)
}

// ActingUser returns the authenticated user attached to ctx, if any.
func ActingUser(ctx context.Context) (users.User, bool) {
	user, ok := ctx.Value(actingUserKey{}).(users.User)
	if !ok || user.ID == "" {
		return users.User{}, false
	}
	return user, true
}

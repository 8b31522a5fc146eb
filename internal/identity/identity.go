package identity

import (
	"context"
	"errors"
	"strings"
)

var ErrNoIdentity = errors.New("no identity")

// Identity is the user a session or call acts for.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

func (id Identity) Empty() bool {
	return strings.TrimSpace(id.UserID) == ""
}

// Provider yields the current user. A nil identity blocks connect, create and join.
type Provider interface {
	Current(ctx context.Context) (Identity, error)
}

// Context provides the identity an authenticating middleware put on the
// request context.
type Context struct{}

func (Context) Current(ctx context.Context) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.Empty() {
		return Identity{}, false
	}
	return id, true
}

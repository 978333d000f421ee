package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	sinkKey     contextKey = "identity_sink"
)

// Identity is the caller resolved from an API key.
type Identity struct {
	TenantID  string
	UserID    string
	KeyPrefix string
}

// SetIdentity stores id in ctx. An enclosing Logger also receives a copy.
func SetIdentity(ctx context.Context, id Identity) context.Context {
	if dst, ok := ctx.Value(sinkKey).(*Identity); ok {
		*dst = id
	}
	return context.WithValue(ctx, identityKey, id)
}

func GetIdentity(r *http.Request) (Identity, bool) {
	id, ok := r.Context().Value(identityKey).(Identity)
	return id, ok
}

func withIdentitySink(ctx context.Context, dst *Identity) context.Context {
	return context.WithValue(ctx, sinkKey, dst)
}

package serving

import (
	"context"
	"strings"
)

type requestTokenKey struct{}

// WithRequestToken attaches an on-behalf-of token that overrides the
// client's configured token for calls made with ctx.
func WithRequestToken(ctx context.Context, token string) context.Context {
	token = strings.TrimSpace(token)
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, requestTokenKey{}, token)
}

func RequestTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(requestTokenKey{}).(string)
	return token
}

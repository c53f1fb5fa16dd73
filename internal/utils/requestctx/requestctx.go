// Package requestctx carries the request ID from the HTTP edge through the
// queue into the runner, so log lines for one submission share an ID.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

// WithRequestID returns ctx carrying id. An empty id leaves ctx unchanged.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID returns the request ID stored in ctx, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Field returns the request ID as a log field. It is a no-op field when ctx
// carries no ID.
func Field(ctx context.Context) zap.Field {
	id := RequestID(ctx)
	if id == "" {
		return zap.Skip()
	}
	return zap.String("request_id", id)
}

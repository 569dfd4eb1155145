package audit

import "context"

type contextKey int

const (
	actorKey contextKey = iota
	originKey
)

// SystemActor is recorded when no caller identity is known.
const SystemActor = "system"

// ContextWithActor attaches the acting caller to ctx.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorFromContext returns the acting caller, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok && v != "" {
		return v
	}
	return SystemActor
}

// ContextWithOrigin attaches the request origin (remote address) to ctx.
func ContextWithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

// OriginFromContext returns the request origin, if any.
func OriginFromContext(ctx context.Context) string {
	v, _ := ctx.Value(originKey).(string)
	return v
}

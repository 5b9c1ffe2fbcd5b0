package logger

import "context"

type contextKey string

const (
	connIDKey   contextKey = "conn_id"
	identityKey contextKey = "identity"
)

// WithConnID 在 Context 中记录连接 ID
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// ConnIDFrom 读取连接 ID
func ConnIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(connIDKey).(string)
	return v
}

// WithIdentity 在 Context 中记录身份
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFrom 读取身份
func IdentityFrom(ctx context.Context) string {
	v, _ := ctx.Value(identityKey).(string)
	return v
}

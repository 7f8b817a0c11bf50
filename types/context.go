package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyConnectionID contextKey = "connection_id"
	keyStreamID     contextKey = "stream_id"
)

// WithConnectionID adds the engine connection id to context.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyConnectionID, id)
}

// ConnectionID extracts the connection id from context.
func ConnectionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyConnectionID).(string)
	return v, ok && v != ""
}

// WithStreamID adds the engine stream id to context.
func WithStreamID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyStreamID, id)
}

// StreamID extracts the stream id from context.
func StreamID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyStreamID).(string)
	return v, ok && v != ""
}

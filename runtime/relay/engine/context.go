package engine

import "context"

// activityInfoKey is the private context key carrying ActivityInfo.
type activityInfoKey struct{}

// ActivityInfo describes the activity attempt being executed.
type ActivityInfo struct {
	InstanceID string
	Activity   string
	Ordinal    int
	Attempt    int
}

// WithActivityInfo returns a child context carrying info. Engines attach it
// to the context handed to activity handlers.
func WithActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// ActivityInfoFromContext returns the ActivityInfo carried by ctx, if any.
func ActivityInfoFromContext(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}

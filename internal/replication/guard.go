package replication

import "context"

type contextKey string

const remoteDepthKey contextKey = "remote_depth"

// Enter returns a context marked as handling a remotely-originated event.
// The mark lives in the returned context only, so it ends with the scope
// that uses it and never leaks to concurrent work on other contexts.
func Enter(ctx context.Context) context.Context {
	return context.WithValue(ctx, remoteDepthKey, Depth(ctx)+1)
}

// Depth is the number of nested remote redeliveries ctx is inside of.
func Depth(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	if val, ok := ctx.Value(remoteDepthKey).(int); ok {
		return val
	}
	return 0
}

// IsRemote reports whether ctx is handling a remotely-originated event.
// Events raised under such a context are never sent back out.
func IsRemote(ctx context.Context) bool {
	return Depth(ctx) > 0
}

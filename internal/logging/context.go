package logging

import (
	"context"
	"time"
)

// DetachContext creates a context that won't be cancelled when parent is.
// Used for cleanup writes that must land after the request has gone away.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout creates a detached context with its own timeout.
//
// Example usage:
//
//	ctx, cancel := logging.DetachContextWithTimeout(reqCtx, 5*time.Second)
//	defer cancel()
//	_ = store.SetMessageStatus(ctx, id, data.StatusFailed)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

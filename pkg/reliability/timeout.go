package reliability

import (
	"context"
	"time"
)

// WithTimeout executes fn with a bounded context. Used for external
// capability calls (classification, webhooks) that may hang.
func WithTimeout(parent context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

package store

import (
	"context"
	"time"
)

// Try runs op up to attempts times with a fixed backoff between
// tries. The last error is returned when every attempt fails.
func Try(ctx context.Context, attempts int, backoff time.Duration, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
	}
	return err
}

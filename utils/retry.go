package utils

import (
	"context"
	"errors"
	"time"
)

func Retry(cb func() error, number int, sleep time.Duration) error {
	var err error
	for i := 0; i < number; i++ {
		err = cb()
		if err == nil {
			return err
		}
		time.Sleep(sleep)
	}
	return err
}

// Retry only while the callback fails with the retryable error. Any
// other error is returned immediately.
func RetryOn(ctx context.Context, retryable error,
	cb func() error, number int, sleep time.Duration) error {
	var err error
	for i := 0; i < number; i++ {
		err = cb()
		if err == nil || !errors.Is(err, retryable) {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
	}
	return err
}

package ingest

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const retryAttempts = 3

// GetJSONWithRetry decodes the JSON body at url into dst. Transport errors,
// 5xx and 429 answers are retried with exponential backoff plus jitter; other
// statuses fail at once.
func GetJSONWithRetry(ctx context.Context, c HTTPClient, url string, dst any) error {
	var lastErr error
	for i := 0; i < retryAttempts; i++ {
		err := getJSON(ctx, c, url, dst)
		if err == nil {
			return nil
		}
		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return err
		}
		if ctx.Err() != nil || i == retryAttempts-1 {
			break
		}
		sleep := time.Duration((1<<i)*100) * time.Millisecond
		sleep += time.Duration(rand.Intn(150)) * time.Millisecond
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}

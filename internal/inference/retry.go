package inference

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

const (
	maxRetries = 5
	maxBackoff = 3 * time.Second
)

// backoff returns the sleep before retry n (0-based): 2^n seconds plus up
// to one second of jitter, capped at maxBackoff.
func backoff(n int) time.Duration {
	d := time.Duration(math.Pow(2, float64(n))*float64(time.Second)) +
		time.Duration(rand.Float64()*float64(time.Second))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// withRetries runs call, retrying retryable backend errors up to maxRetries
// times. It returns the successful response and the number of retries that
// preceded it. Non-retryable errors and context cancellation surface
// immediately.
func withRetries(ctx context.Context, sleep func(time.Duration), call func() (Response, error)) (Response, int, error) {
	var resp Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = call()
		if err == nil {
			return resp, attempt, nil
		}

		var be *BackendError
		if !errors.As(err, &be) || !be.Retryable() || attempt >= maxRetries {
			return Response{}, attempt, err
		}
		if ctx.Err() != nil {
			return Response{}, attempt, ctx.Err()
		}
		sleep(backoff(attempt))
	}
}

package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    10 * time.Second,
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultRetry.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// policy is a deterministic doubling backoff capped at MaxDelay, stopping
// after MaxAttempts total calls or when ctx ends.
func (c RetryConfig) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1)), ctx)
}

// OnRetry is called before sleeping between attempts. attempt is the
// 1-indexed attempt that just failed.
type OnRetry func(attempt int, err error, wait time.Duration)

// Retry runs fn until it succeeds, returns an error for which retryable is
// false, or the attempt budget is spent. The last error is returned as is so
// callers can still match it with errors.Is / errors.As.
func Retry[T any](ctx context.Context, cfg RetryConfig, retryable func(error) bool, onRetry OnRetry, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	attempt := 0

	op := func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && retryable != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	v, err := backoff.RetryNotifyWithData(op, cfg.policy(ctx), notify)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}
	return v, err
}

// Do executes an HTTP request with exponential backoff retry on transport
// errors and 5xx responses. The buildReq function is called on each attempt to
// produce a fresh request (required because request bodies are consumed on
// each attempt).
func Do(ctx context.Context, client *http.Client, cfg RetryConfig, buildReq func() (*http.Request, error)) (*http.Response, error) {
	cfg = cfg.withDefaults()

	var buildErr error
	resp, err := Retry(ctx, cfg,
		func(err error) bool { return buildErr == nil },
		func(attempt int, err error, wait time.Duration) {
			slog.Warn("http attempt failed, retrying",
				"attempt", attempt, "maxAttempts", cfg.MaxAttempts, "error", err, "wait", wait)
		},
		func() (*http.Response, error) {
			req, err := buildReq()
			if err != nil {
				buildErr = fmt.Errorf("build request: %w", err)
				return nil, buildErr
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 {
				body := ReadErrorBody(resp)
				return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
			}
			return resp, nil
		},
	)
	if buildErr != nil {
		return nil, buildErr
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("all %d attempts failed, last error: %w", cfg.MaxAttempts, err)
	}
	return resp, nil
}

// ReadErrorBody drains and closes resp.Body, returning at most 512 bytes of it
// for error messages.
func ReadErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return string(body)
}

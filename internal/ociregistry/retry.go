package ociregistry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// retryDelays is the exponential backoff ladder: ~200ms,
// ~400ms, ~800ms, capped. Idempotent GETs retry on transport errors and 5xx
// responses; 4xx is never retried.
var retryDelays = []time.Duration{
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// withReadRetry runs fn on c, retrying on a retryable error up to
// c.maxRetries additional times. fn must be idempotent.
func (c *Client) withReadRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt >= c.maxRetries || !isRetryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
}

// isRetryable reports whether err is worth another attempt: transport-level
// failures and 5xx responses are retried; everything else, including 4xx,
// propagates immediately.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		return transportErr.StatusCode >= http.StatusInternalServerError && transportErr.StatusCode <= 599
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	return errors.Is(err, ErrTransport)
}

package ociregistry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline exceeded", context.DeadlineExceeded, false},
		{"transport 500", &transport.Error{StatusCode: http.StatusInternalServerError}, true},
		{"transport 503", &transport.Error{StatusCode: http.StatusServiceUnavailable}, true},
		{"transport 404", &transport.Error{StatusCode: http.StatusNotFound}, false},
		{"transport 401", &transport.Error{StatusCode: http.StatusUnauthorized}, false},
		{"wrapped ErrTransport", errors.Join(ErrTransport, errors.New("boom")), true},
		{"plain error", errors.New("boom"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isRetryable(c.err); got != c.want {
				t.Errorf("isRetryable(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestWithReadRetry_SucceedsAfterRetryableFailures(t *testing.T) {
	c := &Client{maxRetries: 3}
	attempts := 0
	err := c.withReadRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return &transport.Error{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withReadRetry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithReadRetry_StopsOnNonRetryableError(t *testing.T) {
	c := &Client{maxRetries: 3}
	attempts := 0
	wantErr := &transport.Error{StatusCode: http.StatusNotFound}
	err := c.withReadRetry(context.Background(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("withReadRetry error = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on non-retryable error)", attempts)
	}
}

func TestWithReadRetry_GivesUpAfterMaxRetries(t *testing.T) {
	c := &Client{maxRetries: 2}
	attempts := 0
	err := c.withReadRetry(context.Background(), func() error {
		attempts++
		return &transport.Error{StatusCode: http.StatusServiceUnavailable}
	})
	if err == nil {
		t.Fatalf("withReadRetry succeeded, want exhaustion error")
	}
	if attempts != c.maxRetries+1 {
		t.Errorf("attempts = %d, want %d (initial + maxRetries)", attempts, c.maxRetries+1)
	}
}

func TestWithReadRetry_ContextCancellationStopsWaiting(t *testing.T) {
	c := &Client{maxRetries: 5}
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := c.withReadRetry(ctx, func() error {
		attempts++
		if attempts == 1 {
			cancel()
		}
		return &transport.Error{StatusCode: http.StatusServiceUnavailable}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("withReadRetry error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryDelays_Ascending(t *testing.T) {
	for i := 1; i < len(retryDelays); i++ {
		if retryDelays[i] <= retryDelays[i-1] {
			t.Errorf("retryDelays[%d] = %v not greater than retryDelays[%d] = %v", i, retryDelays[i], i-1, retryDelays[i-1])
		}
	}
	if len(retryDelays) == 0 {
		t.Fatal("retryDelays is empty")
	}
	if retryDelays[0] < 100*time.Millisecond {
		t.Errorf("retryDelays[0] = %v, suspiciously small", retryDelays[0])
	}
}

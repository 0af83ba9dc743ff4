// Package httpretry provides an HTTP client that retries transient failures
// using the shared bounded backoff in package retry.
package httpretry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/lead-drip/internal/pkg/retry"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer with retry logic.
type RetryClient struct {
	client HTTPDoer
	policy retry.Policy
}

// NewRetryClient creates a new RetryClient that wraps the given HTTPDoer.
// If client is nil, a default http.Client with 30s timeout is used.
func NewRetryClient(client HTTPDoer, policy retry.Policy) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &RetryClient{client: client, policy: policy}
}

var errRetryableStatus = errors.New("httpretry: retryable status")

// Do executes the HTTP request with retry logic.
// It retries on retryable status codes (429, 500, 502, 503, 504) and
// transient network/timeout errors. It does NOT retry on client errors
// or context cancellation. When the attempts run out on a retryable status,
// the last response is returned as-is so the caller can inspect it.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var (
		last    *http.Response
		attempt int
	)
	name := req.Method + " " + req.URL.Path

	err := retry.Do(req.Context(), rc.policy, name, func(_ context.Context) error {
		attempt++
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return retry.Permanent(fmt.Errorf("httpretry: failed to reset request body: %w", err))
			}
			req.Body = body
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}

		if !isRetryableStatus(resp.StatusCode) {
			last = resp
			return nil
		}

		// keep the body readable for the caller in case this was the final attempt
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(data))
		last = resp
		return fmt.Errorf("%w %d", errRetryableStatus, resp.StatusCode)
	})

	if err != nil {
		if errors.Is(err, errRetryableStatus) && last != nil {
			return last, nil
		}
		return nil, err
	}
	return last, nil
}

// isRetryableStatus returns true if the HTTP status code indicates a
// transient server error that should be retried.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

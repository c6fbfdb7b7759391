package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/solarsync/internal/metrics"
)

const DefaultTimeout = 30 * time.Second

// NewClient returns an HTTP client with a bounded timeout. Zero means DefaultTimeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
	}
}

// Request describes one vendor call. Provider and Endpoint label metrics.
type Request struct {
	Provider string
	Endpoint string
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
}

// StatusError is returned for a non-2xx response after retries.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// Do sends req and returns the response body. Rate limiting (429), server
// errors and transport failures are retried with exponential backoff until
// maxElapsed; any other non-2xx response fails immediately.
func Do(ctx context.Context, client *http.Client, req Request, maxElapsed time.Duration) ([]byte, error) {
	var body []byte
	operation := func() error {
		start := time.Now()
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}

		resp, err := client.Do(httpReq)
		metrics.ProviderLatency.WithLabelValues(req.Provider, req.Endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues(req.Provider, req.Endpoint, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%s %s: %w", req.Method, req.Endpoint, err))
			}
			return fmt.Errorf("%s %s: %w", req.Method, req.Endpoint, err)
		}
		defer resp.Body.Close()
		metrics.ProviderCallsTotal.WithLabelValues(req.Provider, req.Endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: string(b)})
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	if maxElapsed <= 0 {
		maxElapsed = time.Minute
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

// Logger is the subset of utils.LogsManager used by this package
type Logger interface {
	Debug(msg, category string)
	Info(msg, category string)
	Warn(msg, category string)
	Error(msg, category string)
}

// statusError carries a non-2xx HTTP response
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *statusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// jsonHTTPClient is a throttled JSON client with exponential backoff retries
type jsonHTTPClient struct {
	name         string
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxRetries   int
	retryBackoff time.Duration
	logger       Logger
}

func newJSONHTTPClient(name string, timeout time.Duration, limiter *rate.Limiter, maxRetries int, logger Logger) *jsonHTTPClient {
	return &jsonHTTPClient{
		name:         name,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      limiter,
		maxRetries:   maxRetries,
		retryBackoff: 500 * time.Millisecond,
		logger:       logger,
	}
}

// NewChainRateLimiter builds the limiter shared by outbound chain requests
func NewChainRateLimiter(cm *utils.ConfigManager) *rate.Limiter {
	rps := cm.GetConfigFloat64("chain_requests_per_second", 5, 0.1, 1000)
	burst := cm.GetConfigInt("chain_request_burst", 5, 1, 1000)
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *jsonHTTPClient) getJSON(ctx context.Context, url string, out interface{}) error {
	return c.do(ctx, http.MethodGet, url, nil, nil, out)
}

func (c *jsonHTTPClient) postJSON(ctx context.Context, url string, body interface{}, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %v", err)
	}
	return c.do(ctx, http.MethodPost, url, payload, headers, nil)
}

func (c *jsonHTTPClient) do(ctx context.Context, method string, url string, body []byte, headers map[string]string, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			c.logger.Debug(fmt.Sprintf("Retrying %s %s (attempt %d/%d)", method, url, attempt+1, c.maxRetries+1), c.name)
		}

		err := c.send(ctx, method, url, body, headers, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return fmt.Errorf("%w: %v", ErrRequestRejected, err)
		}
		if ctx.Err() != nil {
			return err
		}
	}

	return lastErr
}

func (c *jsonHTTPClient) send(ctx context.Context, method string, url string, body []byte, headers map[string]string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return &statusError{StatusCode: resp.StatusCode, Body: snippet}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed response: %v", err)
	}
	return nil
}

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/types"
)

type httpAPIError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *httpAPIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	if code >= 500 && code <= 599 {
		return true
	}
	return false
}

func jitterSleep(base time.Duration) time.Duration {
	// +/- 20%
	if base <= 0 {
		return 0
	}
	j := 0.2
	delta := base.Seconds() * j
	low := base.Seconds() - delta
	high := base.Seconds() + delta
	if low < 0 {
		low = 0
	}
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}

// classifyErr maps a transport or HTTP failure onto the service error
// taxonomy for the named upstream service.
func classifyErr(service string, err error) *types.ServiceError {
	var se *types.ServiceError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewServiceError(service, types.ErrKindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewServiceError(service, types.ErrKindTimeout, err)
	}
	var httpErr *httpAPIError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return types.NewServiceError(service, types.ErrKindRateLimited, err)
		case httpErr.StatusCode == 408 || (httpErr.StatusCode >= 500 && httpErr.StatusCode <= 599):
			return types.NewServiceError(service, types.ErrKindUnavailable, err)
		default:
			return types.NewServiceError(service, types.ErrKindInvalidResponse, err)
		}
	}
	return types.NewServiceError(service, types.ErrKindUnavailable, err)
}

// httpAPI is the shared JSON transport used by the upstream adapters:
// bounded retries on retryable failures, exponential backoff with cap and
// jitter, Retry-After honored when present.
type httpAPI struct {
	log        *logger.Logger
	service    string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	maxRetries int
}

func (c *httpAPI) doOnce(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &httpAPIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return raw, apiErr
	}
	return raw, nil
}

func (c *httpAPI) do(ctx context.Context, method, path string, body any, out any) error {
	// exponential backoff: 1s, 2s, 4s, ... (cap 10s)
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return types.NewServiceError(c.service, types.ErrKindInvalidResponse,
					fmt.Errorf("decode response: %w", uErr))
			}
			return nil
		}

		classified := classifyErr(c.service, err)
		if !classified.Retryable() || attempt == c.maxRetries {
			return classified
		}

		sleepFor := backoff
		var httpErr *httpAPIError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			sleepFor = httpErr.RetryAfter
		}
		if sleepFor > 10*time.Second {
			sleepFor = 10 * time.Second
		}
		sleepFor = jitterSleep(sleepFor)

		c.log.Warn("request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

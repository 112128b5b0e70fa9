package fetchers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/raffopenssh/austria-grid/internal/grid"
)

// BackoffConfig controls exponential retry behaviour for transient failures.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

var (
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// doRequestWithResilience executes the HTTP request with retries, exponential
// backoff, and a circuit breaker. Auth rejections and rate limits are never
// retried; they surface immediately as typed fetch errors so the scheduler
// can back off the whole job instead.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, &grid.FetchError{Kind: grid.FetchUnreachable, Err: ctx.Err()}
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, &grid.FetchError{Kind: grid.FetchUnreachable, Err: execErr}
			}

			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				resp.Body.Close()
				return nil, &grid.FetchError{
					Kind: grid.FetchAuthRejected,
					Err:  fmt.Errorf("status %d", resp.StatusCode),
				}
			case resp.StatusCode == http.StatusTooManyRequests:
				retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
				resp.Body.Close()
				return nil, &grid.FetchError{
					Kind:       grid.FetchRateLimited,
					RetryAfter: retryAfter,
					Err:        errors.New("status 429"),
				}
			case resp.StatusCode >= 500:
				resp.Body.Close()
				return nil, &grid.FetchError{
					Kind: grid.FetchUnreachable,
					Err:  fmt.Errorf("server status %d", resp.StatusCode),
				}
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				resp.Body.Close()
				return nil, &grid.FetchError{
					Kind: grid.FetchMalformedPayload,
					Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
				}
			}

			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		// If the circuit is open, surface as unreachable immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &grid.FetchError{Kind: grid.FetchUnreachable, Err: err}
		}

		var fe *grid.FetchError
		if errors.As(err, &fe) && fe.Kind != grid.FetchUnreachable {
			// Auth and rate-limit failures do not improve on retry.
			return nil, err
		}

		lastErr = err
		if attempt >= cfg.Backoff.MaxRetries {
			return nil, lastErr
		}

		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &grid.FetchError{Kind: grid.FetchUnreachable, Err: ctx.Err()}
		case <-timer.C:
			// continue to next attempt
		}

		attempt++
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

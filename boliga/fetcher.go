package boliga

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Transport is the single network call the fetcher builds on. All retry and
// backoff behavior lives above it, never inside it.
type Transport interface {
	Send(ctx context.Context, method, rawURL string, params url.Values, header http.Header) (status int, body []byte, err error)
}

// RetryPolicy bounds the fetcher's retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(d time.Duration) time.Duration
}

// DefaultRetryPolicy matches the documented defaults: 5 attempts, 1s base
// doubling up to a 60s cap, with up to 25% random jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter: func(d time.Duration) time.Duration {
			return d + time.Duration(rand.Int63n(int64(d)/4+1))
		},
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter != nil {
		d = p.Jitter(d)
	}
	return d
}

// Fetcher wraps a Transport with a shared token bucket and bounded
// exponential-backoff retries. One fetcher (and so one bucket) is shared by
// every category walking the same upstream.
type Fetcher struct {
	transport Transport
	limiter   *rate.Limiter
	policy    RetryPolicy
	header    http.Header
}

// NewFetcher creates a fetcher limited to requestsPerSecond against the
// upstream. A non-positive rate falls back to 1 req/s.
func NewFetcher(transport Transport, requestsPerSecond float64, policy RetryPolicy) *Fetcher {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Fetcher{
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		policy:    policy,
		header:    defaultHeader(),
	}
}

func defaultHeader() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	return h
}

// Fetch performs one logical GET. Transient failures are retried with
// backoff up to the policy's attempt budget; the last TransientError is
// surfaced when the budget runs out. Fatal failures return immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < f.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := f.policy.delay(attempt - 1)
			log.Printf("Fetcher: retry %d/%d for %s in %s", attempt, f.policy.MaxAttempts-1, rawURL, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		status, body, err := f.transport.Send(ctx, http.MethodGet, rawURL, params, f.header)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &TransientError{Err: err}
			continue
		}

		switch {
		case status == http.StatusOK:
			return body, nil
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = &TransientError{Status: status, Err: fmt.Errorf("GET %s", rawURL)}
		case status >= 400:
			return nil, &FatalError{Status: status, Err: fmt.Errorf("GET %s", rawURL)}
		default:
			return nil, &FatalError{Status: status, Err: fmt.Errorf("unexpected status for GET %s", rawURL)}
		}
	}

	return nil, lastErr
}

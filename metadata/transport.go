package metadata

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
)

const (
	requestTimeout     = 1 * time.Second
	retryMax           = 2 // retries after the first attempt: 3 attempts in all
	retryBaseDelay     = 50 * time.Millisecond
	breakerFailures    = 50
	breakerWindow      = 30 * time.Second
	breakerCooldown    = 30 * time.Second
	hostRateLimit      = 5 // requests/sec, a conservative pre-emptive throttle independent of X-RateLimit headers
	hostRateLimitBurst = 5
)

// hostTransport bundles the per-host retry/rate-limit/circuit-breaker
// stack the transport defaults require. One is built per distinct API
// host the provider talks to and reused across calls.
type hostTransport struct {
	client  *retryablehttp.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// transportPool lazily builds and caches one hostTransport per host.
type transportPool struct {
	mu     sync.Mutex
	byHost map[string]*hostTransport
	logger zerolog.Logger
}

func newTransportPool(logger zerolog.Logger) *transportPool {
	return &transportPool{byHost: make(map[string]*hostTransport), logger: logger}
}

func (p *transportPool) get(host string) *hostTransport {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.byHost[host]; ok {
		return t
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: requestTimeout}
	client.RetryMax = retryMax
	client.RetryWaitMin = retryBaseDelay
	client.Backoff = exponentialBackoff
	client.CheckRetry = checkRetry
	client.Logger = nil

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     host,
		Interval: breakerWindow,
		Timeout:  breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).Msg("metadata provider circuit breaker state change")
		},
	})

	t := &hostTransport{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(hostRateLimit), hostRateLimitBurst),
		breaker: breaker,
	}
	p.byHost[host] = t
	return t
}

// do executes req through the host's limiter and circuit breaker. A
// tripped breaker is reported as a CodeUnavailable error without a
// request ever leaving this process; a request that fails in the
// transport (including a timeout) is reported as CodeNetwork. Both
// codes are retryable.
func (t *hostTransport) do(ctx context.Context, req *retryablehttp.Request) (*http.Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "rate limiter wait canceled")
	}

	result, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			// Counted as a breaker failure, but the response itself (for
			// status-code mapping upstream) travels back via the sentinel
			// serverError wrapper rather than being discarded.
			return nil, &serverError{resp: resp}
		}
		return resp, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, platformerrors.Wrap(err, platformerrors.CodeUnavailable, "metadata host circuit breaker open")
		}
		if se, ok := err.(*serverError); ok {
			return se.resp, nil
		}
		return nil, platformerrors.Wrap(err, platformerrors.CodeNetwork, "metadata request failed")
	}
	return result.(*http.Response), nil
}

// serverError is a breaker-visible failure marker that still carries
// the upstream response through for status-code mapping.
type serverError struct {
	resp *http.Response
}

func (e *serverError) Error() string {
	return "upstream returned " + e.resp.Status
}

// checkRetry restricts retries to network errors and 5xx responses; a
// definitive 401/403/404 is never worth retrying.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp == nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// exponentialBackoff drives retryablehttp's wait interval from a
// cenkalti/backoff exponential sequence seeded at the transport's base
// delay, rather than retryablehttp's own default jitter.
func exponentialBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = retryBaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = max

	var d time.Duration
	for i := 0; i <= attemptNum; i++ {
		d = eb.NextBackOff()
	}
	if d == backoff.Stop || d > max {
		d = max
	}
	return d
}

package source

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/area-advisor/internal/model"
	"github.com/sells-group/area-advisor/internal/resilience"
)

// Guard wraps a Client with a token bucket, a circuit breaker and bounded
// retries. Retries live here, inside the client boundary, so the
// orchestrator never retries.
type Guard struct {
	inner          Client
	limiter        *rate.Limiter
	breaker        *resilience.CircuitBreaker
	retry          resilience.RetryConfig
	attemptTimeout time.Duration
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithRateLimit allows perSec requests per second with the given burst.
// perSec <= 0 disables limiting.
func WithRateLimit(perSec float64, burst int) GuardOption {
	return func(g *Guard) {
		if perSec <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// WithBreaker sets the circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) GuardOption {
	return func(g *Guard) { g.breaker = cb }
}

// WithRetry sets the retry policy.
func WithRetry(cfg resilience.RetryConfig) GuardOption {
	return func(g *Guard) { g.retry = cfg }
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.attemptTimeout = d }
}

// NewGuard wraps c.
func NewGuard(c Client, opts ...GuardOption) *Guard {
	g := &Guard{
		inner:   c,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.retry.OnRetry == nil {
		g.retry.OnRetry = resilience.RetryLogger(c.ID(), "fetch")
	}
	return g
}

// ID returns the wrapped client's id.
func (g *Guard) ID() string { return g.inner.ID() }

// Scope delegates to the wrapped client when it is Scoped.
func (g *Guard) Scope(q model.AreaQuery) string {
	if s, ok := g.inner.(Scoped); ok {
		return s.Scope(q)
	}
	return ""
}

// Breaker exposes the circuit breaker for status reporting.
func (g *Guard) Breaker() *resilience.CircuitBreaker { return g.breaker }

// Fetch runs the wrapped Fetch under the limiter, breaker and retry policy.
func (g *Guard) Fetch(ctx context.Context, q model.AreaQuery) (*model.RawMetrics, error) {
	return resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*model.RawMetrics, error) {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, resilience.Transient(err)
			}
		}
		return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*model.RawMetrics, error) {
			if g.attemptTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, g.attemptTimeout)
				defer cancel()
			}
			m, err := g.inner.Fetch(ctx, q)
			return m, classify(err)
		})
	})
}

var (
	_ Client = (*Guard)(nil)
	_ Scoped = (*Guard)(nil)
)

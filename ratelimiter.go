package pubz

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// Rate limiting modes.
const (
	modeWait = "wait"
	modeDrop = "drop"
)

// ErrRateLimited terminates subscriptions refused by a RateLimiter in drop
// mode. Match it to substitute a cheaper flow when the budget runs out:
//
//	fresh := pubz.OnErrorResumeOne("fresh-or-stale", limited,
//	    func(error) pubz.One[Quote] { return staleQuote },
//	    pubz.MatchIs(pubz.ErrRateLimited))
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter paces subscriptions to a One with a token bucket, protecting
// the producer behind it from being activated faster than it can bear. Each
// subscription spends one token; the values of an admitted subscription flow
// under ordinary demand and are not paced further.
//
// The limiter operates in two modes:
//   - "wait": Subscribe blocks the subscribing goroutine until a token is
//     available or the context ends (default)
//   - "drop": Subscribe terminates immediately with ErrRateLimited when no
//     token is available
//
// CRITICAL: RateLimiter is a STATEFUL connector that maintains an internal
// token bucket. Create it once and reuse it - a limiter built per request
// starts with a full bucket every time and admits everything.
//
// Layer it with a CircuitBreaker for full protection of a flaky, rate-bound
// upstream:
//
//	var quote = pubz.NewRateLimiter("quote-limit",
//	    pubz.NewCircuitBreaker("quote-breaker", fetchQuote, 5, 30*time.Second),
//	    100, // sustained subscriptions per second
//	    10,  // burst capacity
//	)
type RateLimiter[T any] struct {
	name    Name
	src     One[T]
	limiter *rate.Limiter
	mode    string
	mu      sync.RWMutex
}

// NewRateLimiter creates a new RateLimiter connector around src.
// The ratePerSecond parameter sets the sustained subscription rate.
// The burst parameter sets the maximum burst size.
func NewRateLimiter[T any](name Name, src One[T], ratePerSecond float64, burst int) *RateLimiter[T] {
	if src == nil {
		panic("pubz.NewRateLimiter: source cannot be nil")
	}
	return &RateLimiter[T]{
		name:    name,
		src:     src,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		mode:    modeWait, // Default to wait mode
	}
}

// Subscribe implements the One interface. Admission happens before the
// source is touched: a refused subscription never activates the producer.
func (r *RateLimiter[T]) Subscribe(ctx context.Context, sub Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.RLock()
	limiter := r.limiter
	mode := r.mode
	r.mu.RUnlock()

	switch mode {
	case modeDrop:
		if !limiter.Allow() {
			subscribeFail(ctx, r.name, ErrRateLimited, sub)
			return
		}
	default:
		if err := limiter.Wait(ctx); err != nil {
			subscribeFail(ctx, r.name, err, sub)
			return
		}
	}

	r.src.Subscribe(ctx, sub)
}

// SetRate updates the rate limit (subscriptions per second).
func (r *RateLimiter[T]) SetRate(ratePerSecond float64) *RateLimiter[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimit(rate.Limit(ratePerSecond))
	return r
}

// SetBurst updates the burst capacity.
func (r *RateLimiter[T]) SetBurst(burst int) *RateLimiter[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetBurst(burst)
	return r
}

// SetMode sets the rate limiting mode ("wait" or "drop").
func (r *RateLimiter[T]) SetMode(mode string) *RateLimiter[T] {
	if mode != modeWait && mode != modeDrop {
		// Invalid mode, ignore
		return r
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	return r
}

// GetRate returns the current rate limit.
func (r *RateLimiter[T]) GetRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return float64(r.limiter.Limit())
}

// GetBurst returns the current burst capacity.
func (r *RateLimiter[T]) GetBurst() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.Burst()
}

// GetMode returns the current mode ("wait" or "drop").
func (r *RateLimiter[T]) GetMode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Name returns the name of this connector.
func (r *RateLimiter[T]) Name() Name {
	return r.name
}

func (*RateLimiter[T]) single() {}

package pubz

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the CircuitBreaker connector.
const (
	// Metrics.
	BreakerTrialsTotal    = metricz.Key("breaker.trials.total")
	BreakerRejectedTotal  = metricz.Key("breaker.rejected.total")
	BreakerSuccessesTotal = metricz.Key("breaker.successes.total")
	BreakerFailuresTotal  = metricz.Key("breaker.failures.total")
	BreakerOpenedTotal    = metricz.Key("breaker.opened.total")
	BreakerState          = metricz.Key("breaker.state")

	// Spans.
	BreakerTrialSpan = tracez.Key("breaker.trial")

	// Tags.
	BreakerTagName    = tracez.Tag("breaker.name")
	BreakerTagOutcome = tracez.Tag("breaker.outcome")
	BreakerTagError   = tracez.Tag("breaker.error")

	// Hook event keys.
	BreakerEventOpened   = hookz.Key("breaker.opened")
	BreakerEventClosed   = hookz.Key("breaker.closed")
	BreakerEventHalfOpen = hookz.Key("breaker.half-open")
	BreakerEventRejected = hookz.Key("breaker.rejected")
)

// ErrBreakerOpen terminates subscriptions rejected by an open circuit.
// Match it to route rejections into a fallback flow:
//
//	guarded := pubz.NewCircuitBreaker("api", lookup, 5, 30*time.Second)
//	safe := pubz.OnErrorReturnOne("safe", guarded, cached, pubz.MatchIs(pubz.ErrBreakerOpen))
var ErrBreakerOpen = errors.New("circuit breaker is open")

// Circuit states reported by GetState.
const (
	stateClosed   = "closed"
	stateOpen     = "open"
	stateHalfOpen = "half-open"
)

// Gauge values for the breaker.state metric, by state.
const (
	breakerGaugeClosed   = 0
	breakerGaugeHalfOpen = 1
	breakerGaugeOpen     = 2
)

// BreakerEvent represents a circuit state change or a rejected subscription.
type BreakerEvent struct {
	Name       Name      // Connector name
	State      string    // State after the event
	Generation int       // Probe-window generation
	Failures   int       // Consecutive failures at the time of the event
	Timestamp  time.Time // When the event occurred
}

// CircuitBreaker guards a One against a failing producer by rejecting
// subscriptions while the producer is known to be down. It implements the
// circuit breaker pattern with three states:
//   - Closed: normal operation, subscriptions pass through to the source
//   - Open: subscriptions fail immediately with ErrBreakerOpen
//   - Half-Open: probing, limited trials check whether the source recovered
//
// Every subscription that reaches the source is a trial: a terminal
// OnComplete counts as a success, a terminal OnError as a failure. The
// circuit opens after consecutive failures reach the threshold and stays
// open for the reset timeout; the next subscription after the timeout runs
// as a half-open probe. A canceled trial records no outcome, and element
// failures absorbed downstream by OnErrorContinue never reach the terminal,
// so they are not counted either.
//
// CRITICAL: CircuitBreaker is a STATEFUL connector that tracks failures
// across subscriptions. Create it once and reuse it - a breaker built per
// request starts closed every time and can never open.
//
// Example:
//
//	var quoteBreaker = pubz.NewCircuitBreaker(
//	    "quote-breaker",
//	    fetchQuote,        // One[Quote] backed by the flaky upstream
//	    5,                 // Open after 5 consecutive failures
//	    30*time.Second,    // Probe recovery after 30s
//	)
//
//	func quote(ctx context.Context) (Quote, bool, error) {
//	    return pubz.GetOne(ctx, quoteBreaker)
//	}
//
// # Observability
//
// CircuitBreaker provides observability through metrics, tracing, and events:
//
// Metrics:
//   - breaker.trials.total: Counter of subscriptions forwarded to the source
//   - breaker.rejected.total: Counter of subscriptions refused while open
//   - breaker.successes.total: Counter of trials reaching OnComplete
//   - breaker.failures.total: Counter of trials reaching OnError
//   - breaker.opened.total: Counter of transitions into the open state
//   - breaker.state: Gauge of the current state (0 closed, 1 half-open, 2 open)
//
// Traces:
//   - breaker.trial: Span covering one subscription to the source
//
// Events (via hooks):
//   - breaker.opened: Fired when the circuit opens
//   - breaker.closed: Fired when a probe closes the circuit
//   - breaker.half-open: Fired when the reset timeout elapses
//   - breaker.rejected: Fired for each subscription refused while open
//
// Example with hooks:
//
//	breaker.OnOpened(func(ctx context.Context, event pubz.BreakerEvent) error {
//	    alert.Page("quote upstream down after %d failures", event.Failures)
//	    return nil
//	})
type CircuitBreaker[T any] struct {
	lastFailTime     time.Time
	src              One[T]
	clock            clockz.Clock
	name             Name
	state            string
	mu               sync.Mutex
	resetTimeout     time.Duration
	generation       int
	failureThreshold int
	successThreshold int
	failures         int
	successes        int

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[BreakerEvent]
}

// NewCircuitBreaker creates a new CircuitBreaker connector around src.
// The failureThreshold sets how many consecutive failures trigger opening.
// The resetTimeout sets how long to wait before probing recovery.
func NewCircuitBreaker[T any](name Name, src One[T], failureThreshold int, resetTimeout time.Duration) *CircuitBreaker[T] {
	if src == nil {
		panic("pubz.NewCircuitBreaker: source cannot be nil")
	}
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	metrics := metricz.New()
	metrics.Counter(BreakerTrialsTotal)
	metrics.Counter(BreakerRejectedTotal)
	metrics.Counter(BreakerSuccessesTotal)
	metrics.Counter(BreakerFailuresTotal)
	metrics.Counter(BreakerOpenedTotal)
	metrics.Gauge(BreakerState)

	return &CircuitBreaker[T]{
		name:             name,
		src:              src,
		failureThreshold: failureThreshold,
		successThreshold: 1, // Default: 1 success to close from half-open
		resetTimeout:     resetTimeout,
		state:            stateClosed,
		metrics:          metrics,
		tracer:           tracez.New(),
		hooks:            hookz.New[BreakerEvent](),
	}
}

// Subscribe implements the One interface. While the circuit is open the
// subscription terminates immediately with an Error carrying ErrBreakerOpen;
// otherwise it is forwarded to the source and its terminal is recorded.
func (cb *CircuitBreaker[T]) Subscribe(ctx context.Context, sub Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}

	cb.mu.Lock()
	probing := false
	if cb.state == stateOpen && cb.getClock().Since(cb.lastFailTime) > cb.resetTimeout {
		cb.state = stateHalfOpen
		cb.failures = 0
		cb.successes = 0
		cb.generation++
		probing = true
	}
	state := cb.state
	generation := cb.generation
	failures := cb.failures
	cb.mu.Unlock()

	if probing {
		cb.metrics.Gauge(BreakerState).Set(breakerGaugeHalfOpen)
		cb.emit(BreakerEventHalfOpen, stateHalfOpen, generation, 0)
	}

	if state == stateOpen {
		cb.metrics.Counter(BreakerRejectedTotal).Inc()
		cb.emit(BreakerEventRejected, state, generation, failures)
		subscribeFail(ctx, cb.name, ErrBreakerOpen, sub)
		return
	}

	cb.metrics.Counter(BreakerTrialsTotal).Inc()
	trialCtx, span := cb.tracer.StartSpan(ctx, BreakerTrialSpan)
	span.SetTag(BreakerTagName, string(cb.name))
	finish := func(outcome string, err error) {
		span.SetTag(BreakerTagOutcome, outcome)
		if err != nil {
			span.SetTag(BreakerTagError, err.Error())
		}
		span.Finish()
	}

	cb.src.Subscribe(trialCtx, &breakerTrial[T]{
		breaker:    cb,
		down:       sub,
		generation: generation,
		finishSpan: finish,
	})
}

// onSuccess records a trial that completed.
func (cb *CircuitBreaker[T]) onSuccess(generation int) {
	cb.mu.Lock()
	// Outcomes from a previous generation are stale; discarding them keeps
	// half-open accounting tied to the trials of the current probe window.
	if cb.generation != generation {
		cb.mu.Unlock()
		return
	}
	closed := false
	switch cb.state {
	case stateClosed:
		cb.failures = 0
	case stateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = stateClosed
			cb.failures = 0
			cb.successes = 0
			closed = true
		}
	}
	gen := cb.generation
	cb.mu.Unlock()

	cb.metrics.Counter(BreakerSuccessesTotal).Inc()
	if closed {
		cb.metrics.Gauge(BreakerState).Set(breakerGaugeClosed)
		cb.emit(BreakerEventClosed, stateClosed, gen, 0)
	}
}

// onFailure records a trial that terminated with an error.
func (cb *CircuitBreaker[T]) onFailure(generation int) {
	cb.mu.Lock()
	if cb.generation != generation {
		cb.mu.Unlock()
		return
	}
	cb.lastFailTime = cb.getClock().Now()
	opened := false
	failures := 0
	switch cb.state {
	case stateClosed:
		cb.failures++
		failures = cb.failures
		if cb.failures >= cb.failureThreshold {
			cb.state = stateOpen
			opened = true
		}
	case stateHalfOpen:
		// Any failure during the probe window reopens the circuit.
		cb.state = stateOpen
		cb.failures = 0
		cb.successes = 0
		opened = true
	}
	gen := cb.generation
	cb.mu.Unlock()

	cb.metrics.Counter(BreakerFailuresTotal).Inc()
	if opened {
		cb.metrics.Counter(BreakerOpenedTotal).Inc()
		cb.metrics.Gauge(BreakerState).Set(breakerGaugeOpen)
		cb.emit(BreakerEventOpened, stateOpen, gen, failures)
	}
}

func (cb *CircuitBreaker[T]) emit(key hookz.Key, state string, generation, failures int) {
	_ = cb.hooks.Emit(context.Background(), key, BreakerEvent{ //nolint:errcheck
		Name:       cb.name,
		State:      state,
		Generation: generation,
		Failures:   failures,
		Timestamp:  time.Now(),
	})
}

// SetFailureThreshold updates the consecutive failures needed to open the circuit.
func (cb *CircuitBreaker[T]) SetFailureThreshold(n int) *CircuitBreaker[T] {
	if n < 1 {
		n = 1
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureThreshold = n
	return cb
}

// SetSuccessThreshold updates the successes needed to close from half-open state.
func (cb *CircuitBreaker[T]) SetSuccessThreshold(n int) *CircuitBreaker[T] {
	if n < 1 {
		n = 1
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.successThreshold = n
	return cb
}

// SetResetTimeout updates the time to wait before probing recovery.
func (cb *CircuitBreaker[T]) SetResetTimeout(d time.Duration) *CircuitBreaker[T] {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetTimeout = d
	return cb
}

// GetState returns the current circuit state.
func (cb *CircuitBreaker[T]) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Report the pending transition without performing it; the next
	// subscription owns the actual state change.
	if cb.state == stateOpen && cb.getClock().Since(cb.lastFailTime) > cb.resetTimeout {
		return stateHalfOpen
	}

	return cb.state
}

// GetFailureThreshold returns the current failure threshold.
func (cb *CircuitBreaker[T]) GetFailureThreshold() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureThreshold
}

// GetSuccessThreshold returns the current success threshold.
func (cb *CircuitBreaker[T]) GetSuccessThreshold() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.successThreshold
}

// GetResetTimeout returns the current reset timeout.
func (cb *CircuitBreaker[T]) GetResetTimeout() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resetTimeout
}

// Reset manually resets the circuit to closed state. Outcomes of trials
// already in flight are discarded.
func (cb *CircuitBreaker[T]) Reset() *CircuitBreaker[T] {
	cb.mu.Lock()
	cb.state = stateClosed
	cb.failures = 0
	cb.successes = 0
	cb.generation++
	cb.mu.Unlock()
	cb.metrics.Gauge(BreakerState).Set(breakerGaugeClosed)
	return cb
}

// WithClock sets a custom clock for testing.
func (cb *CircuitBreaker[T]) WithClock(clock clockz.Clock) *CircuitBreaker[T] {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

// getClock returns the clock to use.
func (cb *CircuitBreaker[T]) getClock() clockz.Clock {
	if cb.clock == nil {
		return clockz.RealClock
	}
	return cb.clock
}

// Name returns the name of this connector.
func (cb *CircuitBreaker[T]) Name() Name {
	return cb.name
}

func (*CircuitBreaker[T]) single() {}

// Metrics returns the metrics registry for this connector.
func (cb *CircuitBreaker[T]) Metrics() *metricz.Registry {
	return cb.metrics
}

// Tracer returns the tracer for this connector.
func (cb *CircuitBreaker[T]) Tracer() *tracez.Tracer {
	return cb.tracer
}

// Close gracefully shuts down observability components.
func (cb *CircuitBreaker[T]) Close() error {
	if cb.tracer != nil {
		cb.tracer.Close()
	}
	cb.hooks.Close()
	return nil
}

// OnOpened registers a handler fired when the circuit opens.
func (cb *CircuitBreaker[T]) OnOpened(handler func(context.Context, BreakerEvent) error) error {
	_, err := cb.hooks.Hook(BreakerEventOpened, handler)
	return err
}

// OnClosed registers a handler fired when a probe closes the circuit.
func (cb *CircuitBreaker[T]) OnClosed(handler func(context.Context, BreakerEvent) error) error {
	_, err := cb.hooks.Hook(BreakerEventClosed, handler)
	return err
}

// OnHalfOpen registers a handler fired when the reset timeout elapses and
// the circuit starts probing.
func (cb *CircuitBreaker[T]) OnHalfOpen(handler func(context.Context, BreakerEvent) error) error {
	_, err := cb.hooks.Hook(BreakerEventHalfOpen, handler)
	return err
}

// OnRejected registers a handler fired for each subscription refused while
// the circuit is open.
func (cb *CircuitBreaker[T]) OnRejected(handler func(context.Context, BreakerEvent) error) error {
	_, err := cb.hooks.Hook(BreakerEventRejected, handler)
	return err
}

// breakerTrial forwards one subscription to the source and reports its
// terminal outcome back to the breaker.
type breakerTrial[T any] struct {
	breaker    *CircuitBreaker[T]
	down       Subscriber[T]
	generation int
	finishSpan func(outcome string, err error)
}

func (t *breakerTrial[T]) OnSubscribe(sub Subscription) {
	t.down.OnSubscribe(sub)
}

func (t *breakerTrial[T]) OnNext(v T) {
	t.down.OnNext(v)
}

func (t *breakerTrial[T]) OnComplete() {
	t.finishSpan("complete", nil)
	t.breaker.onSuccess(t.generation)
	t.down.OnComplete()
}

func (t *breakerTrial[T]) OnError(err error) {
	t.finishSpan("error", err)
	t.breaker.onFailure(t.generation)
	var zero T
	t.down.OnError(wrapError(t.breaker.name, zero, err))
}

// resumeError keeps the breaker transparent to downstream recovery. An
// element failure absorbed there never becomes a terminal, so it is not
// counted against the circuit.
func (t *breakerTrial[T]) resumeError(err error, item any) bool {
	return resumeWith(t.down, err, item)
}

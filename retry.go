package pubz

import (
	"context"
	"sync"
	"sync/atomic"
)

// Retry creates a One that resubscribes src after a matching failure, up to
// maxAttempts subscriptions in total. The first completion ends the flow;
// the error of the last attempt propagates when every attempt failed.
// Matchers scope which failures are worth retrying - an unmatched error
// propagates immediately with attempts to spare. maxAttempts below 1 is
// treated as 1.
//
// Resubscription is immediate and each attempt is a fresh activation of the
// cold source, so producer side effects run once per attempt. A run that
// already delivered its value is past retrying: a failure after the value
// propagates, keeping the at-most-one guarantee intact.
//
// Use Retry for transient failures that clear on their own:
//
//	quote := pubz.Retry("quote-retry", fetchQuote, 3, pubz.MatchAs[*ConnError]())
//
// For failures that need a different flow instead of another attempt, use
// OnErrorResumeOne. For producers that stay down long enough to make
// retrying harmful, wrap the source in a CircuitBreaker first.
func Retry[T any](name Name, src One[T], maxAttempts int, matchers ...ErrorMatcher) One[T] {
	if src == nil {
		panic("pubz.Retry: source cannot be nil")
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	match := matchAny(matchers)
	return newOne(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeRetry(ctx, name, src, maxAttempts, match, true, down)
	})
}

// RetryMany mirrors Retry for multi-value sources. Every attempt
// resubscribes src from the start: elements the failed attempt already
// delivered are delivered again by the next one. Consumers that cannot
// tolerate replays should place the retry upstream of a deduplicating stage
// or cache the source instead.
func RetryMany[T any](name Name, src Many[T], maxAttempts int, matchers ...ErrorMatcher) Many[T] {
	if src == nil {
		panic("pubz.RetryMany: source cannot be nil")
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	match := matchAny(matchers)
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeRetry(ctx, name, src, maxAttempts, match, false, down)
	})
}

func subscribeRetry[T any](ctx context.Context, name Name, src Many[T], attempts int, match func(error) bool, single bool, down Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := &retryFlow[T]{
		down:     down,
		src:      src,
		ctx:      ctx,
		name:     name,
		match:    match,
		attempts: attempts,
		single:   single,
		starting: true,
	}
	down.OnSubscribe(f)
	f.start()
}

// retryFlow drives consecutive attempts against a source. Unlike repeat
// runs, attempts are not demand-gated: the source is subscribed as soon as
// the previous attempt fails, and outstanding demand transfers to the new
// subscription. The wip counter trampolines synchronous failures so a
// source that fails at subscribe never deepens the stack.
type retryFlow[T any] struct {
	down  Subscriber[T]
	src   Many[T]
	ctx   context.Context
	name  Name
	match func(error) bool

	mu       sync.Mutex
	up       Subscription
	demand   int64
	attempts int  // subscriptions remaining, including the active one
	single   bool // at-most-one flow; an emitting attempt bars retries
	emitted  bool
	starting bool // an attempt should begin
	active   bool // an attempt's subscription is live
	done     bool

	wip atomic.Int32
}

// Request implements the Subscription interface handed downstream.
func (f *retryFlow[T]) Request(n int64) {
	if n <= 0 {
		f.mu.Lock()
		up := f.up
		f.up = nil
		f.mu.Unlock()
		if up != nil {
			up.Cancel()
		}
		var zero T
		f.terminate(func() { f.down.OnError(newError(f.name, zero, ErrBadRequest)) })
		return
	}
	f.mu.Lock()
	f.demand = capDemand(f.demand, n)
	up := f.up
	f.mu.Unlock()
	if up != nil {
		up.Request(n)
	}
}

// Cancel implements the Subscription interface handed downstream.
func (f *retryFlow[T]) Cancel() {
	f.mu.Lock()
	f.done = true
	up := f.up
	f.up = nil
	f.mu.Unlock()
	if up != nil {
		up.Cancel()
	}
}

// terminate delivers a terminal exactly once.
func (f *retryFlow[T]) terminate(deliver func()) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.mu.Unlock()
	deliver()
}

// start launches pending attempts.
func (f *retryFlow[T]) start() {
	if f.wip.Add(1) != 1 {
		return
	}
	for {
		f.mu.Lock()
		launch := f.starting && !f.active && !f.done
		if launch {
			f.starting = false
			f.active = true
		}
		f.mu.Unlock()

		if launch {
			f.src.Subscribe(f.ctx, (*retryRun[T])(f))
		}
		if f.wip.Add(-1) == 0 {
			return
		}
	}
}

// retryRun receives one attempt against the source.
type retryRun[T any] retryFlow[T]

func (r *retryRun[T]) flow() *retryFlow[T] { return (*retryFlow[T])(r) }

func (r *retryRun[T]) OnSubscribe(up Subscription) {
	f := r.flow()
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		up.Cancel()
		return
	}
	f.up = up
	flush := f.demand
	f.mu.Unlock()
	if flush > 0 {
		up.Request(flush)
	}
}

func (r *retryRun[T]) OnNext(v T) {
	f := r.flow()
	f.mu.Lock()
	if f.demand != Unbounded {
		f.demand--
	}
	f.emitted = true
	done := f.done
	f.mu.Unlock()
	if !done {
		f.down.OnNext(v)
	}
}

func (r *retryRun[T]) OnComplete() {
	f := r.flow()
	f.mu.Lock()
	f.active = false
	f.up = nil
	f.mu.Unlock()
	f.terminate(f.down.OnComplete)
}

func (r *retryRun[T]) OnError(err error) {
	f := r.flow()
	f.mu.Lock()
	f.active = false
	f.up = nil
	if f.attempts > 0 {
		f.attempts--
	}
	eligible := f.attempts > 0 && !f.done && !(f.single && f.emitted)
	f.mu.Unlock()

	if eligible && f.match(err) {
		f.mu.Lock()
		if !f.done {
			f.starting = true
		}
		f.mu.Unlock()
		f.start()
		return
	}

	var zero T
	f.terminate(func() { f.down.OnError(wrapError(f.name, zero, err)) })
}

// resumeError keeps the retry transparent to downstream recovery. Element
// failures absorbed there never terminate the attempt, so they do not spend
// attempts either.
func (r *retryRun[T]) resumeError(err error, item any) bool {
	return resumeWith(r.flow().down, err, item)
}

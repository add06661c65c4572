package pubz

import (
	"context"
	"errors"
	"sync"
)

// ErrorMatcher scopes a recovery operator to the failures it should handle.
// Matchers given to the same operator are ORed together; an operator with no
// matchers handles every error.
type ErrorMatcher func(error) bool

// MatchIs builds an ErrorMatcher from errors.Is against target.
func MatchIs(target error) ErrorMatcher {
	return func(err error) bool {
		return errors.Is(err, target)
	}
}

// MatchAs builds an ErrorMatcher that matches when errors.As can extract E
// from the chain.
//
//	pubz.OnErrorReturn("safe", flow, fallback, pubz.MatchAs[*QuotaError]())
func MatchAs[E error]() ErrorMatcher {
	return func(err error) bool {
		var e E
		return errors.As(err, &e)
	}
}

// matchAny folds matchers into a single predicate. No matchers means every
// error matches.
func matchAny(matchers []ErrorMatcher) func(error) bool {
	if len(matchers) == 0 {
		return func(error) bool { return true }
	}
	return func(err error) bool {
		for _, m := range matchers {
			if m != nil && m(err) {
				return true
			}
		}
		return false
	}
}

// errorResumer is the capability a downstream subscriber exposes when it can
// absorb a per-element failure and let the flow continue. Element-processing
// operators probe for it at their own failure sites; recovery operators are
// deliberate boundaries and do not forward the probe.
type errorResumer interface {
	resumeError(err error, item any) bool
}

// resumeWith probes down for the resume capability. Returns true when the
// failure was absorbed and the caller should request a replacement element
// instead of terminating.
func resumeWith(down any, err error, item any) bool {
	if r, ok := down.(errorResumer); ok {
		return r.resumeError(err, item)
	}
	return false
}

// OnErrorReturn creates a Many that replaces a matching Error signal from src
// with the fallback value followed by completion. Elements emitted before the
// failure pass through untouched; non-matching errors propagate unchanged.
//
// Example:
//
//	prices := pubz.OnErrorReturn("price-or-zero", fetchPrices(), 0.0,
//	    pubz.MatchIs(ErrRateLimited))
func OnErrorReturn[T any](name Name, src Many[T], fallback T, matchers ...ErrorMatcher) Many[T] {
	if src == nil {
		panic("pubz.OnErrorReturn: source cannot be nil")
	}
	return OnErrorResume(name, src, func(error) Many[T] {
		return FromSlice(name, []T{fallback})
	}, matchers...)
}

// OnErrorReturnOne mirrors OnErrorReturn for single values.
func OnErrorReturnOne[T any](name Name, src One[T], fallback T, matchers ...ErrorMatcher) One[T] {
	if src == nil {
		panic("pubz.OnErrorReturnOne: source cannot be nil")
	}
	match := matchAny(matchers)
	return newOne(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeResume(ctx, name, src, func(error) Many[T] {
			return FromSlice(name, []T{fallback})
		}, match, down)
	})
}

// OnErrorResume creates a Many that, when src fails with a matching error,
// subscribes the publisher fn builds from that error and continues with its
// signals. Demand the downstream has outstanding transfers to the fallback.
// Non-matching errors propagate unchanged; a fn panic or nil result becomes
// the terminal Error instead.
//
// Example:
//
//	feed := pubz.OnErrorResume("live-or-cached", liveFeed(),
//	    func(err error) pubz.Many[Quote] { return cachedFeed() },
//	    pubz.MatchAs[*ConnError]())
func OnErrorResume[T any](name Name, src Many[T], fn func(error) Many[T], matchers ...ErrorMatcher) Many[T] {
	if src == nil {
		panic("pubz.OnErrorResume: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.OnErrorResume: fn cannot be nil")
	}
	match := matchAny(matchers)
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeResume(ctx, name, src, fn, match, down)
	})
}

// OnErrorResumeOne mirrors OnErrorResume for single values.
func OnErrorResumeOne[T any](name Name, src One[T], fn func(error) One[T], matchers ...ErrorMatcher) One[T] {
	if src == nil {
		panic("pubz.OnErrorResumeOne: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.OnErrorResumeOne: fn cannot be nil")
	}
	match := matchAny(matchers)
	return newOne(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeResume(ctx, name, src, func(err error) Many[T] {
			return fn(err)
		}, match, down)
	})
}

func subscribeResume[T any](ctx context.Context, name Name, src Many[T], fn func(error) Many[T], match func(error) bool, down Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := &resumeFlow[T]{down: down, fn: fn, match: match, ctx: ctx, name: name}
	src.Subscribe(ctx, (*resumePrimary[T])(f))
}

// resumeFlow coordinates an on-error-resume subscription. Outstanding demand
// is tracked so the fallback publisher can be flushed with whatever the
// failed source did not deliver.
type resumeFlow[T any] struct {
	down  Subscriber[T]
	fn    func(error) Many[T]
	match func(error) bool
	ctx   context.Context
	name  Name

	mu     sync.Mutex
	up     Subscription
	demand int64
	done   bool
}

// Request implements the Subscription interface handed downstream. Demand
// is recorded unconditionally: a request racing the switch to the fallback
// reaches a dead subscription, and only the recorded amount makes it into
// the flush.
func (f *resumeFlow[T]) Request(n int64) {
	f.mu.Lock()
	if n > 0 {
		f.demand = capDemand(f.demand, n)
	}
	up := f.up
	f.mu.Unlock()
	if up != nil {
		up.Request(n)
	}
}

// Cancel implements the Subscription interface handed downstream.
func (f *resumeFlow[T]) Cancel() {
	f.mu.Lock()
	f.done = true
	up := f.up
	f.up = nil
	f.mu.Unlock()
	if up != nil {
		up.Cancel()
	}
}

// resumePrimary watches the source for a matching failure.
type resumePrimary[T any] resumeFlow[T]

func (s *resumePrimary[T]) flow() *resumeFlow[T] { return (*resumeFlow[T])(s) }

func (s *resumePrimary[T]) OnSubscribe(up Subscription) {
	f := s.flow()
	f.mu.Lock()
	f.up = up
	f.mu.Unlock()
	f.down.OnSubscribe(f)
}

func (s *resumePrimary[T]) OnNext(v T) {
	f := s.flow()
	f.mu.Lock()
	if f.demand != Unbounded {
		f.demand--
	}
	done := f.done
	f.mu.Unlock()
	if !done {
		f.down.OnNext(v)
	}
}

func (s *resumePrimary[T]) OnComplete() {
	f := s.flow()
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if !done {
		f.down.OnComplete()
	}
}

func (s *resumePrimary[T]) OnError(err error) {
	f := s.flow()
	var zero T
	flowErr := wrapError(f.name, zero, err)

	f.mu.Lock()
	recovering := !f.done && f.match(flowErr)
	f.mu.Unlock()

	if !recovering {
		f.down.OnError(flowErr)
		return
	}

	fallback, buildErr := applyFn(f.ctx, func(context.Context, struct{}) (Many[T], error) {
		return f.fn(flowErr), nil
	}, struct{}{})
	if buildErr == nil && fallback == nil {
		buildErr = errResumeNil
	}
	if buildErr != nil {
		f.down.OnError(wrapError(f.name, zero, buildErr))
		return
	}
	fallback.Subscribe(f.ctx, (*resumeFallback[T])(f))
}

// resumeFallback forwards the fallback publisher after a matched failure.
type resumeFallback[T any] resumeFlow[T]

func (s *resumeFallback[T]) flow() *resumeFlow[T] { return (*resumeFlow[T])(s) }

func (s *resumeFallback[T]) OnSubscribe(up Subscription) {
	f := s.flow()
	f.mu.Lock()
	f.up = up
	flush := f.demand
	f.mu.Unlock()
	if flush > 0 {
		up.Request(flush)
	}
}

func (s *resumeFallback[T]) OnNext(v T) {
	s.flow().down.OnNext(v)
}

func (s *resumeFallback[T]) OnComplete() {
	s.flow().down.OnComplete()
}

func (s *resumeFallback[T]) OnError(err error) {
	f := s.flow()
	var zero T
	f.down.OnError(wrapError(f.name, zero, err))
}

var errResumeNil = errors.New("resume factory returned a nil publisher")

// OnErrorMap creates a Many that passes src through and replaces a matching
// terminal Error with fn(err). The mapper receives the error as it would
// have been delivered, Path and all; its result is delivered verbatim, so a
// mapper that wants flow metadata preserved should wrap rather than replace.
// Returning nil keeps the original error.
func OnErrorMap[T any](name Name, src Many[T], fn func(error) error, matchers ...ErrorMatcher) Many[T] {
	if src == nil {
		panic("pubz.OnErrorMap: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.OnErrorMap: fn cannot be nil")
	}
	match := matchAny(matchers)
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &errorMapSubscriber[T]{down: down, fn: fn, match: match, ctx: ctx, name: name})
	})
}

// OnErrorMapOne mirrors OnErrorMap for single values.
func OnErrorMapOne[T any](name Name, src One[T], fn func(error) error, matchers ...ErrorMatcher) One[T] {
	if src == nil {
		panic("pubz.OnErrorMapOne: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.OnErrorMapOne: fn cannot be nil")
	}
	match := matchAny(matchers)
	return newOne(name, func(ctx context.Context, down Subscriber[T]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &errorMapSubscriber[T]{down: down, fn: fn, match: match, ctx: ctx, name: name})
	})
}

type errorMapSubscriber[T any] struct {
	down  Subscriber[T]
	fn    func(error) error
	match func(error) bool
	ctx   context.Context
	name  Name
}

func (s *errorMapSubscriber[T]) OnSubscribe(up Subscription) {
	s.down.OnSubscribe(up)
}

func (s *errorMapSubscriber[T]) OnNext(v T) {
	s.down.OnNext(v)
}

func (s *errorMapSubscriber[T]) OnComplete() {
	s.down.OnComplete()
}

func (s *errorMapSubscriber[T]) OnError(err error) {
	var zero T
	flowErr := wrapError(s.name, zero, err)
	if !s.match(flowErr) {
		s.down.OnError(flowErr)
		return
	}
	mapped, applyErr := applyFn(s.ctx, func(_ context.Context, in error) (error, error) {
		return s.fn(in), nil
	}, flowErr)
	if applyErr != nil {
		s.down.OnError(wrapError(s.name, zero, applyErr))
		return
	}
	if mapped == nil {
		mapped = flowErr
	}
	s.down.OnError(mapped)
}

// OnErrorContinue creates a Many that absorbs failures raised while
// processing individual elements inside src - a Map fn returning an error, a
// Filter predicate failing, a FlatMapEach inner sequence erroring - and
// keeps the flow alive: handler observes the failure and the element that
// caused it, the faulty element is dropped, and processing continues with
// the next one.
//
// Only per-element processing failures are recoverable. A terminal Error
// emitted by the source itself has no element to skip past and propagates
// normally.
//
// Example:
//
//	parsed := pubz.OnErrorContinue("parse-all",
//	    pubz.Map("parse", lines, parseLine),
//	    func(err error, item any) {
//	        log.Printf("skipping %v: %v", item, err)
//	    })
func OnErrorContinue[T any](name Name, src Many[T], handler func(err error, item any)) Many[T] {
	if src == nil {
		panic("pubz.OnErrorContinue: source cannot be nil")
	}
	if handler == nil {
		panic("pubz.OnErrorContinue: handler cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &continueSubscriber[T]{down: down, handler: handler, name: name})
	})
}

type continueSubscriber[T any] struct {
	down    Subscriber[T]
	handler func(err error, item any)
	name    Name
}

func (s *continueSubscriber[T]) OnSubscribe(up Subscription) {
	s.down.OnSubscribe(up)
}

func (s *continueSubscriber[T]) OnNext(v T) {
	s.down.OnNext(v)
}

func (s *continueSubscriber[T]) OnComplete() {
	s.down.OnComplete()
}

func (s *continueSubscriber[T]) OnError(err error) {
	var zero T
	s.down.OnError(wrapError(s.name, zero, err))
}

// resumeError absorbs element failures probed by upstream processing
// operators.
func (s *continueSubscriber[T]) resumeError(err error, item any) bool {
	s.handler(err, item)
	return true
}

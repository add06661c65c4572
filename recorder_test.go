package pubz

import (
	"context"
	"sync"
)

// recorder is a test Subscriber that records every signal it receives.
// By default it requests Unbounded demand at OnSubscribe; newBoundedRecorder
// requests a fixed initial amount and leaves further demand to the test.
type recorder[T any] struct {
	mu      sync.Mutex
	sub     Subscription
	signals []Signal[T]
	initial int64
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{initial: Unbounded}
}

func newBoundedRecorder[T any](initial int64) *recorder[T] {
	return &recorder[T]{initial: initial}
}

func (r *recorder[T]) OnSubscribe(sub Subscription) {
	r.mu.Lock()
	r.sub = sub
	n := r.initial
	r.mu.Unlock()
	if n != 0 {
		sub.Request(n)
	}
}

func (r *recorder[T]) OnNext(v T) {
	r.mu.Lock()
	r.signals = append(r.signals, NextSignal(v))
	r.mu.Unlock()
}

func (r *recorder[T]) OnComplete() {
	r.mu.Lock()
	r.signals = append(r.signals, CompleteSignal[T]())
	r.mu.Unlock()
}

func (r *recorder[T]) OnError(err error) {
	r.mu.Lock()
	r.signals = append(r.signals, ErrorSignal[T](err))
	r.mu.Unlock()
}

// request forwards demand to the recorded subscription.
func (r *recorder[T]) request(n int64) {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	sub.Request(n)
}

// cancel cancels the recorded subscription.
func (r *recorder[T]) cancel() {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	sub.Cancel()
}

// values returns the delivered elements in order.
func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, s := range r.signals {
		if s.Kind() == KindNext {
			out = append(out, s.Value())
		}
	}
	return out
}

// all returns a copy of every recorded signal.
func (r *recorder[T]) all() []Signal[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signal[T], len(r.signals))
	copy(out, r.signals)
	return out
}

// completed reports whether the last recorded signal is a completion.
func (r *recorder[T]) completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals) > 0 && r.signals[len(r.signals)-1].Kind() == KindComplete
}

// err returns the recorded terminal error, or nil.
func (r *recorder[T]) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.signals {
		if s.Kind() == KindError {
			return s.Err()
		}
	}
	return nil
}

// terminated reports whether any terminal signal has been recorded.
func (r *recorder[T]) terminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.signals {
		if s.Kind() != KindNext {
			return true
		}
	}
	return false
}

// noopSubscription satisfies Subscription for subscribers built by hand in
// tests.
type noopSubscription struct{}

func (noopSubscription) Request(int64) {}
func (noopSubscription) Cancel()       {}

// never is a publisher that hands out an inert subscription and then stays
// silent, for exercising blocking-consumer timeouts.
func never[T any](name Name) Many[T] {
	return newMany(name, func(_ context.Context, sub Subscriber[T]) {
		sub.OnSubscribe(noopSubscription{})
	})
}

// neverOne is the One-shaped counterpart of never.
func neverOne[T any](name Name) One[T] {
	return newOne(name, func(_ context.Context, sub Subscriber[T]) {
		sub.OnSubscribe(noopSubscription{})
	})
}

package pubz

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Values creates a Many that emits the given values in order and completes.
// This is the most common multi-value source - use it when the elements are
// already in hand.
//
// Example:
//
//	nums := pubz.Values("nums", 1, 2, 3)
//	vs, _ := pubz.Slice(ctx, nums) // [1 2 3]
func Values[T any](name Name, values ...T) Many[T] {
	return FromSlice(name, values)
}

// FromSlice creates a Many that emits each element of the slice in order and
// completes. The slice is not copied; callers that mutate it after
// construction will see the mutation in later subscriptions.
func FromSlice[T any](name Name, values []T) Many[T] {
	return newMany(name, func(ctx context.Context, sub Subscriber[T]) {
		pull, peek := sliceProducer(values)
		subscribePull(ctx, name, pull, peek, sub)
	})
}

// FromSeq creates a Many over any iter.Seq producer. The sequence is ranged
// lazily, one element per unit of demand, so producers that perform work per
// element only perform it for elements that were actually requested.
//
// A panic inside the sequence terminates the subscription with an Error
// signal rather than crashing the requester.
//
// Example:
//
//	lines := pubz.FromSeq("lines", scanLines(r))
func FromSeq[T any](name Name, seq iter.Seq[T]) Many[T] {
	if seq == nil {
		panic("pubz.FromSeq: seq cannot be nil")
	}
	return newMany(name, func(ctx context.Context, sub Subscriber[T]) {
		subscribeSeq(ctx, name, seq, sub)
	})
}

// Range creates a Many that counts from start, emitting count consecutive
// integers. A zero count completes immediately.
func Range(name Name, start, count int) Many[int] {
	if count < 0 {
		panic("pubz.Range: count cannot be negative")
	}
	return newMany(name, func(ctx context.Context, sub Subscriber[int]) {
		i := 0
		pull := func() (int, bool) {
			if i >= count {
				return 0, false
			}
			v := start + i
			i++
			return v, true
		}
		peek := func() bool { return i >= count }
		subscribePull(ctx, name, pull, peek, sub)
	})
}

// Empty creates a Many that completes without emitting.
func Empty[T any](name Name) Many[T] {
	return newMany(name, func(ctx context.Context, sub Subscriber[T]) {
		pull, peek := sliceProducer[T](nil)
		subscribePull(ctx, name, pull, peek, sub)
	})
}

// Fail creates a Many that terminates every subscription with err.
func Fail[T any](name Name, err error) Many[T] {
	if err == nil {
		panic("pubz.Fail: error cannot be nil")
	}
	return newMany(name, func(ctx context.Context, sub Subscriber[T]) {
		subscribeFail(ctx, name, err, sub)
	})
}

// Defer creates a Many that builds a fresh publisher for every subscription.
// Use it when construction itself must not happen until someone subscribes:
// capturing the current time, reading mutable configuration, or counting how
// often a fallback was actually needed.
//
// A panic in the factory, or a nil publisher returned from it, terminates
// the subscription with an Error signal.
//
// Example:
//
//	latest := pubz.Defer("latest", func() pubz.Many[Entry] {
//	    return pubz.FromSlice("entries", journal.Snapshot())
//	})
func Defer[T any](name Name, factory func() Many[T]) Many[T] {
	if factory == nil {
		panic("pubz.Defer: factory cannot be nil")
	}
	return newMany(name, func(ctx context.Context, sub Subscriber[T]) {
		p, err := buildSafe(factory)
		if err == nil && p == nil {
			err = errDeferNil
		}
		if err != nil {
			subscribeFail(ctx, name, err, sub)
			return
		}
		p.Subscribe(ctx, sub)
	})
}

var errDeferNil = errors.New("defer factory returned a nil publisher")

// buildSafe invokes a publisher factory, converting a panic into an error.
func buildSafe[P any](factory func() P) (p P, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	p = factory()
	return p, nil
}

// Package pubz provides a lightweight, type-safe library for building lazy, composable data flows in Go.
//
// # Overview
//
// pubz enables developers to describe how values are produced, transformed, and
// consumed without executing anything until a consumer subscribes. Flows are
// cold: constructing a publisher performs no side effects, and every
// subscription re-executes the producer from the start unless an explicit
// cache is placed in the flow. This makes expensive lookups, retries, and
// fan-in logic declarative, testable, and free of hidden shared state.
//
// # Installation
//
//	go get github.com/zoobzio/pubz
//
// Requires Go 1.23+ for range-over-func iterators.
//
// # Core Concepts
//
// The library is built around two publisher interfaces:
//
//	type Many[T any] interface {
//	    Subscribe(context.Context, Subscriber[T])
//	    Name() Name
//	}
//
//	type One[T any] interface {
//	    Subscribe(context.Context, Subscriber[T])
//	    Name() Name
//	}
//
// Many produces zero or more values; One produces at most one. A One may be
// used anywhere a Many is expected. The reverse requires an explicit
// collapsing operator such as First, Last, or Collect.
//
// A subscription delivers an ordered signal sequence: zero or more OnNext
// calls followed by exactly one terminal, either OnComplete or OnError. Values
// are only emitted against outstanding demand declared through
// Subscription.Request, so a subscriber is never pushed more than it asked
// for. Request(Unbounded) opts out of flow control entirely.
//
// Key components:
//   - Publishers: Lazy descriptions of value production (Values, Range, Defer, etc.)
//   - Operators: Functions that derive new publishers from existing ones (Map, Zip, etc.)
//   - Connectors: Stateful containers that share work between subscribers (Cache, KeyedCache, etc.)
//
// Design philosophy:
//   - Publishers are immutable values (subscribe functions wrapped with metadata)
//   - Connectors are mutable pointers (configurable containers with state)
//
// Execution is demand-driven and synchronous: a source emits on the goroutine
// that requested the values. The engine starts no goroutines and contains no
// timers or sleeps; blocking happens only at explicit boundaries (the
// consumption helpers and the RateLimiter's wait mode), always on the
// caller's goroutine.
//
// # Building Publishers
//
// Single-value sources:
//
//	greeting := pubz.Value("greeting", "hello")        // exactly one value
//	maybe := pubz.Nullable("maybe", ptr)               // empty when ptr is nil
//	none := pubz.EmptyOne[string]("none")              // completes immediately
//	boom := pubz.FailOne[string]("boom", err)          // errors immediately
//	lazy := pubz.DeferOne("lazy", buildOne)            // built per subscription
//
// Multi-value sources:
//
//	nums := pubz.Values("nums", 1, 2, 3)
//	rows := pubz.FromSlice("rows", records)
//	seq := pubz.FromSeq("seq", iterator)               // any iter.Seq[T]
//	ids := pubz.Range("ids", 100, 10)                  // 100..109
//
// # Operators
//
// Transformation:
//
//	doubled := pubz.Map("double", nums, func(_ context.Context, n int) (int, error) {
//	    return n * 2, nil
//	})
//	evens := pubz.Filter("evens", nums, func(_ context.Context, n int) (bool, error) {
//	    return n%2 == 0, nil
//	})
//	users := pubz.FlatMapEach("load", ids, func(_ context.Context, id int) pubz.Many[User] {
//	    return fetchUser(id)
//	})
//
// Fallback and switching:
//
//	result := pubz.SwitchIfEmpty("fallback", primary, alternate)
//	result = pubz.DefaultIfEmpty("default", primary, User{Name: "guest"})
//	routed := pubz.SwitchOnFirst("route", feed, func(first pubz.Signal[int], rest pubz.Many[int]) pubz.Many[int] {
//	    if first.Kind() == pubz.KindNext && first.Value() < 0 {
//	        return pubz.Fail[int]("negative", errBadFeed)
//	    }
//	    return rest
//	})
//
// Error recovery:
//
//	safe := pubz.OnErrorReturn("safe", risky, -1)
//	scoped := pubz.OnErrorMap("wrap", risky, wrapErr, pubz.MatchAs[*net.OpError]())
//	resumed := pubz.OnErrorContinue("resume", risky, func(err error, item any) {
//	    log.Printf("dropped %v: %v", item, err)
//	})
//
// Combination:
//
//	pairs := pubz.Zip("pairs", names, scores)
//	sums := pubz.ZipWith("sums", a, b, func(_ context.Context, x, y int) (int, error) {
//	    return x + y, nil
//	})
//
// # Caching
//
// Cache and CacheOne memoize a publisher: the underlying source is subscribed
// at most once, concurrent first subscribers share that single execution, and
// late subscribers replay the recorded outcome, including errors.
//
//	cached := pubz.NewCacheOne("profile", expensiveLookup)
//	// N subscriptions, one execution.
//
// KeyedCache implements the cache-aside pattern over a Store: look up the key,
// produce on miss with single-flight deduplication, and write successful
// results back.
//
//	store := pubz.NewMemoryStore[string, Profile]().WithTTL(time.Minute)
//	profiles := pubz.NewKeyedCache[string, Profile]("profiles", store)
//	one := profiles.Load("user-42", func() pubz.One[Profile] {
//	    return fetchProfile("user-42")
//	})
//
// # Consuming
//
// Blocking helpers cover the common cases:
//
//	v, ok, err := pubz.GetOne(ctx, one)     // ok is false for an empty One
//	vs, err := pubz.Slice(ctx, many)
//	err = pubz.ForEach(ctx, many, handle)
//
// Custom subscribers implement Subscriber[T] directly and control demand
// through the Subscription they receive in OnSubscribe.
//
// # Error Handling
//
// pubz provides rich error information through the Error[T] type:
//
//	type Error[T any] struct {
//	    Path      []string      // Full path: ["pipeline", "load", "parse"]
//	    InputData T             // The element that caused the failure
//	    Err       error         // The underlying error
//	    Timestamp time.Time     // When the error occurred
//	    Duration  time.Duration // How long before failure
//	    Timeout   bool          // Was it a timeout?
//	    Canceled  bool          // Was it canceled?
//	}
//
// Operators prepend their name to Path as the error travels downstream, so the
// terminal OnError carries the route the failure took. Recovery operators
// accept ErrorMatcher scopes built with MatchIs and MatchAs to recover only
// the failures they understand.
//
// # Observability
//
// Stateful connectors expose metrics registries, tracers, and typed hook
// events, following the same pattern across the board:
//
//	cache := pubz.NewKeyedCache[string, Profile]("profiles", store)
//	cache.OnMiss(func(_ context.Context, e pubz.KeyedEvent[string]) error {
//	    log.Printf("miss key=%v flight=%s", e.Key, e.FlightID)
//	    return nil
//	})
//	hits := cache.Metrics().Counter(pubz.KeyedHitsTotal).Value()
//
// Simple publishers and operators carry no instrumentation; they are plain
// values and cost nothing beyond the functions they wrap.
//
// # Best Practices
//
//  1. Keep producer functions free of side effects until subscription
//  2. Use descriptive names for publishers to aid debugging; names appear in Error[T].Path
//  3. Place Cache/CacheOne directly above the expensive stage, not at the edges
//  4. Scope error recovery with matchers instead of recovering everything
//  5. Check context in long-running producer functions
//  6. Request(Unbounded) only when the consumer genuinely cannot be overrun
//  7. Let errors bubble up; recover at the flow level, not inside producers
//  8. Test flows with plain subscribers before wiring connectors
package pubz

import (
	"context"
	"math"
)

// Unbounded is the demand amount that disables flow control for a
// subscription. Requesting Unbounded lets the publisher emit as fast as it
// produces; any further Request calls are ignored.
const Unbounded = int64(math.MaxInt64)

// Name is a type alias for publisher and connector names.
// Using this type encourages storing names as constants rather than
// using inline strings throughout your code.
//
// Example:
//
//	const (
//	    LoadProfileName   Name = "load-profile"
//	    ScoreFeedName     Name = "score-feed"
//	    ProfileCacheName  Name = "profile-cache"
//	)
//
//	profile := pubz.DeferOne(LoadProfileName, buildLookup)
//	scores := pubz.FromSlice(ScoreFeedName, rows)
type Name = string

// Subscription controls one activation of a publisher. It is created during
// Subscribe and handed to the subscriber through OnSubscribe; it is owned by
// that subscriber and must not be shared.
//
// Request declares demand: the publisher may deliver at most n further
// elements before waiting for more demand. Amounts accumulate. Requesting a
// non-positive amount is a usage error and terminates the subscription with
// an Error carrying ErrBadRequest.
//
// Cancel stops the subscription. Cancellation is idempotent and takes effect
// immediately on the subscription it is called on: no further signals are
// delivered, including terminals. Cancelling a subscription to a shared
// construct (Cache, CacheOne, KeyedCache) never aborts production for the
// other subscribers.
type Subscription interface {
	Request(n int64)
	Cancel()
}

// Subscriber receives the signal sequence of one publisher activation.
//
// The contract is strict: OnSubscribe is called exactly once, before any
// other method; OnNext is called zero or more times; then exactly one of
// OnComplete or OnError is called. Nothing follows a terminal. Subscribers
// that do not call Request on the subscription they receive will not be
// delivered any values.
//
// Implementations are not called concurrently for a single subscription.
type Subscriber[T any] interface {
	OnSubscribe(Subscription)
	OnNext(T)
	OnComplete()
	OnError(error)
}

// Many is a cold publisher of zero or more values of type T.
//
// Construction never executes the producer. Each Subscribe activates an
// independent execution unless the Many is a shared connector such as Cache.
// A Many may be subscribed any number of times.
//
// Custom sources can implement Many directly, but must honor the Subscriber
// contract; the publishers built by this package enforce it mechanically.
type Many[T any] interface {
	Subscribe(ctx context.Context, sub Subscriber[T])
	Name() Name
}

// One is a cold publisher of at most one value of type T.
//
// One has the same subscription protocol as Many with the added guarantee
// that at most a single OnNext precedes the terminal. Every One satisfies
// Many[T]; the guarantee only holds in that direction, which is why One
// cannot be implemented outside this package.
type One[T any] interface {
	Subscribe(ctx context.Context, sub Subscriber[T])
	Name() Name

	// single seals the interface; the at-most-one guarantee cannot be
	// enforced on arbitrary implementations.
	single()
}

// manyFunc is the basic Many implementation: a subscribe function wrapped
// with a name. All simple multi-value publishers and operators in this
// package are manyFunc values.
type manyFunc[T any] struct {
	subscribe func(context.Context, Subscriber[T])
	name      Name
}

// Subscribe implements the Many interface.
func (m manyFunc[T]) Subscribe(ctx context.Context, sub Subscriber[T]) {
	m.subscribe(ctx, sub)
}

// Name returns the name of the publisher for debugging and error reporting.
func (m manyFunc[T]) Name() Name {
	return m.name
}

// oneFunc is the basic One implementation, mirroring manyFunc.
type oneFunc[T any] struct {
	subscribe func(context.Context, Subscriber[T])
	name      Name
}

// Subscribe implements the One interface.
func (o oneFunc[T]) Subscribe(ctx context.Context, sub Subscriber[T]) {
	o.subscribe(ctx, sub)
}

// Name returns the name of the publisher for debugging and error reporting.
func (o oneFunc[T]) Name() Name {
	return o.name
}

func (oneFunc[T]) single() {}

// newMany wraps a subscribe function as a Many.
func newMany[T any](name Name, subscribe func(context.Context, Subscriber[T])) Many[T] {
	return manyFunc[T]{name: name, subscribe: subscribe}
}

// newOne wraps a subscribe function as a One.
func newOne[T any](name Name, subscribe func(context.Context, Subscriber[T])) One[T] {
	return oneFunc[T]{name: name, subscribe: subscribe}
}

package pubz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the KeyedCache connector.
const (
	// Metrics.
	KeyedHitsTotal         = metricz.Key("keyed.hits.total")
	KeyedMissesTotal       = metricz.Key("keyed.misses.total")
	KeyedWritesTotal       = metricz.Key("keyed.writes.total")
	KeyedWriteErrorsTotal  = metricz.Key("keyed.write.errors.total")
	KeyedLookupErrorsTotal = metricz.Key("keyed.lookup.errors.total")

	// Spans.
	KeyedLoadSpan = tracez.Key("keyed.load")

	// Tags.
	KeyedTagKey   = tracez.Tag("keyed.key")
	KeyedTagHit   = tracez.Tag("keyed.hit")
	KeyedTagError = tracez.Tag("keyed.error")

	// Hook event keys.
	KeyedEventHit   = hookz.Key("keyed.hit")
	KeyedEventMiss  = hookz.Key("keyed.miss")
	KeyedEventWrite = hookz.Key("keyed.write")
)

// KeyedEvent represents a keyed cache access event.
// Emitted via hookz on store hits, on miss productions, and on write-backs.
// FlightID correlates the miss and write events of one production.
type KeyedEvent[K comparable] struct {
	Name      Name      // Connector name
	Key       K         // Cache key
	FlightID  string    // Correlation id of the miss flight (miss/write)
	Hit       bool      // Whether the store had the entry
	WriteErr  error     // Write-back failure (write only)
	Timestamp time.Time // When the event occurred
}

var errMissNil = errors.New("miss producer returned a nil publisher")

// KeyedCache is the cache-aside pattern over a Store: look the key up,
// serve hits from storage, and on a miss produce the value once per key -
// racing callers share a single flight - then write the result back.
//
// Only a successful value outcome is persisted. Empty completions and
// errors flow to the callers but leave the store untouched, so the next
// Load tries production again. A write-back failure is reported through
// metrics and hooks but does not fail the flow; the value was produced and
// the callers get it.
//
// # Observability
//
// KeyedCache provides observability through metrics, tracing, and events:
//
// Metrics:
//   - keyed.hits.total: Counter of loads served from the store
//   - keyed.misses.total: Counter of productions started
//   - keyed.writes.total: Counter of successful write-backs
//   - keyed.write.errors.total: Counter of failed write-backs
//   - keyed.lookup.errors.total: Counter of store lookup failures
//
// Traces:
//   - keyed.load: Span for the lookup and routing decision
//
// Events (via hooks):
//   - keyed.hit: Fired when the store already holds the key
//   - keyed.miss: Fired once per production flight
//   - keyed.write: Fired after the write-back attempt
//
// Example with hooks:
//
//	profiles := pubz.NewKeyedCache[string, Profile]("profiles",
//	    pubz.NewMemoryStore[string, Profile]().WithTTL(time.Minute))
//
//	profiles.OnWrite(func(ctx context.Context, event pubz.KeyedEvent[string]) error {
//	    if event.WriteErr != nil {
//	        log.Printf("flight %s could not persist %s: %v", event.FlightID, event.Key, event.WriteErr)
//	    }
//	    return nil
//	})
//
//	profile := profiles.Load(userID, func() pubz.One[Profile] {
//	    return fetchProfile(userID)
//	})
type KeyedCache[K comparable, V any] struct {
	name    Name
	store   Store[K, V]
	flights *FlightGroup[K, V]

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[KeyedEvent[K]]
}

// Lookup resolves a key against storage. The comma-ok result reports a
// miss; the error return is for storage failures.
type Lookup[K comparable, V any] func(ctx context.Context, key K) (Signal[V], bool, error)

// WriteBack persists a produced signal for a key.
type WriteBack[K comparable, V any] func(ctx context.Context, key K, sig Signal[V]) error

// NewKeyedCache creates a new KeyedCache connector over store.
func NewKeyedCache[K comparable, V any](name Name, store Store[K, V]) *KeyedCache[K, V] {
	if store == nil {
		panic("pubz.NewKeyedCache: store cannot be nil")
	}

	metrics := metricz.New()
	metrics.Counter(KeyedHitsTotal)
	metrics.Counter(KeyedMissesTotal)
	metrics.Counter(KeyedWritesTotal)
	metrics.Counter(KeyedWriteErrorsTotal)
	metrics.Counter(KeyedLookupErrorsTotal)

	return &KeyedCache[K, V]{
		name:    name,
		store:   store,
		flights: NewFlightGroup[K, V](name),
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[KeyedEvent[K]](),
	}
}

// Load resolves key through the cache-aside flow using the configured
// store for both lookup and write-back. The miss producer builds the One
// that computes the value; it is invoked at most once per flight no matter
// how many callers race on the key.
func (c *KeyedCache[K, V]) Load(key K, miss func() One[V]) One[V] {
	return c.LoadWith(key, c.store.Get, miss, c.store.Put)
}

// LoadWith is Load with an explicit lookup and write-back, for callers
// that layer storage tiers or decorate persistence. The returned One is
// lazy: nothing is looked up until it is subscribed.
func (c *KeyedCache[K, V]) LoadWith(key K, lookup Lookup[K, V], miss func() One[V], write WriteBack[K, V]) One[V] {
	if lookup == nil {
		panic("pubz.KeyedCache.LoadWith: lookup cannot be nil")
	}
	if miss == nil {
		panic("pubz.KeyedCache.LoadWith: miss cannot be nil")
	}
	if write == nil {
		panic("pubz.KeyedCache.LoadWith: write cannot be nil")
	}
	return newOne(c.name, func(ctx context.Context, down Subscriber[V]) {
		if ctx == nil {
			ctx = context.Background()
		}
		c.load(ctx, key, lookup, miss, write, down)
	})
}

func (c *KeyedCache[K, V]) load(ctx context.Context, key K, lookup Lookup[K, V], miss func() One[V], write WriteBack[K, V], down Subscriber[V]) {
	ctx, span := c.tracer.StartSpan(ctx, KeyedLoadSpan)
	span.SetTag(KeyedTagKey, fmt.Sprintf("%v", key))

	var sig Signal[V]
	var ok bool
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		sig, ok, err = lookup(ctx, key)
	}()

	if err != nil {
		span.SetTag(KeyedTagError, err.Error())
		span.Finish()
		c.metrics.Counter(KeyedLookupErrorsTotal).Inc()
		subscribeFail(ctx, c.name, err, down)
		return
	}

	if ok {
		span.SetTag(KeyedTagHit, "true")
		span.Finish()
		c.metrics.Counter(KeyedHitsTotal).Inc()
		_ = c.hooks.Emit(ctx, KeyedEventHit, KeyedEvent[K]{ //nolint:errcheck
			Name:      c.name,
			Key:       key,
			Hit:       true,
			Timestamp: time.Now(),
		})
		replayStored(ctx, c.name, sig, down)
		return
	}

	span.SetTag(KeyedTagHit, "false")
	span.Finish()

	flight := c.flights.Do(key, func() One[V] {
		id := uuid.NewString()
		c.metrics.Counter(KeyedMissesTotal).Inc()
		_ = c.hooks.Emit(ctx, KeyedEventMiss, KeyedEvent[K]{ //nolint:errcheck
			Name:      c.name,
			Key:       key,
			FlightID:  id,
			Timestamp: time.Now(),
		})

		built, buildErr := buildSafe(miss)
		if buildErr == nil && built == nil {
			buildErr = errMissNil
		}
		if buildErr != nil {
			return FailOne[V](c.name, buildErr)
		}
		return c.writeBackOne(key, id, built, write)
	})
	flight.Subscribe(ctx, down)
}

// writeBackOne wraps a production so its value outcome is persisted before
// the completion reaches the cache record. Running inside the flight keeps
// it to one write per production regardless of waiter count.
func (c *KeyedCache[K, V]) writeBackOne(key K, id string, src One[V], write WriteBack[K, V]) One[V] {
	return newOne(c.name, func(ctx context.Context, down Subscriber[V]) {
		src.Subscribe(ctx, &writeBackSubscriber[K, V]{down: down, cache: c, key: key, id: id, write: write, ctx: ctx})
	})
}

type writeBackSubscriber[K comparable, V any] struct {
	down  Subscriber[V]
	cache *KeyedCache[K, V]
	key   K
	id    string
	write WriteBack[K, V]
	ctx   context.Context
	value V
	has   bool
}

func (s *writeBackSubscriber[K, V]) OnSubscribe(up Subscription) {
	s.down.OnSubscribe(up)
}

func (s *writeBackSubscriber[K, V]) OnNext(v V) {
	s.value = v
	s.has = true
	s.down.OnNext(v)
}

func (s *writeBackSubscriber[K, V]) OnComplete() {
	if s.has {
		s.persist()
	}
	s.down.OnComplete()
}

func (s *writeBackSubscriber[K, V]) OnError(err error) {
	var zero V
	s.down.OnError(wrapError(s.cache.name, zero, err))
}

// persist writes the produced value back to storage. Failures degrade the
// cache, not the flow.
func (s *writeBackSubscriber[K, V]) persist() {
	c := s.cache
	var werr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				werr = fmt.Errorf("panic: %v", r)
			}
		}()
		werr = s.write(s.ctx, s.key, NextSignal(s.value))
	}()

	if werr != nil {
		c.metrics.Counter(KeyedWriteErrorsTotal).Inc()
	} else {
		c.metrics.Counter(KeyedWritesTotal).Inc()
	}
	_ = c.hooks.Emit(s.ctx, KeyedEventWrite, KeyedEvent[K]{ //nolint:errcheck
		Name:      c.name,
		Key:       s.key,
		FlightID:  s.id,
		WriteErr:  werr,
		Timestamp: time.Now(),
	})
}

// replayStored activates a publisher replaying a stored signal.
func replayStored[V any](ctx context.Context, name Name, sig Signal[V], down Subscriber[V]) {
	switch sig.Kind() {
	case KindNext:
		pull, peek := valueProducer(sig.Value())
		subscribePull(ctx, name, pull, peek, down)
	case KindComplete:
		pull, peek := sliceProducer[V](nil)
		subscribePull(ctx, name, pull, peek, down)
	case KindError:
		subscribeFail(ctx, name, sig.Err(), down)
	}
}

// Name returns the name of this connector.
func (c *KeyedCache[K, V]) Name() Name {
	return c.name
}

// Flights returns the flight registry deduplicating miss productions.
func (c *KeyedCache[K, V]) Flights() *FlightGroup[K, V] {
	return c.flights
}

// Metrics returns the metrics registry for this connector.
func (c *KeyedCache[K, V]) Metrics() *metricz.Registry {
	return c.metrics
}

// Tracer returns the tracer for this connector.
func (c *KeyedCache[K, V]) Tracer() *tracez.Tracer {
	return c.tracer
}

// Close gracefully shuts down observability components, including the
// underlying flight group's.
func (c *KeyedCache[K, V]) Close() error {
	if c.tracer != nil {
		c.tracer.Close()
	}
	c.hooks.Close()
	return c.flights.Close()
}

// OnHit registers a handler for loads served from the store.
func (c *KeyedCache[K, V]) OnHit(handler func(context.Context, KeyedEvent[K]) error) error {
	_, err := c.hooks.Hook(KeyedEventHit, handler)
	return err
}

// OnMiss registers a handler for production flights. It fires once per
// flight, not once per caller.
func (c *KeyedCache[K, V]) OnMiss(handler func(context.Context, KeyedEvent[K]) error) error {
	_, err := c.hooks.Hook(KeyedEventMiss, handler)
	return err
}

// OnWrite registers a handler for write-back attempts.
func (c *KeyedCache[K, V]) OnWrite(handler func(context.Context, KeyedEvent[K]) error) error {
	_, err := c.hooks.Hook(KeyedEventWrite, handler)
	return err
}

package pubz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

var errFlightNil = errors.New("flight factory returned a nil publisher")

// Observability constants for the FlightGroup connector.
const (
	// Metrics.
	FlightCreatedTotal = metricz.Key("flight.created.total")
	FlightJoinedTotal  = metricz.Key("flight.joined.total")
	FlightSettledTotal = metricz.Key("flight.settled.total")
	FlightActiveCount  = metricz.Key("flight.active")

	// Spans.
	FlightDoSpan = tracez.Key("flight.do")

	// Tags.
	FlightTagKey    = tracez.Tag("flight.key")
	FlightTagJoined = tracez.Tag("flight.joined")

	// Hook event keys.
	FlightEventCreated = hookz.Key("flight.created")
	FlightEventJoined  = hookz.Key("flight.joined")
	FlightEventSettled = hookz.Key("flight.settled")
)

// FlightEvent represents a flight lifecycle event.
// Emitted via hookz when a flight is created, joined by another caller, or
// settled by its terminal signal. FlightID correlates the three.
type FlightEvent[K comparable] struct {
	Name      Name      // Connector name
	Key       K         // Flight key
	FlightID  string    // Correlation id for this flight
	Joined    bool      // Whether an existing flight was joined
	Success   bool      // Terminal outcome (settled only)
	Err       error     // Terminal error (settled only)
	Timestamp time.Time // When the event occurred
}

// FlightGroup deduplicates concurrent production per key. Do hands every
// caller of the same key the same memoized publisher while its flight is
// open: exactly one factory execution and one source subscription serve
// them all. The entry leaves the registry when its terminal signal lands,
// so later callers start a fresh flight.
//
// This is the subscription-level analogue of singleflight: the flight is a
// publisher, callers are subscribers, and the registry guarantees the
// insert-or-get and the remove-once.
//
// # Observability
//
// FlightGroup provides observability through metrics, tracing, and events:
//
// Metrics:
//   - flight.created.total: Counter of flights opened
//   - flight.joined.total: Counter of callers attached to an open flight
//   - flight.settled.total: Counter of flights closed by a terminal
//   - flight.active: Gauge of currently open flights
//
// Traces:
//   - flight.do: Span for the insert-or-get decision
//
// Events (via hooks):
//   - flight.created: Fired when a key opens a new flight
//   - flight.joined: Fired when a caller joins an open flight
//   - flight.settled: Fired when a flight's terminal removes it
//
// Example with hooks:
//
//	group := pubz.NewFlightGroup[string, Profile]("profile-flights")
//
//	group.OnSettled(func(ctx context.Context, event pubz.FlightEvent[string]) error {
//	    if !event.Success {
//	        log.Printf("flight %s for %s failed: %v", event.FlightID, event.Key, event.Err)
//	    }
//	    return nil
//	})
//
//	profile := group.Do(userID, func() pubz.One[Profile] {
//	    return fetchProfile(userID)
//	})
type FlightGroup[K comparable, V any] struct {
	name Name

	mu      sync.Mutex
	flights map[K]*flightEntry[V]

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[FlightEvent[K]]
}

type flightEntry[V any] struct {
	cached *CacheOne[V]
	id     string
}

// NewFlightGroup creates a new FlightGroup connector.
func NewFlightGroup[K comparable, V any](name Name) *FlightGroup[K, V] {
	metrics := metricz.New()
	metrics.Counter(FlightCreatedTotal)
	metrics.Counter(FlightJoinedTotal)
	metrics.Counter(FlightSettledTotal)
	metrics.Gauge(FlightActiveCount)

	return &FlightGroup[K, V]{
		name:    name,
		flights: make(map[K]*flightEntry[V]),
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[FlightEvent[K]](),
	}
}

// Do returns the open flight for key, or opens one from factory. The
// factory builds a publisher and must not block; it runs under the group
// lock so racing callers cannot run it twice. A factory panic or nil
// result is returned as a failing One and nothing is registered.
func (g *FlightGroup[K, V]) Do(key K, factory func() One[V]) One[V] {
	if factory == nil {
		panic("pubz.FlightGroup.Do: factory cannot be nil")
	}
	ctx, span := g.tracer.StartSpan(context.Background(), FlightDoSpan)
	span.SetTag(FlightTagKey, fmt.Sprintf("%v", key))
	defer span.Finish()

	g.mu.Lock()
	if e, ok := g.flights[key]; ok {
		g.mu.Unlock()
		span.SetTag(FlightTagJoined, "true")
		g.metrics.Counter(FlightJoinedTotal).Inc()
		_ = g.hooks.Emit(ctx, FlightEventJoined, FlightEvent[K]{ //nolint:errcheck
			Name:      g.name,
			Key:       key,
			FlightID:  e.id,
			Joined:    true,
			Timestamp: time.Now(),
		})
		return e.cached
	}

	built, buildErr := buildSafe(factory)
	if buildErr == nil && built == nil {
		buildErr = errFlightNil
	}
	if buildErr != nil {
		g.mu.Unlock()
		span.SetTag(FlightTagJoined, "false")
		return FailOne[V](g.name, buildErr)
	}

	e := &flightEntry[V]{cached: NewCacheOne(g.name, built), id: uuid.NewString()}
	e.cached.afterTerminal(func(sig Signal[V]) {
		g.settle(key, e, sig)
	})
	g.flights[key] = e
	active := len(g.flights)
	g.mu.Unlock()

	span.SetTag(FlightTagJoined, "false")
	g.metrics.Counter(FlightCreatedTotal).Inc()
	g.metrics.Gauge(FlightActiveCount).Set(float64(active))
	_ = g.hooks.Emit(ctx, FlightEventCreated, FlightEvent[K]{ //nolint:errcheck
		Name:      g.name,
		Key:       key,
		FlightID:  e.id,
		Timestamp: time.Now(),
	})
	return e.cached
}

// settle removes a settled flight. The identity check makes removal safe
// against a successor flight already occupying the key.
func (g *FlightGroup[K, V]) settle(key K, e *flightEntry[V], sig Signal[V]) {
	g.mu.Lock()
	if cur, ok := g.flights[key]; ok && cur == e {
		delete(g.flights, key)
	}
	active := len(g.flights)
	g.mu.Unlock()

	g.metrics.Counter(FlightSettledTotal).Inc()
	g.metrics.Gauge(FlightActiveCount).Set(float64(active))
	_ = g.hooks.Emit(context.Background(), FlightEventSettled, FlightEvent[K]{ //nolint:errcheck
		Name:      g.name,
		Key:       key,
		FlightID:  e.id,
		Success:   sig.Kind() == KindComplete,
		Err:       sig.Err(),
		Timestamp: time.Now(),
	})
}

// Name returns the name of this connector.
func (g *FlightGroup[K, V]) Name() Name {
	return g.name
}

// Metrics returns the metrics registry for this connector.
func (g *FlightGroup[K, V]) Metrics() *metricz.Registry {
	return g.metrics
}

// Tracer returns the tracer for this connector.
func (g *FlightGroup[K, V]) Tracer() *tracez.Tracer {
	return g.tracer
}

// Close gracefully shuts down observability components.
func (g *FlightGroup[K, V]) Close() error {
	if g.tracer != nil {
		g.tracer.Close()
	}
	g.hooks.Close()
	return nil
}

// OnCreated registers a handler for new flights.
func (g *FlightGroup[K, V]) OnCreated(handler func(context.Context, FlightEvent[K]) error) error {
	_, err := g.hooks.Hook(FlightEventCreated, handler)
	return err
}

// OnJoined registers a handler for callers attaching to an open flight.
func (g *FlightGroup[K, V]) OnJoined(handler func(context.Context, FlightEvent[K]) error) error {
	_, err := g.hooks.Hook(FlightEventJoined, handler)
	return err
}

// OnSettled registers a handler for flights closed by their terminal.
func (g *FlightGroup[K, V]) OnSettled(handler func(context.Context, FlightEvent[K]) error) error {
	_, err := g.hooks.Hook(FlightEventSettled, handler)
	return err
}

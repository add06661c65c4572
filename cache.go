package pubz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the cache connectors.
const (
	// Metrics.
	CacheSubscribersTotal = metricz.Key("cache.subscribers.total")
	CacheProductionsTotal = metricz.Key("cache.productions.total")
	CacheReplaysTotal     = metricz.Key("cache.replays.total")
	CacheProductionMs     = metricz.Key("cache.production.duration.ms")

	// Spans.
	CacheProductionSpan = tracez.Key("cache.production")

	// Tags.
	CacheTagName    = tracez.Tag("cache.name")
	CacheTagOutcome = tracez.Tag("cache.outcome")
	CacheTagError   = tracez.Tag("cache.error")

	// Hook event keys.
	CacheEventProductionStarted  = hookz.Key("cache.production.started")
	CacheEventProductionFinished = hookz.Key("cache.production.finished")
)

// CacheEvent represents a cache production lifecycle event.
// Emitted via hookz when the single underlying subscription starts and when
// it reaches its terminal, giving visibility into what the cache recorded.
type CacheEvent struct {
	Name      Name          // Connector name
	Signals   int           // Values recorded (finish only)
	Success   bool          // Whether production completed without error
	Err       error         // Terminal error (if failed)
	Duration  time.Duration // Production wall time (finish only)
	Timestamp time.Time     // When the event occurred
}

// Cache states.
const (
	cacheIdle int = iota
	cacheFlying
	cacheDone
)

// Cache memoizes a Many. The first subscriber triggers exactly one
// subscription to the source; every subscriber - concurrent with production
// or arriving after it - observes the identical recorded sequence, values
// under their own demand and the terminal as soon as it is known.
//
// Production runs on a context detached from the first subscriber's
// cancellation: one waiter walking away must not abort the flight others
// are waiting on.
//
// # Observability
//
// Cache provides observability through metrics, tracing, and events:
//
// Metrics:
//   - cache.subscribers.total: Counter of subscriptions received
//   - cache.productions.total: Counter of source subscriptions (at most 1)
//   - cache.replays.total: Counter of subscribers served entirely from the record
//   - cache.production.duration.ms: Gauge of production wall time
//
// Traces:
//   - cache.production: Span covering the underlying subscription
//
// Events (via hooks):
//   - cache.production.started: Fired when the source subscription begins
//   - cache.production.finished: Fired at the recorded terminal
//
// Example with hooks:
//
//	feed := pubz.NewCache("quotes", expensiveQuoteFeed())
//
//	feed.OnProductionFinished(func(ctx context.Context, event pubz.CacheEvent) error {
//	    if !event.Success {
//	        log.Printf("quote feed failed after %v: %v", event.Duration, event.Err)
//	    }
//	    return nil
//	})
type Cache[T any] struct {
	core *cacheCore[T]
}

// NewCache creates a memoizing wrapper around src.
func NewCache[T any](name Name, src Many[T]) *Cache[T] {
	if src == nil {
		panic("pubz.NewCache: source cannot be nil")
	}
	return &Cache[T]{core: newCacheCore[T](name, src)}
}

// Subscribe implements the Many interface.
func (c *Cache[T]) Subscribe(ctx context.Context, sub Subscriber[T]) {
	c.core.attach(ctx, sub)
}

// Name returns the name of this connector.
func (c *Cache[T]) Name() Name {
	return c.core.name
}

// Metrics returns the metrics registry for this connector.
func (c *Cache[T]) Metrics() *metricz.Registry {
	return c.core.metrics
}

// Tracer returns the tracer for this connector.
func (c *Cache[T]) Tracer() *tracez.Tracer {
	return c.core.tracer
}

// Close gracefully shuts down observability components.
func (c *Cache[T]) Close() error {
	return c.core.close()
}

// OnProductionStarted registers a handler for the start of the underlying
// subscription. It fires at most once per cache.
func (c *Cache[T]) OnProductionStarted(handler func(context.Context, CacheEvent) error) error {
	_, err := c.core.hooks.Hook(CacheEventProductionStarted, handler)
	return err
}

// OnProductionFinished registers a handler for the recorded terminal.
func (c *Cache[T]) OnProductionFinished(handler func(context.Context, CacheEvent) error) error {
	_, err := c.core.hooks.Hook(CacheEventProductionFinished, handler)
	return err
}

// CacheOne memoizes a One the same way Cache memoizes a Many: one
// subscription to the source ever, all subscribers replay the recorded
// outcome - value plus terminal, bare completion, or Error.
//
// Observability matches Cache; the two share metric, span, and event keys.
type CacheOne[T any] struct {
	core *cacheCore[T]
}

// NewCacheOne creates a memoizing wrapper around src.
func NewCacheOne[T any](name Name, src One[T]) *CacheOne[T] {
	if src == nil {
		panic("pubz.NewCacheOne: source cannot be nil")
	}
	return &CacheOne[T]{core: newCacheCore[T](name, src)}
}

// Subscribe implements the One interface.
func (c *CacheOne[T]) Subscribe(ctx context.Context, sub Subscriber[T]) {
	c.core.attach(ctx, sub)
}

// Name returns the name of this connector.
func (c *CacheOne[T]) Name() Name {
	return c.core.name
}

func (*CacheOne[T]) single() {}

// Metrics returns the metrics registry for this connector.
func (c *CacheOne[T]) Metrics() *metricz.Registry {
	return c.core.metrics
}

// Tracer returns the tracer for this connector.
func (c *CacheOne[T]) Tracer() *tracez.Tracer {
	return c.core.tracer
}

// Close gracefully shuts down observability components.
func (c *CacheOne[T]) Close() error {
	return c.core.close()
}

// OnProductionStarted registers a handler for the start of the underlying
// subscription. It fires at most once per cache.
func (c *CacheOne[T]) OnProductionStarted(handler func(context.Context, CacheEvent) error) error {
	_, err := c.core.hooks.Hook(CacheEventProductionStarted, handler)
	return err
}

// OnProductionFinished registers a handler for the recorded terminal.
func (c *CacheOne[T]) OnProductionFinished(handler func(context.Context, CacheEvent) error) error {
	_, err := c.core.hooks.Hook(CacheEventProductionFinished, handler)
	return err
}

// afterTerminal registers a callback invoked once with the recorded
// terminal signal. Flight registries use it to drop settled entries.
func (c *CacheOne[T]) afterTerminal(fn func(Signal[T])) {
	c.core.mu.Lock()
	c.core.after = fn
	c.core.mu.Unlock()
}

// cacheCore is the shared memoization engine behind Cache and CacheOne.
// recorded is append-only: values first, exactly one terminal signal last.
// Waiters carry their own cursor and demand and drain independently, so a
// slow subscriber never holds the record or other subscribers back.
type cacheCore[T any] struct {
	name Name
	src  Many[T]

	mu         sync.Mutex
	state      int
	recorded   []Signal[T]
	waiters    []*cacheWaiter[T]
	started    time.Time
	finishSpan func(Signal[T])
	after      func(Signal[T])

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[CacheEvent]
}

func newCacheCore[T any](name Name, src Many[T]) *cacheCore[T] {
	metrics := metricz.New()
	metrics.Counter(CacheSubscribersTotal)
	metrics.Counter(CacheProductionsTotal)
	metrics.Counter(CacheReplaysTotal)
	metrics.Gauge(CacheProductionMs)

	return &cacheCore[T]{
		name:    name,
		src:     src,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[CacheEvent](),
	}
}

func (c *cacheCore[T]) close() error {
	if c.tracer != nil {
		c.tracer.Close()
	}
	c.hooks.Close()
	return nil
}

// attach registers a subscriber, starting production if this is the first.
func (c *cacheCore[T]) attach(ctx context.Context, sub Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.metrics.Counter(CacheSubscribersTotal).Inc()

	w := &cacheWaiter[T]{core: c, g: newGate(c.name, sub)}

	c.mu.Lock()
	replay := c.state == cacheDone
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	if replay {
		c.metrics.Counter(CacheReplaysTotal).Inc()
	}

	sub.OnSubscribe(w)
	c.ensureFlight(ctx)
	w.drain()
}

// ensureFlight starts the single source subscription if it has not run yet.
// Production uses a context detached from the subscriber's cancellation.
func (c *cacheCore[T]) ensureFlight(ctx context.Context) {
	c.mu.Lock()
	if c.state != cacheIdle {
		c.mu.Unlock()
		return
	}
	c.state = cacheFlying
	c.started = time.Now()
	c.mu.Unlock()

	prodCtx := context.WithoutCancel(ctx)
	prodCtx, span := c.tracer.StartSpan(prodCtx, CacheProductionSpan)
	span.SetTag(CacheTagName, string(c.name))

	c.mu.Lock()
	c.finishSpan = func(sig Signal[T]) {
		if sig.Kind() == KindError {
			span.SetTag(CacheTagOutcome, "error")
			span.SetTag(CacheTagError, sig.Err().Error())
		} else {
			span.SetTag(CacheTagOutcome, "complete")
		}
		span.Finish()
	}
	c.mu.Unlock()

	c.metrics.Counter(CacheProductionsTotal).Inc()
	_ = c.hooks.Emit(prodCtx, CacheEventProductionStarted, CacheEvent{ //nolint:errcheck
		Name:      c.name,
		Timestamp: time.Now(),
	})

	c.src.Subscribe(prodCtx, (*cacheProducer[T])(c))
}

// record appends a signal and wakes every waiter.
func (c *cacheCore[T]) record(sig Signal[T]) {
	terminal := sig.Kind() != KindNext

	c.mu.Lock()
	if c.state == cacheDone {
		c.mu.Unlock()
		return
	}
	c.recorded = append(c.recorded, sig)
	values := len(c.recorded) - 1
	var after, finishSpan func(Signal[T])
	var elapsed time.Duration
	if terminal {
		c.state = cacheDone
		after = c.after
		c.after = nil
		finishSpan = c.finishSpan
		c.finishSpan = nil
		elapsed = time.Since(c.started)
	}
	waiters := make([]*cacheWaiter[T], len(c.waiters))
	copy(waiters, c.waiters)
	c.mu.Unlock()

	if terminal {
		c.metrics.Gauge(CacheProductionMs).Set(float64(elapsed.Milliseconds()))
		if finishSpan != nil {
			finishSpan(sig)
		}
		_ = c.hooks.Emit(context.Background(), CacheEventProductionFinished, CacheEvent{ //nolint:errcheck
			Name:      c.name,
			Signals:   values,
			Success:   sig.Kind() == KindComplete,
			Err:       sig.Err(),
			Duration:  elapsed,
			Timestamp: time.Now(),
		})
		if after != nil {
			after(sig)
		}
	}

	for _, w := range waiters {
		w.drain()
	}
}

// dropWaiter removes a waiter that reached its terminal or cancelled.
func (c *cacheCore[T]) dropWaiter(w *cacheWaiter[T]) {
	c.mu.Lock()
	for i, cand := range c.waiters {
		if cand == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// snapshot returns the current record. The slice is append-only, so a
// header copy taken under the lock stays valid outside it.
func (c *cacheCore[T]) snapshot() []Signal[T] {
	c.mu.Lock()
	rec := c.recorded
	c.mu.Unlock()
	return rec
}

// cacheProducer is the single subscriber driving the source.
type cacheProducer[T any] cacheCore[T]

func (p *cacheProducer[T]) core() *cacheCore[T] { return (*cacheCore[T])(p) }

func (p *cacheProducer[T]) OnSubscribe(sub Subscription) {
	sub.Request(Unbounded)
}

func (p *cacheProducer[T]) OnNext(v T) {
	p.core().record(NextSignal(v))
}

func (p *cacheProducer[T]) OnComplete() {
	p.core().record(CompleteSignal[T]())
}

func (p *cacheProducer[T]) OnError(err error) {
	c := p.core()
	var zero T
	c.record(ErrorSignal[T](wrapError(c.name, zero, err)))
}

// cacheWaiter replays the record to one subscriber. Values are gated on the
// waiter's own demand; the terminal signal is delivered as soon as the
// cursor reaches it. The wip counter serializes concurrent wakeups from
// Request calls and record broadcasts.
type cacheWaiter[T any] struct {
	core *cacheCore[T]
	g    *gate[T]

	mu        sync.Mutex
	cursor    int
	requested int64

	wip atomic.Int32
}

// Request implements the Subscription interface.
func (w *cacheWaiter[T]) Request(n int64) {
	if n <= 0 {
		w.core.dropWaiter(w)
		var zero T
		w.g.error(newError(w.core.name, zero, ErrBadRequest))
		return
	}
	w.mu.Lock()
	w.requested = capDemand(w.requested, n)
	w.mu.Unlock()
	w.drain()
}

// Cancel implements the Subscription interface.
func (w *cacheWaiter[T]) Cancel() {
	w.g.cancel()
	w.core.dropWaiter(w)
}

func (w *cacheWaiter[T]) drain() {
	if w.wip.Add(1) != 1 {
		return
	}
	for {
		for {
			rec := w.core.snapshot()

			w.mu.Lock()
			if w.cursor >= len(rec) {
				w.mu.Unlock()
				break
			}
			sig := rec[w.cursor]
			if sig.Kind() == KindNext && w.requested <= 0 {
				w.mu.Unlock()
				break
			}
			w.cursor++
			if sig.Kind() == KindNext && w.requested != Unbounded {
				w.requested--
			}
			w.mu.Unlock()

			switch sig.Kind() {
			case KindNext:
				w.g.next(sig.Value())
			case KindComplete:
				w.g.complete()
				w.core.dropWaiter(w)
				return
			case KindError:
				w.g.error(sig.Err())
				w.core.dropWaiter(w)
				return
			}
		}
		if w.wip.Add(-1) == 0 {
			return
		}
	}
}

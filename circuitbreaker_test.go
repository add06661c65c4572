package pubz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	breaker := NewCircuitBreaker("guard", Value("upstream", 42), 3, 5*time.Second)
	defer breaker.Close()

	v, ok, err := GetOne(context.Background(), breaker)
	if err != nil || !ok {
		t.Fatalf("unexpected result: %v %v", ok, err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
	if state := breaker.GetState(); state != "closed" {
		t.Errorf("expected closed, got %s", state)
	}
	if got := int(breaker.Metrics().Counter(BreakerTrialsTotal).Value()); got != 1 {
		t.Errorf("expected 1 trial, got %d", got)
	}
	if got := int(breaker.Metrics().Counter(BreakerSuccessesTotal).Value()); got != 1 {
		t.Errorf("expected 1 success, got %d", got)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	sentinel := errors.New("upstream down")
	breaker := NewCircuitBreaker("guard", FailOne[int]("upstream", sentinel), 2, 5*time.Second)
	defer breaker.Close()

	for i := 0; i < 2; i++ {
		_, _, err := GetOne(context.Background(), breaker)
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected %v, got %v", sentinel, err)
		}
	}
	if state := breaker.GetState(); state != "open" {
		t.Fatalf("expected open after threshold, got %s", state)
	}

	_, _, err := GetOne(context.Background(), breaker)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected %v, got %v", ErrBreakerOpen, err)
	}

	metrics := breaker.Metrics()
	if got := int(metrics.Counter(BreakerTrialsTotal).Value()); got != 2 {
		t.Errorf("expected 2 trials, got %d", got)
	}
	if got := int(metrics.Counter(BreakerFailuresTotal).Value()); got != 2 {
		t.Errorf("expected 2 failures, got %d", got)
	}
	if got := int(metrics.Counter(BreakerRejectedTotal).Value()); got != 1 {
		t.Errorf("expected 1 rejection, got %d", got)
	}
	if got := int(metrics.Counter(BreakerOpenedTotal).Value()); got != 1 {
		t.Errorf("expected 1 open transition, got %d", got)
	}
	if got := int(metrics.Gauge(BreakerState).Value()); got != 2 {
		t.Errorf("expected open gauge value 2, got %d", got)
	}
}

func TestCircuitBreaker_RejectionIsEager(t *testing.T) {
	breaker := NewCircuitBreaker("guard", FailOne[int]("upstream", errors.New("down")), 1, 5*time.Second)
	defer breaker.Close()
	GetOne(context.Background(), breaker)

	// An open circuit rejects at subscribe, before any demand.
	rec := newBoundedRecorder[int](0)
	breaker.Subscribe(context.Background(), rec)
	if !errors.Is(rec.err(), ErrBreakerOpen) {
		t.Errorf("expected %v, got %v", ErrBreakerOpen, rec.err())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	sentinel := errors.New("flaky")
	healthy := false
	src := DeferOne("upstream", func() One[int] {
		if healthy {
			return Value("upstream", 42)
		}
		return FailOne[int]("upstream", sentinel)
	})
	breaker := NewCircuitBreaker("guard", src, 2, 5*time.Second)
	defer breaker.Close()

	// Fail, succeed, fail: the success clears the consecutive count, so the
	// circuit never sees two failures in a row.
	GetOne(context.Background(), breaker)
	healthy = true
	GetOne(context.Background(), breaker)
	healthy = false
	GetOne(context.Background(), breaker)

	if state := breaker.GetState(); state != "closed" {
		t.Errorf("expected closed, got %s", state)
	}
}

func TestCircuitBreaker_ProbesAfterResetTimeout(t *testing.T) {
	clock := clockz.NewFakeClock()
	sentinel := errors.New("upstream down")
	healthy := false
	src := DeferOne("upstream", func() One[int] {
		if healthy {
			return Value("upstream", 42)
		}
		return FailOne[int]("upstream", sentinel)
	})

	breaker := NewCircuitBreaker("guard", src, 1, 5*time.Second)
	breaker.WithClock(clock)
	defer breaker.Close()

	GetOne(context.Background(), breaker)
	if state := breaker.GetState(); state != "open" {
		t.Fatalf("expected open, got %s", state)
	}

	// Not enough time: still rejecting.
	clock.Advance(3 * time.Second)
	if _, _, err := GetOne(context.Background(), breaker); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected %v, got %v", ErrBreakerOpen, err)
	}

	// Past the timeout the state reads half-open before any subscription
	// performs the transition.
	clock.Advance(3 * time.Second)
	if state := breaker.GetState(); state != "half-open" {
		t.Fatalf("expected half-open, got %s", state)
	}

	healthy = true
	v, ok, err := GetOne(context.Background(), breaker)
	if err != nil || !ok {
		t.Fatalf("unexpected result: %v %v", ok, err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
	if state := breaker.GetState(); state != "closed" {
		t.Errorf("expected closed after successful probe, got %s", state)
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := clockz.NewFakeClock()
	sentinel := errors.New("upstream down")
	breaker := NewCircuitBreaker("guard", FailOne[int]("upstream", sentinel), 1, 5*time.Second)
	breaker.WithClock(clock)
	defer breaker.Close()

	GetOne(context.Background(), breaker)
	clock.Advance(6 * time.Second)

	// The probe itself fails: back to open, rejecting immediately.
	if _, _, err := GetOne(context.Background(), breaker); !errors.Is(err, sentinel) {
		t.Fatalf("expected the probe to reach the source, got %v", err)
	}
	if state := breaker.GetState(); state != "open" {
		t.Errorf("expected open after failed probe, got %s", state)
	}
	if _, _, err := GetOne(context.Background(), breaker); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected %v, got %v", ErrBreakerOpen, err)
	}
}

func TestCircuitBreaker_SuccessThreshold(t *testing.T) {
	clock := clockz.NewFakeClock()
	healthy := false
	src := DeferOne("upstream", func() One[int] {
		if healthy {
			return Value("upstream", 42)
		}
		return FailOne[int]("upstream", errors.New("down"))
	})

	breaker := NewCircuitBreaker("guard", src, 1, 5*time.Second)
	breaker.WithClock(clock)
	breaker.SetSuccessThreshold(2)
	defer breaker.Close()

	GetOne(context.Background(), breaker)
	clock.Advance(6 * time.Second)
	healthy = true

	// One successful probe is not enough to close yet.
	GetOne(context.Background(), breaker)
	if state := breaker.GetState(); state != "half-open" {
		t.Fatalf("expected half-open after first probe, got %s", state)
	}

	GetOne(context.Background(), breaker)
	if state := breaker.GetState(); state != "closed" {
		t.Errorf("expected closed after second probe, got %s", state)
	}
}

func TestCircuitBreaker_CanceledTrialRecordsNoOutcome(t *testing.T) {
	breaker := NewCircuitBreaker("guard", neverOne[int]("idle"), 1, 5*time.Second)
	defer breaker.Close()

	rec := newRecorder[int]()
	breaker.Subscribe(context.Background(), rec)
	rec.cancel()

	metrics := breaker.Metrics()
	if got := int(metrics.Counter(BreakerTrialsTotal).Value()); got != 1 {
		t.Errorf("expected 1 trial, got %d", got)
	}
	if got := int(metrics.Counter(BreakerSuccessesTotal).Value()); got != 0 {
		t.Errorf("expected no successes, got %d", got)
	}
	if got := int(metrics.Counter(BreakerFailuresTotal).Value()); got != 0 {
		t.Errorf("expected no failures, got %d", got)
	}
	if state := breaker.GetState(); state != "closed" {
		t.Errorf("expected closed, got %s", state)
	}
}

func TestCircuitBreaker_StaleOutcomeDiscarded(t *testing.T) {
	var trial Subscriber[int]
	src := newOne("upstream", func(_ context.Context, sub Subscriber[int]) {
		trial = sub
		sub.OnSubscribe(noopSubscription{})
	})

	breaker := NewCircuitBreaker("guard", src, 1, 5*time.Second)
	defer breaker.Close()

	rec := newRecorder[int]()
	breaker.Subscribe(context.Background(), rec)

	// Reset starts a new generation; the in-flight trial's failure lands
	// afterwards and must not reopen the circuit.
	breaker.Reset()
	trial.OnError(errors.New("stale failure"))

	if state := breaker.GetState(); state != "closed" {
		t.Errorf("expected the stale failure discarded, got %s", state)
	}
	if got := int(breaker.Metrics().Counter(BreakerFailuresTotal).Value()); got != 0 {
		t.Errorf("expected no recorded failures, got %d", got)
	}
	if rec.err() == nil {
		t.Error("expected the error still delivered downstream")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	sentinel := errors.New("upstream down")
	healthy := false
	src := DeferOne("upstream", func() One[int] {
		if healthy {
			return Value("upstream", 42)
		}
		return FailOne[int]("upstream", sentinel)
	})
	breaker := NewCircuitBreaker("guard", src, 1, time.Hour)
	defer breaker.Close()

	GetOne(context.Background(), breaker)
	if state := breaker.GetState(); state != "open" {
		t.Fatalf("expected open, got %s", state)
	}

	breaker.Reset()
	if state := breaker.GetState(); state != "closed" {
		t.Fatalf("expected closed after reset, got %s", state)
	}

	healthy = true
	v, ok, err := GetOne(context.Background(), breaker)
	if err != nil || !ok || v != 42 {
		t.Errorf("expected the reset circuit to pass through, got %v %v %v", v, ok, err)
	}
}

func TestCircuitBreaker_ErrorPath(t *testing.T) {
	sentinel := errors.New("upstream down")
	breaker := NewCircuitBreaker("guard", FailOne[int]("upstream", sentinel), 3, 5*time.Second)
	defer breaker.Close()

	_, _, err := GetOne(context.Background(), breaker)
	var flowErr *Error[int]
	if !errors.As(err, &flowErr) {
		t.Fatal("expected a flow error")
	}
	if len(flowErr.Path) == 0 || flowErr.Path[0] != "guard" {
		t.Errorf("expected path to start with guard, got %v", flowErr.Path)
	}
}

func TestCircuitBreaker_Configuration(t *testing.T) {
	breaker := NewCircuitBreaker("guard", Value("upstream", 1), 3, 5*time.Second)
	defer breaker.Close()

	if got := breaker.GetFailureThreshold(); got != 3 {
		t.Errorf("expected threshold 3, got %d", got)
	}
	if got := breaker.GetSuccessThreshold(); got != 1 {
		t.Errorf("expected default success threshold 1, got %d", got)
	}
	if got := breaker.GetResetTimeout(); got != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", got)
	}

	breaker.SetFailureThreshold(10).SetSuccessThreshold(2).SetResetTimeout(time.Minute)
	if got := breaker.GetFailureThreshold(); got != 10 {
		t.Errorf("expected threshold 10, got %d", got)
	}
	if got := breaker.GetSuccessThreshold(); got != 2 {
		t.Errorf("expected success threshold 2, got %d", got)
	}
	if got := breaker.GetResetTimeout(); got != time.Minute {
		t.Errorf("expected 1m timeout, got %v", got)
	}

	// Thresholds clamp to at least one.
	breaker.SetFailureThreshold(0).SetSuccessThreshold(-1)
	if got := breaker.GetFailureThreshold(); got != 1 {
		t.Errorf("expected clamp to 1, got %d", got)
	}
	if got := breaker.GetSuccessThreshold(); got != 1 {
		t.Errorf("expected clamp to 1, got %d", got)
	}

	if got := breaker.Name(); got != "guard" {
		t.Errorf("expected guard, got %s", got)
	}
}

func TestCircuitBreaker_Observability(t *testing.T) {
	clock := clockz.NewFakeClock()
	sentinel := errors.New("upstream down")
	healthy := false
	src := DeferOne("upstream", func() One[int] {
		if healthy {
			return Value("upstream", 42)
		}
		return FailOne[int]("upstream", sentinel)
	})

	breaker := NewCircuitBreaker("guard", src, 2, 5*time.Second)
	breaker.WithClock(clock)
	defer breaker.Close()

	var mu sync.Mutex
	var opened, closed, halfOpen, rejected []BreakerEvent

	if err := breaker.OnOpened(func(_ context.Context, e BreakerEvent) error {
		mu.Lock()
		opened = append(opened, e)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := breaker.OnClosed(func(_ context.Context, e BreakerEvent) error {
		mu.Lock()
		closed = append(closed, e)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := breaker.OnHalfOpen(func(_ context.Context, e BreakerEvent) error {
		mu.Lock()
		halfOpen = append(halfOpen, e)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}
	if err := breaker.OnRejected(func(_ context.Context, e BreakerEvent) error {
		mu.Lock()
		rejected = append(rejected, e)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}

	// Open, reject one subscription, recover through a probe.
	GetOne(context.Background(), breaker)
	GetOne(context.Background(), breaker)
	GetOne(context.Background(), breaker)
	clock.Advance(6 * time.Second)
	healthy = true
	GetOne(context.Background(), breaker)

	// Wait for async hooks
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(opened) != 1 {
		t.Fatalf("expected 1 opened event, got %d", len(opened))
	}
	if opened[0].Name != "guard" || opened[0].State != "open" {
		t.Errorf("unexpected opened event: %+v", opened[0])
	}
	if opened[0].Failures != 2 {
		t.Errorf("expected 2 failures in the opened event, got %d", opened[0].Failures)
	}
	if len(rejected) != 1 {
		t.Errorf("expected 1 rejected event, got %d", len(rejected))
	}
	if len(halfOpen) != 1 {
		t.Errorf("expected 1 half-open event, got %d", len(halfOpen))
	}
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed event, got %d", len(closed))
	}
	if closed[0].State != "closed" {
		t.Errorf("unexpected closed event: %+v", closed[0])
	}
}

func TestCircuitBreaker_NilSourcePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewCircuitBreaker[int]("guard", nil, 3, 5*time.Second)
}

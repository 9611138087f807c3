package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire and Do while the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Stats is a snapshot of limiter activity.
type Stats struct {
	Active          int64
	TotalAcquired   int64
	TotalReleased   int64
	TotalRejected   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
	CircuitState    CircuitBreakerState
}

// AverageWaitTime returns the mean time spent waiting for a slot.
func (s Stats) AverageWaitTime() time.Duration {
	if s.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(s.TotalWaitTimeNs / s.TotalAcquired)
}

// Limiter bounds how many records are processed at once and feeds outcomes
// to a circuit breaker.
type Limiter struct {
	sem             chan struct{}
	circuitBreaker  *CircuitBreaker
	countsAsFailure func(error) bool

	active          atomic.Int64
	totalAcquired   atomic.Int64
	totalReleased   atomic.Int64
	totalRejected   atomic.Int64
	peakConcurrent  atomic.Int64
	totalWaitTimeNs atomic.Int64
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *CircuitBreaker) LimiterOption {
	return func(l *Limiter) {
		if cb != nil {
			l.circuitBreaker = cb
		}
	}
}

// WithFailureClassifier decides which errors returned from Do count against
// the circuit breaker. By default every non-nil error does.
func WithFailureClassifier(fn func(error) bool) LimiterOption {
	return func(l *Limiter) {
		if fn != nil {
			l.countsAsFailure = fn
		}
	}
}

// NewLimiter creates a new concurrency limiter with the specified maximum concurrent operations
func NewLimiter(maxConcurrent int, opts ...LimiterOption) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	l := &Limiter{
		sem:             make(chan struct{}, maxConcurrent),
		circuitBreaker:  NewCircuitBreaker(100, 30*time.Second),
		countsAsFailure: func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Capacity returns the maximum number of concurrent slots.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire waits for a slot. It fails fast with ErrCircuitOpen while the
// breaker is open and returns ctx.Err() if ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if !l.circuitBreaker.Allow() {
		l.totalRejected.Add(1)
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.totalWaitTimeNs.Add(time.Since(start).Nanoseconds())
		l.totalAcquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.totalReleased.Add(1)
	default:
	}
}

// Do runs fn while holding a slot and records its outcome on the breaker.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn(ctx)
	if l.countsAsFailure(err) {
		l.circuitBreaker.RecordFailure()
	} else {
		l.circuitBreaker.RecordSuccess()
	}
	return err
}

// CircuitBreaker returns the breaker guarding this limiter.
func (l *Limiter) CircuitBreaker() *CircuitBreaker {
	return l.circuitBreaker
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Active:          l.active.Load(),
		TotalAcquired:   l.totalAcquired.Load(),
		TotalReleased:   l.totalReleased.Load(),
		TotalRejected:   l.totalRejected.Load(),
		PeakConcurrent:  l.peakConcurrent.Load(),
		TotalWaitTimeNs: l.totalWaitTimeNs.Load(),
		CircuitState:    l.circuitBreaker.State(),
	}
}

// Reset zeroes the counters. Active slots are unaffected.
func (l *Limiter) Reset() {
	l.totalAcquired.Store(0)
	l.totalReleased.Store(0)
	l.totalRejected.Store(0)
	l.peakConcurrent.Store(0)
	l.totalWaitTimeNs.Store(0)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peakConcurrent.Load()
		if current <= peak || l.peakConcurrent.CompareAndSwap(peak, current) {
			return
		}
	}
}

// Package ratelimit provides per-resource admission control combining a
// sliding-window request cap with a concurrency ceiling. Deferred calls wait
// in a FIFO queue and are woken when capacity frees, either by a completing
// request or by the oldest window entry expiring.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limits holds the admission ceilings for one resource.
type Limits struct {
	// RequestsPerMinute caps how many calls may start within the trailing window.
	RequestsPerMinute int
	// ConcurrentRequests caps how many calls may be in flight simultaneously.
	ConcurrentRequests int
}

// DefaultLimits returns the ceilings applied to resources without explicit configuration.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute:  60,
		ConcurrentRequests: 5,
	}
}

// waiter represents one deferred caller in the FIFO queue.
type waiter struct {
	ready chan struct{}
}

// Limiter admits or defers calls for a single resource.
//
// Invariants: the number of in-flight calls never exceeds
// Limits.ConcurrentRequests, and within any trailing window no more than
// Limits.RequestsPerMinute calls start. Waiters are admitted in FIFO order.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	window  time.Duration
	active  int
	history []time.Time
	waiters []*waiter
	timer   *time.Timer
	now     func() time.Time
}

// NewLimiter creates a limiter with the given ceilings.
// window is the trailing admission window; zero means one minute.
func NewLimiter(limits Limits, window time.Duration) *Limiter {
	if limits.RequestsPerMinute <= 0 {
		limits.RequestsPerMinute = DefaultLimits().RequestsPerMinute
	}
	if limits.ConcurrentRequests <= 0 {
		limits.ConcurrentRequests = DefaultLimits().ConcurrentRequests
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limits:  limits,
		window:  window,
		waiters: make([]*waiter, 0),
		now:     time.Now,
	}
}

// prune drops history entries older than the trailing window.
// Caller must hold mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.history) && !l.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.history = append(l.history[:0], l.history[i:]...)
	}
}

// admissible reports whether a call could start right now.
// Caller must hold mu.
func (l *Limiter) admissible(now time.Time) bool {
	l.prune(now)
	return l.active < l.limits.ConcurrentRequests && len(l.history) < l.limits.RequestsPerMinute
}

// record marks one admission. Caller must hold mu.
func (l *Limiter) record(now time.Time) {
	l.history = append(l.history, now)
	l.active++
}

// TryAcquire attempts a non-blocking admission.
// Queued callers keep priority: TryAcquire fails while the queue is non-empty.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.waiters) > 0 {
		return false
	}
	now := l.now()
	if !l.admissible(now) {
		return false
	}
	l.record(now)
	return true
}

// Acquire admits the caller, blocking in FIFO order until capacity is
// available or the context is cancelled. Once admitted, the caller must
// call Release exactly once when its work completes.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	if len(l.waiters) == 0 && l.admissible(now) {
		l.record(now)
		l.mu.Unlock()
		return nil
	}

	// Enqueue in the same critical section as the admissibility check, so a
	// Release cannot slip in between and find an empty queue. drain re-checks
	// capacity and admits immediately if it freed up meanwhile.
	w := &waiter{ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.drain()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Admitted concurrently with cancellation; hand the slot back.
			l.mu.Unlock()
			l.Release()
		default:
			l.removeWaiter(w)
			l.mu.Unlock()
		}
		return ctx.Err()
	}
}

// removeWaiter drops an abandoned waiter. Caller must hold mu.
func (l *Limiter) removeWaiter(w *waiter) {
	for i, cur := range l.waiters {
		if cur == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// Release returns one concurrency slot and wakes queued callers.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active > 0 {
		l.active--
	}
	l.drain()
}

// drain admits queued callers while capacity allows, in FIFO order.
// If the head is blocked only by the window cap, a timer is scheduled for
// the instant the oldest history entry leaves the window. Caller must hold mu.
func (l *Limiter) drain() {
	now := l.now()
	for len(l.waiters) > 0 && l.admissible(now) {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.record(now)
		close(w.ready)
	}
	l.scheduleWindowWake()
}

// scheduleWindowWake arms a timer to re-drain when the oldest window entry
// expires, if waiters are held back by the per-minute cap alone.
// Caller must hold mu.
func (l *Limiter) scheduleWindowWake() {
	if len(l.waiters) == 0 || len(l.history) < l.limits.RequestsPerMinute {
		return
	}
	if l.active >= l.limits.ConcurrentRequests {
		// A Release will wake the queue; no timer needed.
		return
	}
	wakeAt := l.history[0].Add(l.window)
	delay := wakeAt.Sub(l.now())
	if delay < 0 {
		delay = 0
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(delay+time.Millisecond, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.drain()
	})
}

// SetLimits replaces the ceilings and re-drains the queue.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limits.RequestsPerMinute > 0 {
		l.limits.RequestsPerMinute = limits.RequestsPerMinute
	}
	if limits.ConcurrentRequests > 0 {
		l.limits.ConcurrentRequests = limits.ConcurrentRequests
	}
	l.drain()
}

// Snapshot is a point-in-time view of limiter state.
type Snapshot struct {
	Limits      Limits
	Active      int
	WindowCount int
	QueueLength int
}

// Stats returns the current limiter state.
func (l *Limiter) Stats() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return Snapshot{
		Limits:      l.limits,
		Active:      l.active,
		WindowCount: len(l.history),
		QueueLength: len(l.waiters),
	}
}

// Saturated reports whether a new call would currently be deferred.
func (l *Limiter) Saturated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters) > 0 || !l.admissible(l.now())
}

// Close stops any pending wake timer. Queued waiters are still woken by
// future Release calls; Close only prevents timer leaks at shutdown.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

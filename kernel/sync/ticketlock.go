// Package sync provides the lock primitive the kernel uses to serialize
// access to the kernel heap, the PID table and the scheduler. On a single
// CPU with interrupts disabled inside the kernel these degenerate to
// reentrance guards. The lock does not track acquisition order.
package sync

import "sync/atomic"

var (
	// TODO: replace with a real yield function once context-switching is
	// implemented; until then a spinning waiter cannot give the CPU back to
	// whoever is expected to release the lock.
	yieldFn func()
)

// TicketLock hands out FIFO access to a held resource: each waiter draws a
// ticket and spins until it becomes the one being served.
type TicketLock struct {
	nextTicket uint64
	nowServing uint64
}

// Acquire blocks until the caller's ticket is being served and returns it.
// Re-acquiring a lock already held by the current task deadlocks, same as a
// plain spinlock.
func (l *TicketLock) Acquire() uint64 {
	ticket := atomic.AddUint64(&l.nextTicket, 1) - 1
	for atomic.LoadUint64(&l.nowServing) != ticket {
		if yieldFn != nil {
			yieldFn()
		}
	}
	return ticket
}

// TryToAcquire claims the lock only if it is currently free, returning the
// drawn ticket and true, or zero and false if another waiter is ahead.
func (l *TicketLock) TryToAcquire() (uint64, bool) {
	now := atomic.LoadUint64(&l.nowServing)
	if !atomic.CompareAndSwapUint64(&l.nextTicket, now, now+1) {
		return 0, false
	}
	return now, true
}

// Release advances service to the next ticket in line. Calling Release on a
// free lock incorrectly admits the next waiter early; callers must pair
// every Acquire/TryToAcquire success with exactly one Release.
func (l *TicketLock) Release() {
	atomic.AddUint64(&l.nowServing, 1)
}

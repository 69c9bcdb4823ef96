package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestTicketLockMutualExclusion(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		l          TicketLock
		wg         sync.WaitGroup
		counter    int
		numWorkers = 20
	)

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			l.Acquire()
			counter++
			l.Release()
		}()
	}
	wg.Wait()

	if counter != numWorkers {
		t.Fatalf("expected counter to reach %d, got %d", numWorkers, counter)
	}
}

func TestTicketLockFIFOOrdering(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched

	var l TicketLock

	first := l.Acquire()
	if first != 0 {
		t.Fatalf("expected the first ticket to be 0, got %d", first)
	}

	if _, ok := l.TryToAcquire(); ok {
		t.Fatal("expected TryToAcquire to fail while the lock is held")
	}

	done := make(chan uint64, 1)
	go func() {
		done <- l.Acquire()
	}()

	select {
	case <-done:
		t.Fatal("second acquirer should not proceed before Release")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release()

	select {
	case ticket := <-done:
		if ticket != 1 {
			t.Fatalf("expected the second ticket to be 1, got %d", ticket)
		}
	case <-time.After(time.Second):
		t.Fatal("second acquirer never proceeded after Release")
	}

	l.Release()
}

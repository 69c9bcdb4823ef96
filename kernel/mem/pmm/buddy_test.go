package pmm

import "testing"

// TestBuddySplitAndMergeScenario reproduces spec.md §8 scenario 1 exactly.
func TestBuddySplitAndMergeScenario(t *testing.T) {
	var a Allocator
	a.Init([]Region{{Start: FrameFromAddress(0x100000), NumPages: 16}})

	got, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if exp := FrameFromAddress(0x100000); got != exp {
		t.Fatalf("expected alloc to return %d; got %d", exp, got)
	}

	assertAvailableRuns(t, &a, []frameRun{
		{start: FrameFromAddress(0x104000), numPages: 4, available: true},
		{start: FrameFromAddress(0x108000), numPages: 8, available: true},
	})

	if err := a.Free(0x100000); err != nil {
		t.Fatalf("free failed: %v", err)
	}

	assertAvailableRuns(t, &a, []frameRun{
		{start: FrameFromAddress(0x100000), numPages: 16, available: true},
	})
}

func assertAvailableRuns(t *testing.T, a *Allocator, exp []frameRun) {
	t.Helper()

	var got []frameRun
	for _, r := range a.runs {
		if r.available {
			got = append(got, r)
		}
	}

	if len(got) != len(exp) {
		t.Fatalf("expected %d available runs; got %d (%+v)", len(exp), len(got), got)
	}
	for i := range exp {
		if got[i] != exp[i] {
			t.Fatalf("run %d: expected %+v; got %+v", i, exp[i], got[i])
		}
	}
}

func TestBuddyOutOfMemory(t *testing.T) {
	var a Allocator
	a.Init([]Region{{Start: 0, NumPages: 4}})

	if _, err := a.Alloc(5); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}
}

func TestBuddyFreeUnknownAddress(t *testing.T) {
	var a Allocator
	a.Init([]Region{{Start: 0, NumPages: 4}})

	if err := a.Free(0x900000); err != errNotAllocated {
		t.Fatalf("expected errNotAllocated; got %v", err)
	}
}

// TestFrameConservation checks spec.md §8's "Frame conservation" invariant
// across a pseudo-random sequence of alloc/free calls.
func TestFrameConservation(t *testing.T) {
	var a Allocator
	const totalPages = 256
	a.Init([]Region{{Start: 0, NumPages: totalPages}})

	var allocated []Frame
	seed := uint64(0x2545F4914F6CDD1D)
	next := func(n uint64) uint64 {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		return seed % n
	}

	for i := 0; i < 500; i++ {
		if len(allocated) == 0 || next(2) == 0 {
			n := next(8) + 1
			f, err := a.Alloc(n)
			if err == nil {
				allocated = append(allocated, f)
			}
		} else {
			idx := int(next(uint64(len(allocated))))
			if err := a.Free(allocated[idx].Address()); err != nil {
				t.Fatalf("unexpected free error: %v", err)
			}
			allocated = append(allocated[:idx], allocated[idx+1:]...)
		}

		assertConserved(t, &a, totalPages)
		assertBuddyAligned(t, &a)
		assertMergeSaturated(t, &a)
	}
}

func assertConserved(t *testing.T, a *Allocator, total uint64) {
	t.Helper()
	var sum uint64
	for _, r := range a.runs {
		sum += r.numPages
	}
	if sum != total {
		t.Fatalf("frame conservation violated: expected %d total pages; got %d", total, sum)
	}
}

func assertBuddyAligned(t *testing.T, a *Allocator) {
	t.Helper()
	for _, r := range a.runs {
		if uint64(r.start)%r.numPages != 0 {
			t.Fatalf("buddy alignment violated: run %+v is not aligned to its own size", r)
		}
	}
}

func assertMergeSaturated(t *testing.T, a *Allocator) {
	t.Helper()
	for i := 0; i+1 < len(a.runs); i++ {
		r1, r2 := a.runs[i], a.runs[i+1]
		if r1.available && r2.available && r1.numPages == r2.numPages && r1.start+Frame(r1.numPages) == r2.start {
			t.Fatalf("merge saturation violated: runs %+v and %+v should have merged", r1, r2)
		}
	}
}

func TestNextPow2(t *testing.T) {
	specs := []struct{ in, exp uint64 }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {4, 4}, {5, 8}, {16, 16}, {17, 32},
	}
	for _, s := range specs {
		if got := nextPow2(s.in); got != s.exp {
			t.Errorf("nextPow2(%d): expected %d; got %d", s.in, s.exp, got)
		}
	}
}

package pmm

import (
	"github.com/agnos-os/hermes/kernel"
)

var (
	errOutOfMemory  = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errNotAllocated = &kernel.Error{Module: "pmm", Message: "address was not returned by Alloc"}

	// sys is the single process-wide frame manager, initialized once
	// during boot by Init. Kept as a package-level singleton in the same
	// spirit as the teacher's global allocator instance (kernel/mem/pmm's
	// AllocFrame/FreeFrame free functions wrap this in the teacher).
	sys Allocator
)

// frameRun is one entry of the ordered sequence of runs the allocator
// maintains, matching the FrameRun model in spec.md §3.
type frameRun struct {
	start     Frame
	numPages  uint64
	available bool
}

// Region describes one firmware-reported range of physical memory that the
// allocator should claim. Only CONVENTIONAL memory is ever described by a
// Region; callers (kernel/kmain) are responsible for filtering the raw
// firmware memory map before calling Init, mirroring the way
// spec.md §4.1 describes ingestion reading only CONVENTIONAL descriptors.
type Region struct {
	Start    Frame
	NumPages uint64
}

// Allocator is a buddy allocator over an ordered sequence of FrameRuns. The
// zero value is not ready for use; call Init first.
//
// Grounded on original_source's frame_manager crate (FrameManager/Frames):
// the run list, power-of-two decomposition on ingestion, tail-first merge
// sweep on free, and repeated halving on split are all taken from there,
// since that is the literal algorithm spec.md §4.1 and §8 scenario 1
// describe. The struct shape and Go error-return idiom follow gopher-os's
// own allocator packages (kernel/mem/pmm/allocator, kernel/mem/physical).
type Allocator struct {
	runs []frameRun
}

// Init resets the allocator and ingests the supplied free regions, splitting
// each into one run per set bit of its page count (high bit to low), then
// sweeping once to merge any adjacent equal-size runs the ingestion produced.
func (a *Allocator) Init(regions []Region) {
	a.runs = a.runs[:0]
	for _, r := range regions {
		a.runs = append(a.runs, decompose(r.Start, r.NumPages)...)
	}
	a.mergeAll()
}

// decompose splits a contiguous range of numPages frames starting at start
// into one run per set bit of numPages, largest first, exactly as
// original_source's FrameManager::init decomposes each CONVENTIONAL
// descriptor.
func decompose(start Frame, numPages uint64) []frameRun {
	var runs []frameRun
	cur := start
	for bit := 63; bit >= 0; bit-- {
		size := uint64(1) << uint(bit)
		if numPages&size == 0 {
			continue
		}
		runs = append(runs, frameRun{start: cur, numPages: size, available: true})
		cur += Frame(size)
	}
	return runs
}

// Alloc reserves a power-of-two-aligned run of at least n contiguous frames,
// rounding n up to the next power of two, and returns the start of the run.
func (a *Allocator) Alloc(n uint64) (Frame, *kernel.Error) {
	target := nextPow2(n)

	for i := range a.runs {
		if !a.runs[i].available || a.runs[i].numPages < target {
			continue
		}

		a.splitDown(i, target)
		a.runs[i].available = false
		return a.runs[i].start, nil
	}

	return InvalidFrame, errOutOfMemory
}

// splitDown repeatedly halves the run at index i, pushing the trailing half
// in as a new available run immediately after it, until the run at i equals
// target pages.
func (a *Allocator) splitDown(i int, target uint64) {
	for a.runs[i].numPages > target {
		half := a.runs[i].numPages / 2
		trailing := frameRun{
			start:     a.runs[i].start + Frame(half),
			numPages:  half,
			available: true,
		}
		a.runs[i].numPages = half

		a.runs = append(a.runs, frameRun{})
		copy(a.runs[i+2:], a.runs[i+1:])
		a.runs[i+1] = trailing
	}
}

// Free returns the run starting at the given physical address to the pool and
// merges it with any eligible neighbours.
func (a *Allocator) Free(addr uintptr) *kernel.Error {
	start := FrameFromAddress(addr)

	for i := range a.runs {
		if a.runs[i].start == start && !a.runs[i].available {
			a.runs[i].available = true
			a.mergeAll()
			return nil
		}
	}

	return errNotAllocated
}

// mergeAll repeatedly scans the run list from the tail towards the head,
// merging adjacent equal-size available runs, until no further merge is
// possible. Scanning from the tail keeps large free chunks collecting near
// the end of the list, which is what makes small allocations fast (the
// first-fit scan in Alloc finds them quickly near the front).
func (a *Allocator) mergeAll() {
	for {
		merged := false
		for i := len(a.runs) - 2; i >= 0; i-- {
			r1, r2 := a.runs[i], a.runs[i+1]
			if r1.available && r2.available && r1.numPages == r2.numPages && r1.start+Frame(r1.numPages) == r2.start {
				a.runs[i].numPages *= 2
				a.runs = append(a.runs[:i+1], a.runs[i+2:]...)
				merged = true
				break
			}
		}
		if !merged {
			return
		}
	}
}

// Stats reports free and used page totals.
type Stats struct {
	FreePages uint64
	UsedPages uint64
}

// Stats returns the current free/used page totals.
func (a *Allocator) Stats() Stats {
	var s Stats
	for _, r := range a.runs {
		if r.available {
			s.FreePages += r.numPages
		} else {
			s.UsedPages += r.numPages
		}
	}
	return s
}

// nextPow2 rounds n up to the next power of two. nextPow2(0) returns 1.
func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// Init initializes the process-wide frame manager. Called exactly once from
// kernel/kmain, after the firmware memory map has been filtered to
// CONVENTIONAL regions.
func Init(regions []Region) {
	sys.Init(regions)
}

// AllocFrame reserves a single frame via the process-wide allocator. This is
// the FrameAllocatorFn most callers (kernel/mem/vmm, kernel/mem/kpbox) use.
func AllocFrame() (Frame, *kernel.Error) {
	return sys.Alloc(1)
}

// AllocRun reserves n contiguous frames via the process-wide allocator.
func AllocRun(n uint64) (Frame, *kernel.Error) {
	return sys.Alloc(n)
}

// FreeFrame returns a frame previously returned by AllocFrame or AllocRun to
// the process-wide allocator.
func FreeFrame(f Frame) *kernel.Error {
	return sys.Free(f.Address())
}

// SysStats returns Stats for the process-wide allocator.
func SysStats() Stats {
	return sys.Stats()
}

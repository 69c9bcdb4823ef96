package vmm

import "github.com/agnos-os/hermes/kernel/mem"

// translateFn is used by tests to override calls to Translate so FindFreeRegion
// can be exercised without a real MMU backing it.
var translateFn = Translate

// FindFreeRegion scans the virtual address space below RecursivePML4Addr,
// starting at page 1 (page 0 is never returned) and walking upward in
// page-sized increments, looking for the first run of n consecutive unmapped
// pages. It returns the run's starting page, or ok=false if no such run
// exists below the recursive slot.
//
// This is O(virtual range / page size); acceptable since it is only called
// when setting up an Accessor/KpBox mapping or loading a fresh process image,
// never on a hot path.
func FindFreeRegion(n uint) (Page, bool) {
	if n == 0 {
		return 0, false
	}

	const userHalfPages = mem.RecursivePML4Addr >> mem.PageShift

	var (
		runStart Page
		runLen   uint
	)

	for page := Page(1); uintptr(page) < userHalfPages; page++ {
		if _, err := translateFn(page.Address()); err != nil {
			if runLen == 0 {
				runStart = page
			}
			runLen++
			if runLen == n {
				return runStart, true
			}
			continue
		}
		runLen = 0
	}

	return 0, false
}

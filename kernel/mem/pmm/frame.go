// Package pmm implements the kernel's physical frame manager: a buddy
// allocator that owns every conventional page frame reported by firmware and
// hands out power-of-two runs of contiguous frames.
package pmm

import (
	"math"

	"github.com/agnos-os/hermes/kernel/mem"
)

// Frame describes a physical memory page index (physical address >> PageShift).
type Frame uint64

// InvalidFrame is returned by allocators when they fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// IsValid returns true if this is not the sentinel InvalidFrame value.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame containing the given physical address,
// rounding down to the containing page if the address is not page-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// Package kpbox implements KpBox, an owning handle over one or more
// kernel-virtual pages backed by frames the kernel itself allocated. Unlike
// accessor.Accessor, which maps memory someone else owns, a KpBox's frames
// belong to it alone: closing it unmaps and frees them exactly once.
package kpbox

import (
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
)

var errOutOfVirtualSpace = &kernel.Error{Module: "kpbox", Message: "no free virtual address range"}

// The following functions are mocked by tests and are automatically inlined
// by the compiler.
var (
	allocRunFn       = pmm.AllocRun
	freeFrameFn      = pmm.FreeFrame
	findFreeRegionFn = vmm.FindFreeRegion
	mapFn            = vmm.Map
	unmapFn          = vmm.Unmap
	memsetFn         = mem.Memset
)

// KpBox is an owning handle holding (virt, phys, bytes). T is the scalar
// type for New, or the element type for NewSlice; which constructor created
// the KpBox determines whether Slice may be called.
type KpBox[T any] struct {
	virt        uintptr
	phys        pmm.Frame
	pageCount   uint32
	numElements int
	closed      bool
}

// New allocates a single page-backed value of type T, initializes it to v,
// and returns an owning handle to it.
func New[T any](v T) (*KpBox[T], *kernel.Error) {
	var zero T
	b, err := newKpBox[T](mem.Size(unsafe.Sizeof(zero)), 0)
	if err != nil {
		return nil, err
	}
	*b.Get() = v
	return b, nil
}

// NewSlice allocates page-backed storage for numElements contiguous values
// of T, initializes every element to v, and returns an owning handle to it.
func NewSlice[T any](v T, numElements int) (*KpBox[T], *kernel.Error) {
	var zero T
	b, err := newKpBox[T](mem.Size(unsafe.Sizeof(zero))*mem.Size(numElements), numElements)
	if err != nil {
		return nil, err
	}
	s := b.Slice()
	for i := range s {
		s[i] = v
	}
	return b, nil
}

func newKpBox[T any](size mem.Size, numElements int) (*KpBox[T], *kernel.Error) {
	pages := size.Pages()
	if pages == 0 {
		pages = 1
	}

	startFrame, err := allocRunFn(uint64(pages))
	if err != nil {
		return nil, err
	}

	startPage, ok := findFreeRegionFn(uint(pages))
	if !ok {
		freeFrameFn(startFrame)
		return nil, errOutOfVirtualSpace
	}

	for i := uint32(0); i < pages; i++ {
		page := vmm.Page(uintptr(startPage) + uintptr(i))
		frame := startFrame + pmm.Frame(i)
		if err := mapFn(page, frame, vmm.FlagRW, pmm.AllocFrame); err != nil {
			for j := uint32(0); j < i; j++ {
				unmapFn(vmm.Page(uintptr(startPage) + uintptr(j)))
			}
			freeFrameFn(startFrame)
			return nil, err
		}
	}

	memsetFn(startPage.Address(), 0, mem.Size(pages)*mem.PageSize)

	return &KpBox[T]{
		virt:        startPage.Address(),
		phys:        startFrame,
		pageCount:   pages,
		numElements: numElements,
	}, nil
}

// VirtAddr returns the kernel-virtual address of the backing storage.
func (b *KpBox[T]) VirtAddr() uintptr { return b.virt }

// PhysAddr returns the physical address of the backing storage.
func (b *KpBox[T]) PhysAddr() uintptr { return b.phys.Address() }

// Bytes returns the total size of the backing storage, rounded up to a whole
// number of pages.
func (b *KpBox[T]) Bytes() mem.Size { return mem.Size(b.pageCount) * mem.PageSize }

// Get returns a pointer to the owned value. Only valid on a KpBox created via
// New.
func (b *KpBox[T]) Get() *T {
	return (*T)(unsafe.Pointer(b.virt))
}

// Slice returns the owned elements as a Go slice backed directly by the
// mapped memory. Only valid on a KpBox created via NewSlice.
func (b *KpBox[T]) Slice() []T {
	return unsafe.Slice((*T)(unsafe.Pointer(b.virt)), b.numElements)
}

// Clone allocates a new KpBox of the same shape and deep-copies this one's
// contents into it.
func (b *KpBox[T]) Clone() (*KpBox[T], *kernel.Error) {
	if b.numElements > 0 {
		nb, err := NewSlice(b.Slice()[0], b.numElements)
		if err != nil {
			return nil, err
		}
		copy(nb.Slice(), b.Slice())
		return nb, nil
	}
	return New(*b.Get())
}

// Close unmaps and frees this KpBox's backing frames. It is idempotent: a
// second call is a no-op, so a defer alongside an earlier explicit Close is
// safe.
func (b *KpBox[T]) Close() *kernel.Error {
	if b.closed {
		return nil
	}
	b.closed = true

	base := vmm.PageFromAddress(b.virt)
	for i := uint32(0); i < b.pageCount; i++ {
		if err := unmapFn(vmm.Page(uintptr(base) + uintptr(i))); err != nil {
			return err
		}
	}
	return freeFrameFn(b.phys)
}

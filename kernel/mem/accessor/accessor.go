// Package accessor provides typed, volatile windows over physical memory:
// registers, ACPI tables and firmware-supplied structures that live outside
// any frame the kernel itself allocated. An Accessor maps the backing frames
// into a fresh kernel-virtual range on creation and unmaps them on Close.
package accessor

import (
	"reflect"
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
)

var errOutOfVirtualSpace = &kernel.Error{Module: "accessor", Message: "no free virtual address range"}

// The following functions are mocked by tests and are automatically inlined
// by the compiler.
var (
	findFreeRegionFn = vmm.FindFreeRegion
	mapFn            = vmm.Map
	unmapFn          = vmm.Unmap
)

// Accessor is a typed window over one or more physical frames. T is the
// scalar type for New, or the element type for NewSlice; which constructor
// created the Accessor determines whether Slice may be called.
type Accessor[T any] struct {
	virt        uintptr
	pageCount   uint32
	numElements int
}

// New maps the frame(s) backing one T at physAddr+offset and returns an
// Accessor over it. Use Read/Write/Update to access the value.
func New[T any](physAddr, offset uintptr) (*Accessor[T], *kernel.Error) {
	var zero T
	return newAccessor[T](physAddr+offset, mem.Size(unsafe.Sizeof(zero)), 0)
}

// NewSlice maps the frame(s) backing numElements contiguous values of T at
// physAddr+offset and returns an Accessor over it. Use Slice to access the
// values.
func NewSlice[T any](physAddr, offset uintptr, numElements int) (*Accessor[T], *kernel.Error) {
	var zero T
	return newAccessor[T](physAddr+offset, mem.Size(unsafe.Sizeof(zero))*mem.Size(numElements), numElements)
}

func newAccessor[T any](physAddr uintptr, size mem.Size, numElements int) (*Accessor[T], *kernel.Error) {
	pageOffset := physAddr & uintptr(mem.PageSize-1)
	pages := (size + mem.Size(pageOffset)).Pages()
	if pages == 0 {
		pages = 1
	}

	startPage, ok := findFreeRegionFn(uint(pages))
	if !ok {
		return nil, errOutOfVirtualSpace
	}

	baseFrame := pmm.FrameFromAddress(physAddr)
	for i := uint32(0); i < pages; i++ {
		page := vmm.Page(uintptr(startPage) + uintptr(i))
		frame := baseFrame + pmm.Frame(i)
		if err := mapFn(page, frame, vmm.FlagRW, pmm.AllocFrame); err != nil {
			for j := uint32(0); j < i; j++ {
				unmapFn(vmm.Page(uintptr(startPage) + uintptr(j)))
			}
			return nil, err
		}
	}

	return &Accessor[T]{
		virt:        startPage.Address() + pageOffset,
		pageCount:   pages,
		numElements: numElements,
	}, nil
}

// Read returns a copy of the accessed value.
func (a *Accessor[T]) Read() T {
	return *(*T)(unsafe.Pointer(a.virt))
}

// Write stores v at the accessed location.
func (a *Accessor[T]) Write(v T) {
	*(*T)(unsafe.Pointer(a.virt)) = v
}

// Update reads the accessed value, applies fn to a pointer to it, and writes
// the result back in place.
func (a *Accessor[T]) Update(fn func(*T)) {
	v := (*T)(unsafe.Pointer(a.virt))
	fn(v)
}

// Slice returns the mapped elements as a Go slice backed directly by the
// mapped memory. Only valid on an Accessor created via NewSlice.
func (a *Accessor[T]) Slice() []T {
	return *(*[]T)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  a.numElements,
		Cap:  a.numElements,
		Data: a.virt,
	}))
}

// Close unmaps the virtual range backing this Accessor. The underlying
// physical frames belong to whoever owned them before mapping (firmware, a
// device) and are never returned to the frame manager.
func (a *Accessor[T]) Close() *kernel.Error {
	base := vmm.PageFromAddress(a.virt)
	for i := uint32(0); i < a.pageCount; i++ {
		if err := unmapFn(vmm.Page(uintptr(base) + uintptr(i))); err != nil {
			return err
		}
	}
	return nil
}

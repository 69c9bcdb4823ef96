package accessor

import (
	"testing"
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
)

// fakeBacking emulates a device's physical memory with a single page-aligned
// Go byte slice, letting Accessor's map/unmap dance run without a real MMU.
type fakeBacking struct {
	buf    []byte
	mapped map[vmm.Page]bool
}

func newFakeBacking(pages int) *fakeBacking {
	raw := make([]byte, (pages+1)*int(mem.PageSize))
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	offset := aligned - base
	return &fakeBacking{buf: raw[offset:], mapped: map[vmm.Page]bool{}}
}

func (f *fakeBacking) pageAddr() uintptr { return uintptr(unsafe.Pointer(&f.buf[0])) }

func setupFakeBacking(t *testing.T) *fakeBacking {
	t.Helper()

	fb := newFakeBacking(1)

	origFindFreeRegion, origMap, origUnmap := findFreeRegionFn, mapFn, unmapFn
	t.Cleanup(func() {
		findFreeRegionFn, mapFn, unmapFn = origFindFreeRegion, origMap, origUnmap
	})

	findFreeRegionFn = func(n uint) (vmm.Page, bool) {
		return vmm.PageFromAddress(fb.pageAddr()), true
	}
	mapFn = func(page vmm.Page, _ pmm.Frame, _ vmm.PageTableEntryFlag, _ vmm.FrameAllocatorFn) *kernel.Error {
		fb.mapped[page] = true
		return nil
	}
	unmapFn = func(page vmm.Page) *kernel.Error {
		fb.mapped[page] = false
		return nil
	}

	return fb
}

func TestReadWriteUpdate(t *testing.T) {
	fb := setupFakeBacking(t)

	a, err := New[uint32](fb.pageAddr(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	a.Write(7)
	if got := a.Read(); got != 7 {
		t.Fatalf("expected 7; got %d", got)
	}

	a.Update(func(v *uint32) { *v += 1 })
	if got := a.Read(); got != 8 {
		t.Fatalf("expected 8; got %d", got)
	}
}

func TestSliceAccessor(t *testing.T) {
	fb := setupFakeBacking(t)

	a, err := NewSlice[uint16](fb.pageAddr(), 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	s := a.Slice()
	if len(s) != 4 {
		t.Fatalf("expected 4 elements; got %d", len(s))
	}
	s[2] = 99
	if a.Slice()[2] != 99 {
		t.Fatal("expected Slice to be backed by the same memory across calls")
	}
}

func TestCloseUnmapsEveryMappedPage(t *testing.T) {
	fb := setupFakeBacking(t)

	a, err := New[uint64](fb.pageAddr(), 0)
	if err != nil {
		t.Fatal(err)
	}

	page := vmm.PageFromAddress(fb.pageAddr())
	if !fb.mapped[page] {
		t.Fatal("expected page to be mapped after New")
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	if fb.mapped[page] {
		t.Fatal("expected page to be unmapped after Close")
	}
}

package syscall

import (
	"testing"
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
)

func resetSeams(t *testing.T) {
	t.Helper()
	origFind, origMap, origUnmap, origTranslate, origAlloc, origFree :=
		findFreeRegionFn, mapFn, unmapFn, translateFn, allocFrameFn, freeFrameFn
	t.Cleanup(func() {
		findFreeRegionFn, mapFn, unmapFn, translateFn, allocFrameFn, freeFrameFn =
			origFind, origMap, origUnmap, origTranslate, origAlloc, origFree
	})
}

func TestDispatchUnknownSyscallReturnsError(t *testing.T) {
	if got := Dispatch(0xff, 0, 0, 0); got != errReturn {
		t.Fatalf("expected errReturn for an unknown syscall id, got %#x", got)
	}
}

func TestAllocatePagesMapsRequestedCount(t *testing.T) {
	resetSeams(t)

	var mapped []vmm.Page
	findFreeRegionFn = func(n uint) (vmm.Page, bool) { return vmm.PageFromAddress(0x8000), true }
	allocFrameFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(1), nil }
	mapFn = func(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag, allocFn vmm.FrameAllocatorFn) *kernel.Error {
		mapped = append(mapped, page)
		return nil
	}
	unmapFn = func(vmm.Page) *kernel.Error { return nil }

	got := sysAllocatePages(3)
	if got != 0x8000 {
		t.Fatalf("expected base address 0x8000, got %#x", got)
	}
	if len(mapped) != 3 {
		t.Fatalf("expected 3 pages mapped, got %d", len(mapped))
	}
}

func TestAllocatePagesZeroCountFails(t *testing.T) {
	if got := sysAllocatePages(0); got != 0 {
		t.Fatalf("expected 0 for a zero-page request, got %#x", got)
	}
}

func TestAllocatePagesUnmapsOnPartialFailure(t *testing.T) {
	resetSeams(t)

	var unmapped []vmm.Page
	findFreeRegionFn = func(n uint) (vmm.Page, bool) { return vmm.PageFromAddress(0x9000), true }
	calls := 0
	allocFrameFn = func() (pmm.Frame, *kernel.Error) {
		calls++
		if calls > 2 {
			return 0, &kernel.Error{Module: "pmm", Message: "out of memory"}
		}
		return pmm.Frame(calls), nil
	}
	mapFn = func(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag, allocFn vmm.FrameAllocatorFn) *kernel.Error {
		return nil
	}
	unmapFn = func(p vmm.Page) *kernel.Error { unmapped = append(unmapped, p); return nil }

	got := sysAllocatePages(4)
	if got != 0 {
		t.Fatalf("expected 0 on partial allocation failure, got %#x", got)
	}
	if len(unmapped) != 2 {
		t.Fatalf("expected the 2 already-mapped pages to be unmapped, got %d", len(unmapped))
	}
}

func TestTranslateAddressReturnsZeroOnFailure(t *testing.T) {
	resetSeams(t)
	translateFn = func(va uintptr) (uintptr, *kernel.Error) {
		return 0, &kernel.Error{Module: "vmm", Message: "not mapped"}
	}
	if got := sysTranslateAddress(0x1234); got != 0 {
		t.Fatalf("expected 0 for an unmapped address, got %#x", got)
	}
}

func TestTranslateAddressReturnsPhysicalAddress(t *testing.T) {
	resetSeams(t)
	translateFn = func(va uintptr) (uintptr, *kernel.Error) { return va + 0x1000, nil }
	if got := sysTranslateAddress(0x2000); got != 0x3000 {
		t.Fatalf("expected 0x3000, got %#x", got)
	}
}

func TestWriteRejectsNonStdoutFd(t *testing.T) {
	if got := sysWrite(2, 0, 0); got != 0 {
		t.Fatalf("expected 0 for fd != 1, got %#x", got)
	}
}

func TestWriteRejectsInvalidUtf8(t *testing.T) {
	data := []byte{0xff, 0xfe, 0xfd}
	got := sysWrite(stdoutFd, uint64(uintptr(unsafe.Pointer(&data[0]))), uint64(len(data)))
	if got != 0 {
		t.Fatalf("expected 0 for invalid utf8, got %#x", got)
	}
}

func TestWriteReturnsByteCountOnSuccess(t *testing.T) {
	data := []byte("hello")
	got := sysWrite(stdoutFd, uint64(uintptr(unsafe.Pointer(&data[0]))), uint64(len(data)))
	if got != uint64(len(data)) {
		t.Fatalf("expected %d, got %d", len(data), got)
	}
}

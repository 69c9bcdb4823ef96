// Package kheap is the kernel's own dynamic allocator: a fixed-size,
// first-fit free list over a run of frames mapped once at boot. It backs
// allocations the kernel makes for itself (process records, message
// buffers, and the like); it is not the per-process heap a user-mode
// program gets handed, whose allocator lives outside this kernel entirely.
package kheap

import (
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
	"github.com/agnos-os/hermes/kernel/sync"
)

// heapPages sizes the kernel heap at boot; it never grows.
const heapPages = 256

var (
	errAlreadyInit = &kernel.Error{Module: "kheap", Message: "kernel heap already initialized"}
	errNotInit     = &kernel.Error{Module: "kheap", Message: "kernel heap not initialized"}
	errOutOfRegion = &kernel.Error{Module: "kheap", Message: "no free virtual address range for the kernel heap"}
	errOutOfMemory = &kernel.Error{Module: "kheap", Message: "kernel heap exhausted"}
	errInvalidFree = &kernel.Error{Module: "kheap", Message: "address was not returned by Allocate"}
)

// The following functions are mocked by tests and are automatically
// inlined by the compiler.
var (
	findFreeRegionFn = vmm.FindFreeRegion
	mapFn            = vmm.Map
	frameAllocFn     = pmm.AllocFrame
)

// blockHeader prefixes every block on the free list. size is the usable
// capacity that follows the header, not counting the header itself.
type blockHeader struct {
	size uintptr
	next *blockHeader
}

var headerSize = unsafe.Sizeof(blockHeader{})

const minSplitRemainder = 32

var (
	lock      sync.TicketLock
	heapStart uintptr
	heapEnd   uintptr
	freeList  *blockHeader
)

// Init reserves heapPages worth of virtual address space, maps a frame
// behind each page, and seeds the free list with the whole range as one
// block. It must be called exactly once, after the frame and page table
// managers are up.
func Init() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if heapStart != 0 {
		return errAlreadyInit
	}

	startPage, ok := findFreeRegionFn(heapPages)
	if !ok {
		return errOutOfRegion
	}

	for i := uint32(0); i < heapPages; i++ {
		frame, err := frameAllocFn()
		if err != nil {
			return err
		}
		page := vmm.Page(uintptr(startPage) + uintptr(i))
		if err := mapFn(page, frame, vmm.FlagRW, frameAllocFn); err != nil {
			return err
		}
	}

	heapStart = startPage.Address()
	heapEnd = heapStart + uintptr(heapPages)*uintptr(mem.PageSize)

	first := (*blockHeader)(unsafe.Pointer(heapStart))
	first.size = heapEnd - heapStart - headerSize
	first.next = nil
	freeList = first

	return nil
}

// align rounds n up to the next multiple of 8, the header's own alignment.
func align(n uintptr) uintptr {
	const a = 8
	return (n + a - 1) &^ (a - 1)
}

// Allocate returns the address of a block of at least size usable bytes, or
// errOutOfMemory if no free-list block is large enough.
func Allocate(size uintptr) (uintptr, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	if heapStart == 0 {
		return 0, errNotInit
	}

	size = align(size)

	var prev *blockHeader
	for blk := freeList; blk != nil; prev, blk = blk, blk.next {
		if blk.size < size {
			continue
		}

		remainder := blk.size - size
		if remainder >= headerSize+minSplitRemainder {
			blk.size = size
			splitAddr := blockAddr(blk) + headerSize + size
			split := (*blockHeader)(unsafe.Pointer(splitAddr))
			split.size = remainder - headerSize
			split.next = blk.next
			if prev == nil {
				freeList = split
			} else {
				prev.next = split
			}
		} else {
			if prev == nil {
				freeList = blk.next
			} else {
				prev.next = blk.next
			}
		}

		blk.next = nil
		return blockAddr(blk) + headerSize, nil
	}

	return 0, errOutOfMemory
}

// Free returns a block previously returned by Allocate to the free list,
// coalescing it with any adjacent free neighbors.
func Free(addr uintptr) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if heapStart == 0 {
		return errNotInit
	}
	if addr < heapStart+headerSize || addr >= heapEnd {
		return errInvalidFree
	}

	blk := (*blockHeader)(unsafe.Pointer(addr - headerSize))

	var prev *blockHeader
	cur := freeList
	for cur != nil && blockAddr(cur) < blockAddr(blk) {
		prev, cur = cur, cur.next
	}

	blk.next = cur
	if prev == nil {
		freeList = blk
	} else {
		prev.next = blk
	}

	if cur != nil && blockAddr(blk)+headerSize+blk.size == blockAddr(cur) {
		blk.size += headerSize + cur.size
		blk.next = cur.next
	}

	if prev != nil && blockAddr(prev)+headerSize+prev.size == blockAddr(blk) {
		prev.size += headerSize + blk.size
		prev.next = blk.next
	}

	return nil
}

func blockAddr(b *blockHeader) uintptr {
	return uintptr(unsafe.Pointer(b))
}

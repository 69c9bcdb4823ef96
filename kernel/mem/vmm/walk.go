package vmm

import (
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem"
)

// pageLevels is the number of levels in the amd64 paging hierarchy: PML4,
// PDPT, PD and PT.
const pageLevels = 4

// entriesPerTable is the number of entries in any table at any level (amd64
// tables are always 4 KiB holding 512 8-byte entries).
const entriesPerTable = 512

// pageLevelShifts[l] is the bit position of the index consumed at level l
// when decomposing a 48-bit canonical virtual address; level pageLevels-1
// (PT) yields the in-page byte offset when masked instead.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// recursiveIndex is the PML4 index that is mapped back to the PML4 itself.
// See DESIGN.md for the resolution of spec.md's conflicting literal.
const recursiveIndex = mem.RecursiveEntryIndex

// tempMappingAddr is the fixed virtual address used by MapTemporary. It is
// reached by walking the recursive slot down to a page table whose PML4/PDPT/
// PD indices are (510, 511, 511), distinct from the full self-map address so
// that establishing the temporary mapping never aliases the active PML4.
const tempMappingAddr = uintptr(0xffffff7ffffff000)

// ErrInvalidMapping is returned when an operation addresses a virtual page
// that has no mapping at some level of the page-table hierarchy.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

var (
	// ptePtrFn resolves the virtual address of a page-table entry to a
	// pointer. It is the one seam that lets tests substitute an ordinary
	// Go-heap array for what would otherwise be a recursively-mapped
	// hardware page table, and is automatically inlined by the compiler
	// in the production build.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
)

// pageIndices decomposes a canonical virtual address into its four
// level indices (PML4, PDPT, PD, PT), each in [0, entriesPerTable).
func pageIndices(virtAddr uintptr) [pageLevels]uintptr {
	var idx [pageLevels]uintptr
	for l := 0; l < pageLevels; l++ {
		idx[l] = (virtAddr >> pageLevelShifts[l]) & (entriesPerTable - 1)
	}
	return idx
}

// signExtend48 sign-extends bit 47 of addr across bits 48-63, producing a
// canonical amd64 virtual address.
func signExtend48(addr uintptr) uintptr {
	const signBit = uintptr(1) << 47
	if addr&signBit != 0 {
		return addr | ^uintptr(0)<<48
	}
	return addr &^ (^uintptr(0) << 48)
}

// entryAddr returns the virtual address of the page-table entry for idx at
// paging level l (0 = PML4 down to pageLevels-1 = PT), reached via
// recursiveIndex self-mapping hops. Level l's table address uses
// (pageLevels-l) copies of recursiveIndex followed by the leading indices
// already resolved at shallower levels.
func entryAddr(l int, idx [pageLevels]uintptr) uintptr {
	n := pageLevels - l
	var addr uintptr
	for i := 0; i < pageLevels; i++ {
		var component uintptr
		if i < n {
			component = recursiveIndex
		} else {
			component = idx[i-n]
		}
		addr |= component << pageLevelShifts[i]
	}
	// The level-l index itself selects the entry within the table the
	// loop above has just addressed; it contributes an 8-byte-per-entry
	// offset rather than a further 9-bit shift.
	addr += idx[l] * 8
	return signExtend48(addr)
}

// walk invokes visitor once per paging level (0..pageLevels-1) for the
// page-table entry that corresponds to virtAddr, stopping early if visitor
// returns false.
func walk(virtAddr uintptr, visitor func(level uint8, pte *pageTableEntry) bool) {
	idx := pageIndices(virtAddr)
	for l := 0; l < pageLevels; l++ {
		pte := (*pageTableEntry)(ptePtrFn(entryAddr(l, idx)))
		if !visitor(uint8(l), pte) {
			return
		}
	}
}

// pteForAddress walks the active page tables down to the leaf entry for
// virtAddr, failing with ErrInvalidMapping if any intermediate level is not
// present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		leaf *pageTableEntry
		err  *kernel.Error
	)

	walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if level == pageLevels-1 {
			leaf = pte
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err != nil {
		return nil, err
	}
	return leaf, nil
}

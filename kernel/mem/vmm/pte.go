package vmm

import "github.com/agnos-os/hermes/kernel/mem/pmm"

// PageTableEntryFlag describes the bits that can be set on a pageTableEntry.
// The bit layout matches the amd64 page-table entry format.
type PageTableEntryFlag uint64

const (
	// FlagPresent indicates that the entry's frame is currently mapped.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW marks the mapping as writable; if unset the page is read-only.
	FlagRW

	// FlagUser marks the mapping as accessible from ring 3.
	FlagUser

	// FlagWriteThrough enables write-through caching for this mapping.
	FlagWriteThrough

	// FlagCacheDisable disables caching for this mapping.
	FlagCacheDisable

	// FlagAccessed is set by the CPU the first time the entry is used.
	FlagAccessed

	// FlagDirty is set by the CPU the first time the mapped page is written.
	FlagDirty

	// FlagHugePage marks a PDPT/PD entry as a terminal 1 GiB/2 MiB mapping
	// rather than a pointer to the next table level. This kernel never
	// sets it (spec.md Non-goals excludes large kernel mappings) but must
	// recognize and reject it if encountered.
	FlagHugePage

	// FlagGlobal marks the mapping as global, exempting it from TLB
	// flushes on a CR3 reload.
	FlagGlobal
)

const (
	// FlagCopyOnWrite is an OS-available bit (bit 9) used by the page-fault
	// handler to implement copy-on-write for reserved zero pages.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9
)

// FlagNoExecute is the top bit of the entry (bit 63), available only when
// the no-execute CPU feature is enabled. When set, the mapped page can never
// be fetched as an instruction.
const FlagNoExecute PageTableEntryFlag = 1 << 63

// pteFrameAddrMask isolates bits 12-51, the physical frame address encoded in
// every page-table entry.
const pteFrameAddrMask = 0x000ffffffffff000

// pageTableEntry is a single 8-byte page-table entry at any of the four
// paging levels. Its shape (and the missing walk-the-tables glue around it)
// is not present in the retrieval pack; it is reconstructed here from the
// contract implied by kernel/mem/vmm's surviving call sites and tests
// (map.go, pdt.go, translate.go, pte_test.go, vmm_test.go, map_test.go) plus
// the standard amd64 PTE layout.
type pageTableEntry uint64

// HasFlags returns true if every bit in flags is set on the entry.
func (e pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return pageTableEntry(flags)&e == pageTableEntry(flags)
}

// HasAnyFlag returns true if at least one bit in flags is set on the entry.
func (e pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return pageTableEntry(flags)&e != 0
}

// SetFlags sets the given bits on the entry, leaving others untouched.
func (e *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*e |= pageTableEntry(flags)
}

// ClearFlags clears the given bits on the entry, leaving others untouched.
func (e *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*e &^= pageTableEntry(flags)
}

// Frame returns the physical frame this entry points to.
func (e pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(e) & pteFrameAddrMask)
}

// SetFrame updates the entry's physical frame address, leaving its flags
// untouched.
func (e *pageTableEntry) SetFrame(f pmm.Frame) {
	*e = (*e &^ pteFrameAddrMask) | pageTableEntry(f.Address())&pteFrameAddrMask
}

package vmm

import (
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
)

// templatePdtFrame holds the PML4 frame that every new AddressSpace clones
// its top half from. It is populated once, by MarkLowHalfUnused, using the
// PDT that is active at boot.
var templatePdtFrame pmm.Frame

// AddressSpace wraps a PageDirectoryTable with the per-process lifecycle the
// spec's recursive 4-level scheme requires: every address space shares the
// same two top PML4 entries (the recursive slot and the kernel template) and
// differs only below index 510.
type AddressSpace struct {
	pdt PageDirectoryTable
}

// NewAddressSpace builds a PML4 in the caller-supplied pml4Frame: it clears
// the frame, copies the kernel template entry from the template PDT recorded
// by MarkLowHalfUnused, points the recursive slot at pml4Frame itself, and
// returns an AddressSpace ready to receive low-half mappings.
//
// The new PML4 is built via a temporary mapping so its contents can be
// populated before the address space is ever activated.
func NewAddressSpace(pml4Frame pmm.Frame) (AddressSpace, *kernel.Error) {
	as := AddressSpace{pdt: PageDirectoryTable{pdtFrame: pml4Frame}}

	// MapTemporary reuses one fixed virtual page, so the template entry is
	// read out before the new PML4 is mapped over it.
	templatePage, err := mapTemporaryFn(templatePdtFrame)
	if err != nil {
		return AddressSpace{}, err
	}
	srcEntries := (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(templatePage.Address()))
	templateEntry := srcEntries[mem.TemplateEntryIndex]
	unmapFn(templatePage)

	newPage, err := mapTemporaryFn(pml4Frame)
	if err != nil {
		return AddressSpace{}, err
	}

	// Everything below index 510 starts empty.
	mem.Memset(newPage.Address(), 0, mem.PageSize)

	dstEntries := (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(newPage.Address()))
	dstEntries[mem.TemplateEntryIndex] = templateEntry

	lastEntry := &dstEntries[mem.RecursiveEntryIndex]
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(pml4Frame)

	unmapFn(newPage)

	return as, nil
}

// PML4Frame returns the physical frame backing this address space's PML4.
func (as AddressSpace) PML4Frame() pmm.Frame {
	return as.pdt.pdtFrame
}

// Map installs a virtual-to-physical mapping in this address space.
func (as AddressSpace) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return as.pdt.Map(page, frame, flags, frameAllocator)
}

// Unmap removes a previously installed mapping from this address space.
func (as AddressSpace) Unmap(page Page) *kernel.Error {
	return as.pdt.Unmap(page)
}

// Activate loads this address space's PML4 into CR3, making it the one the
// MMU translates against.
func (as AddressSpace) Activate() {
	as.pdt.Activate()
}

// MarkLowHalfUnused records the currently active PDT as the template every
// subsequent NewAddressSpace call clones its top half from, and clears PML4
// entries 0..509 so the first address space built on it starts with an empty
// low half. It is called exactly once, during boot, before any process is
// created.
func MarkLowHalfUnused() *kernel.Error {
	templatePdtFrame = pmm.FrameFromAddress(activePDTFn())

	page, err := mapTemporaryFn(templatePdtFrame)
	if err != nil {
		return err
	}

	entries := (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(page.Address()))
	for i := uintptr(0); i < mem.TemplateEntryIndex; i++ {
		entries[i] = 0
	}

	unmapFn(page)
	return nil
}

package mem

// The fixed top-half virtual memory map. Every address space, once created
// from the kernel template, carries these addresses unchanged; only the low
// half (indices below RecursiveEntryIndex-1) differs per process. Values are
// grounded on the firmware handoff layout described by kernel/bootinfo and on
// the recursive-slot resolution documented in DESIGN.md.
const (
	// KernelImageAddr is the fixed virtual address the kernel's own ELF
	// image is linked and mapped at.
	KernelImageAddr = uintptr(0xffffffff80000000)

	// InitrdAddr is the fixed virtual address the initial RAM disk is
	// mapped at by the firmware loader before the kernel runs.
	InitrdAddr = uintptr(0xffffffff88000000)

	// VRAMAddr is the fixed virtual address of the linear framebuffer.
	VRAMAddr = uintptr(0xffffffffa0001000)

	// KernelStackTop is the top virtual address of every process's kernel
	// stack; the stack grows down from here.
	KernelStackTop = uintptr(0xffffffffc0000000)

	// RecursiveEntryIndex is the PML4 index that maps the active PML4 to
	// itself, making every page table reachable at a fixed virtual
	// address (see kernel/mem/vmm). The spec fixes this at 511; see
	// DESIGN.md for the resolution of the conflicting literal in spec.md.
	RecursiveEntryIndex = uintptr(511)

	// TemplateEntryIndex is the PML4 index copied from the shared
	// higher-half template at address-space creation and never mutated
	// afterwards by a running process.
	TemplateEntryIndex = uintptr(510)

	// RecursivePML4Addr is the virtual address of the active PML4 itself,
	// reached via four recursive hops through RecursiveEntryIndex.
	RecursivePML4Addr = uintptr(0xfffffffffffff000)
)

// InterruptStackTop returns the top of the interrupt stack for a kernel stack
// of the given size, per spec §3: "Interrupt stack: stack top minus (stack
// size / 2)".
func InterruptStackTop(stackTop uintptr, stackSize Size) uintptr {
	return stackTop - uintptr(stackSize/2)
}

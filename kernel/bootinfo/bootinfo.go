// Package bootinfo collects the firmware-to-kernel handoff record: the
// kernel image bounds, framebuffer descriptor, ACPI RSDP physical address
// and CONVENTIONAL memory regions that kernel/kmain needs to bring up the
// frame manager, page tables and ACPI timer, all read once via
// kernel/hal/multiboot before any of those subsystems exist.
package bootinfo

import (
	"github.com/agnos-os/hermes/kernel/hal/multiboot"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
)

// Info is the read-only snapshot of what the bootloader handed the kernel.
type Info struct {
	// KernelStart and KernelEnd are the physical addresses of the loaded
	// kernel image, supplied by the linker script via cmd/hermes.
	KernelStart uintptr
	KernelEnd   uintptr

	// Framebuffer describes the linear framebuffer set up by the
	// bootloader, or nil if none was provided.
	Framebuffer *multiboot.FramebufferInfo

	// AcpiRsdpAddr is the physical address of the ACPI RSDP table, or 0 if
	// the bootloader did not supply one.
	AcpiRsdpAddr uintptr

	// Regions lists every CONVENTIONAL (available) memory region reported
	// by firmware, converted to frame runs ready for pmm.Init.
	Regions []pmm.Region
}

// Collect points kernel/hal/multiboot at the info the bootloader left at
// infoPtr (via multiboot.SetInfoPtr) and assembles an Info describing it.
// It must be called before pmm.Init.
func Collect(infoPtr, kernelStart, kernelEnd uintptr) *Info {
	multiboot.SetInfoPtr(infoPtr)

	info := &Info{
		KernelStart:  kernelStart,
		KernelEnd:    kernelEnd,
		Framebuffer:  multiboot.GetFramebufferInfo(),
		AcpiRsdpAddr: multiboot.GetACPIRSDPAddr(),
	}

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		start := pmm.FrameFromAddress(uintptr(entry.PhysAddress))
		numPages := uint64(entry.Length) >> 12
		if numPages == 0 {
			return true
		}

		info.Regions = append(info.Regions, pmm.Region{Start: start, NumPages: numPages})
		return true
	})

	return info
}

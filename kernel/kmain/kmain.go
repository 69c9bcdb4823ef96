package kmain

import (
	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/apic"
	"github.com/agnos-os/hermes/kernel/bootinfo"
	"github.com/agnos-os/hermes/kernel/cpu"
	"github.com/agnos-os/hermes/kernel/goruntime"
	"github.com/agnos-os/hermes/kernel/hal"
	"github.com/agnos-os/hermes/kernel/initrd"
	"github.com/agnos-os/hermes/kernel/irq"
	"github.com/agnos-os/hermes/kernel/kfmt"
	"github.com/agnos-os/hermes/kernel/mem/kheap"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
	"github.com/agnos-os/hermes/kernel/proc"
	"github.com/agnos-os/hermes/kernel/sched"
	"github.com/agnos-os/hermes/kernel/syscall"
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return; it ends in the idle loop. If it somehow
// did return, the rt0 code would halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	kfmt.SetOutputSink(hal.ActiveTerminal)

	info := bootinfo.Collect(multibootInfoPtr, kernelStart, kernelEnd)

	pmm.Init(info.Regions)
	vmm.SetFrameAllocator(pmm.AllocFrame)

	var err *kernel.Error
	if err = vmm.Init(); err != nil {
		kernel.Panic(err)
	} else if err = goruntime.Init(); err != nil {
		kernel.Panic(err)
	} else if err = kheap.Init(); err != nil {
		kernel.Panic(err)
	}

	irq.Init()

	timer, err := apic.New(info.AcpiRsdpAddr)
	if err != nil {
		kernel.Panic(err)
	}
	sched.Wire(timer)
	syscall.Init()

	spawnServers()

	cpu.EnableInterrupts()
	cpu.RaiseInterrupt(apic.Vector)
	for {
		cpu.Halt()
		sched.ReapExited()
	}
}

// spawnServers loads and schedules every process found in the boot-time
// initrd, in archive order. A server that fails to load is logged and
// skipped rather than treated as a boot failure, so one broken binary does
// not take the whole system down with it.
func spawnServers() {
	names, err := initrd.List()
	if err != nil {
		kfmt.Printf("kmain: failed to read initrd: %s\n", err.Error())
		return
	}

	for _, name := range names {
		image, err := initrd.Lookup(name)
		if err != nil {
			kfmt.Printf("kmain: %s: lookup failed: %s\n", name, err.Error())
			continue
		}

		p, err := proc.Spawn(name, image)
		if err != nil {
			kfmt.Printf("kmain: %s: failed to load: %s\n", name, err.Error())
			continue
		}

		if err := sched.Add(p); err != nil {
			kfmt.Printf("kmain: %s: failed to add to process table: %s\n", name, err.Error())
			continue
		}
		sched.Push(p.ID)
	}
}

// Package proc defines the process record and the bookkeeping needed to
// create one: a private address space, a user-mode stack, a kernel-mode
// stack for interrupt/syscall entry, and a PID. It knows nothing about
// scheduling order or IPC rendezvous state transitions; those live in
// kernel/sched and kernel/ipc, which both operate on the fields exported
// here.
package proc

import (
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/cpu"
	"github.com/agnos-os/hermes/kernel/elf"
	"github.com/agnos-os/hermes/kernel/irq"
	"github.com/agnos-os/hermes/kernel/mem"
	"github.com/agnos-os/hermes/kernel/mem/kpbox"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
	"github.com/agnos-os/hermes/kernel/sync"
)

// Pid identifies a process. PIDs are assigned as the lowest currently-free
// non-negative integer and are reused once a process is reaped.
type Pid int32

// NoPid is never a valid process id; it is used as a sentinel.
const NoPid Pid = -1

// rflagsInterruptEnable is the bit pattern a freshly synthesized process
// frame carries: IF set plus the reserved bit 1, which the CPU always
// requires set in RFLAGS.
const rflagsInterruptEnable = 1<<1 | 1<<9

const (
	// UserStackPages sizes every process's user-mode stack.
	UserStackPages = 4

	// UserStackAddr is the fixed virtual address of the user-mode stack in
	// every process's own address space. Each process owns a private lower
	// half, so the same address is reused by all of them without conflict.
	UserStackAddr uintptr = 0x0000000000700000

	// KernelStackPages sizes the ring-0 stack the CPU switches to whenever
	// an interrupt or syscall raises a process from ring 3.
	KernelStackPages = 4
)

var errOutOfPids = &kernel.Error{Module: "proc", Message: "process table exhausted"}

// The following functions are mocked by tests and are automatically inlined
// by the compiler.
var (
	allocRunFn      = pmm.AllocRun
	readTemplateFn  = readTemplateEntry
	writeTemplateFn = writeTemplateEntry
	loadImageFn     = elf.LoadImage
)

// SavedState is the register and interrupt-frame snapshot the scheduler
// restores when it hands the CPU back to a process. It is kernel-owned and
// kernel-mapped, so it stays reachable regardless of which process's page
// tables are currently active.
type SavedState struct {
	Regs  irq.Regs
	Frame irq.Frame
}

// Filter selects which senders a blocked receive is willing to wake for:
// either a specific PID or any PID at all.
type Filter struct {
	Any  bool
	From Pid
}

// Process is the kernel's record of a single address space and its IPC
// state. The fields a send/receive rendezvous manipulates (MsgPtr, SendTo,
// ReceiveFrom, SendersWaiting) are exported so kernel/ipc can read and
// mutate them directly; kernel/sched and kernel/ipc are trusted callers,
// not the public API boundary (that boundary is kernel/syscall).
type Process struct {
	ID   Pid
	Name string

	PML4        pmm.Frame
	StackBase   pmm.Frame
	KernelStack *kpbox.KpBox[byte]
	StackFrame  *kpbox.KpBox[SavedState]
	Binary      *kpbox.KpBox[byte]

	// MsgPtr is the physical address of the caller's message buffer while
	// a send or receive is blocked; zero otherwise.
	MsgPtr uintptr

	// SendTo is set while this process is blocked in SEND_WAIT.
	SendTo *Pid

	// ReceiveFrom is set while this process is blocked in RECV_WAIT.
	ReceiveFrom *Filter

	// SendersWaiting is the FIFO queue of PIDs blocked in SEND_WAIT(to=this).
	SendersWaiting []Pid
}

// StackBottom returns the virtual address of the bottom of this process's
// user-mode stack (its highest address; the stack grows down from here).
func (p *Process) StackBottom() uintptr {
	return UserStackAddr + UserStackPages*uintptr(mem.PageSize)
}

var (
	pidLock  sync.TicketLock
	usedPids = map[Pid]struct{}{}
)

// allocatePid returns the lowest non-negative integer not currently in use.
func allocatePid() (Pid, *kernel.Error) {
	pidLock.Acquire()
	defer pidLock.Release()

	for candidate := Pid(0); candidate < 1<<20; candidate++ {
		if _, taken := usedPids[candidate]; !taken {
			usedPids[candidate] = struct{}{}
			return candidate, nil
		}
	}
	return NoPid, errOutOfPids
}

func releasePid(pid Pid) {
	pidLock.Acquire()
	defer pidLock.Release()
	delete(usedPids, pid)
}

// readTemplateEntry reads the raw page-table entry the active PML4 has
// installed at mem.TemplateEntryIndex, by way of the recursive self-mapping
// every PML4 carries at its last entry.
func readTemplateEntry() uint64 {
	addr := mem.RecursivePML4Addr + uintptr(mem.TemplateEntryIndex)<<mem.PointerShift
	return *(*uint64)(unsafe.Pointer(addr))
}

// writeTemplateEntry installs raw at mem.TemplateEntryIndex of the PML4
// backed by frame, temporarily mapping it to do so. Sharing this entry's
// frame pointer across every process is what keeps the kernel's own
// mappings (image, heap, stacks, framebuffer) visible no matter whose
// address space is active, without having to update existing processes
// whenever the kernel adds a new mapping under that slot.
func writeTemplateEntry(frame pmm.Frame, raw uint64) *kernel.Error {
	page, err := vmm.MapTemporary(frame)
	if err != nil {
		return err
	}
	defer vmm.Unmap(page)

	entryAddr := page.Address() + uintptr(mem.TemplateEntryIndex)<<mem.PointerShift
	*(*uint64)(unsafe.Pointer(entryAddr)) = raw
	return nil
}

// addressSpace allocates a fresh PML4, installs the shared kernel template
// mapping into it, and maps a private user-mode stack. The returned
// PageDirectoryTable is not yet active; callers map further pages into it
// (e.g. kernel/elf.LoadImage) before the process is ever scheduled.
func addressSpace() (pmm.Frame, vmm.PageDirectoryTable, pmm.Frame, *kernel.Error) {
	var pdt vmm.PageDirectoryTable

	pml4Frame, err := allocRunFn(1)
	if err != nil {
		return 0, pdt, 0, err
	}

	if err := pdt.Init(pml4Frame); err != nil {
		return 0, pdt, 0, err
	}

	if err := writeTemplateFn(pml4Frame, readTemplateFn()); err != nil {
		return 0, pdt, 0, err
	}

	stackBase, err := allocRunFn(UserStackPages)
	if err != nil {
		return 0, pdt, 0, err
	}
	for i := uint64(0); i < UserStackPages; i++ {
		page := vmm.PageFromAddress(UserStackAddr + uintptr(i)*uintptr(mem.PageSize))
		if err := pdt.Map(page, stackBase+pmm.Frame(i), vmm.FlagRW|vmm.FlagUser, pmm.AllocFrame); err != nil {
			return 0, pdt, 0, err
		}
	}

	return pml4Frame, pdt, stackBase, nil
}

// finish allocates the kernel-mode stack and synthesizes an initial saved
// state as if the process had just reached entry at ring 3 with interrupts
// enabled, completing either New or Spawn.
func finish(pid Pid, name string, pml4Frame, stackBase pmm.Frame, entry uintptr) (*Process, *kernel.Error) {
	kernelStack, err := kpbox.NewSlice[byte](0, KernelStackPages*int(mem.PageSize))
	if err != nil {
		releasePid(pid)
		return nil, err
	}

	p := &Process{
		ID:          pid,
		Name:        name,
		PML4:        pml4Frame,
		StackBase:   stackBase,
		KernelStack: kernelStack,
	}

	savedState, err := kpbox.New(SavedState{
		Frame: irq.Frame{
			RIP:    uint64(entry),
			CS:     uint64(cpu.UserCodeSelector),
			RFlags: rflagsInterruptEnable,
			RSP:    uint64(p.StackBottom()),
			SS:     uint64(cpu.UserDataSelector),
		},
	})
	if err != nil {
		kernelStack.Close()
		releasePid(pid)
		return nil, err
	}
	p.StackFrame = savedState

	return p, nil
}

// New allocates a fresh address space, maps a private user-mode stack and a
// kernel-mode stack into it, installs the shared kernel template mapping,
// and synthesizes an initial saved state as if the process had just reached
// entry at ring 3 with interrupts enabled. Callers that already know the
// process's entry point outside of an ELF image use this directly; callers
// starting from an initrd binary should use Spawn instead.
func New(name string, entry uintptr) (*Process, *kernel.Error) {
	pid, err := allocatePid()
	if err != nil {
		return nil, err
	}

	pml4Frame, _, stackBase, err := addressSpace()
	if err != nil {
		releasePid(pid)
		return nil, err
	}

	return finish(pid, name, pml4Frame, stackBase, entry)
}

// Spawn allocates a fresh address space, loads image's PT_LOAD segments into
// it via kernel/elf, and synthesizes an initial saved state at the image's
// entry point. Unlike New, the caller never sees the binary's entry address;
// it is read out of the ELF header itself.
func Spawn(name string, image []byte) (*Process, *kernel.Error) {
	pid, err := allocatePid()
	if err != nil {
		return nil, err
	}

	pml4Frame, pdt, stackBase, err := addressSpace()
	if err != nil {
		releasePid(pid)
		return nil, err
	}

	entry, err := loadImageFn(&pdt, image)
	if err != nil {
		releasePid(pid)
		return nil, err
	}

	return finish(pid, name, pml4Frame, stackBase, entry)
}

// Reap releases a process's kernel-owned resources. It does not touch the
// runnable queue or process table; kernel/sched calls it once it has
// decided a process is safe to discard.
func Reap(p *Process) *kernel.Error {
	if p.KernelStack != nil {
		if err := p.KernelStack.Close(); err != nil {
			return err
		}
	}
	if p.StackFrame != nil {
		if err := p.StackFrame.Close(); err != nil {
			return err
		}
	}
	if p.Binary != nil {
		if err := p.Binary.Close(); err != nil {
			return err
		}
	}
	for i := uint64(0); i < UserStackPages; i++ {
		if err := pmm.FreeFrame(p.StackBase + pmm.Frame(i)); err != nil {
			return err
		}
	}
	if err := pmm.FreeFrame(p.PML4); err != nil {
		return err
	}
	releasePid(p.ID)
	return nil
}

// Package syscall is the gateway between user-mode processes and the
// kernel: a fixed, 11-entry dispatch table reached either through the
// SYSCALL/SYSRET fast path or, as a fallback, through interrupt vector
// 0x80. Every call takes up to three arguments and returns a single value;
// recoverable failures are reported as zero (or, where zero is itself a
// valid success value, as a small sentinel), never through a panic.
package syscall

import (
	"math"
	"unicode/utf8"
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/cpu"
	"github.com/agnos-os/hermes/kernel/ipc"
	"github.com/agnos-os/hermes/kernel/irq"
	"github.com/agnos-os/hermes/kernel/kfmt"
	"github.com/agnos-os/hermes/kernel/mem"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
	"github.com/agnos-os/hermes/kernel/proc"
	"github.com/agnos-os/hermes/kernel/sched"
)

// SoftwareVector is the IDT vector user space can trigger directly with
// INT as a fallback entry into the gateway; vector 0x81 is reserved
// alongside it but is not currently wired to anything.
const SoftwareVector irq.ExceptionNum = 0x80

// fmaskValue disables interrupts for the duration of a SYSCALL-entered
// dispatch, matching the software-interrupt path where the CPU itself
// clears IF on entry through the IDT gate.
const fmaskValue uint64 = 0x200

// The recognized syscall numbers, in argument-register order (id, a1, a2,
// a3) with a single return value.
const (
	AllocatePages uint64 = iota
	DeallocatePages
	MapPages
	UnmapPages
	TranslateAddress
	Send
	ReceiveFromAny
	ReceiveFrom
	Write
	Exit
	Panic
)

// errReturn is the C-style "negative small integer" this gateway returns
// for a recoverable error from an operation whose success value is itself
// sometimes zero (IPC and Exit-adjacent calls).
const errReturn = math.MaxUint64

// The following functions are mocked by tests and are automatically
// inlined by the compiler.
var (
	findFreeRegionFn = vmm.FindFreeRegion
	mapFn            = vmm.Map
	unmapFn          = vmm.Unmap
	translateFn      = vmm.Translate
	allocFrameFn     = pmm.AllocFrame
	freeFrameFn      = pmm.FreeFrame
)

// Init configures the SYSCALL/SYSRET fast path (STAR/LSTAR/FMASK MSRs,
// EFER.SCE) and registers Dispatch against the int 0x80 fallback gate.
func Init() {
	enableFastSyscall(cpu.StarValue(), fmaskValue)

	irq.HandleInterrupt(SoftwareVector, 0, func(info uint64, frame *irq.Frame, regs *irq.Regs) {
		regs.RAX = Dispatch(regs.RAX, regs.RDI, regs.RSI, regs.RDX)
	})
}

// enableFastSyscall writes the STAR/LSTAR/FMASK MSRs and sets EFER.SCE,
// pointing LSTAR at this package's own naked SYSCALL entry trampoline. The
// trampoline saves RCX/R11 (clobbered by the SYSCALL instruction) and RBP,
// switches onto a fixed kernel scratch stack, remaps the SYSV argument
// registers into (id, a1, a2, a3), calls Dispatch, restores registers and
// issues SYSRETQ.
func enableFastSyscall(star, fmask uint64)

// Dispatch routes a single syscall to its handler and returns its result.
// Unknown syscall numbers return errReturn.
func Dispatch(id, a1, a2, a3 uint64) uint64 {
	switch id {
	case AllocatePages:
		return sysAllocatePages(a1)
	case DeallocatePages:
		return sysDeallocatePages(a1, a2)
	case MapPages:
		return sysMapPages(a1, a2)
	case UnmapPages:
		return sysUnmapPages(a1, a2)
	case TranslateAddress:
		return sysTranslateAddress(a1)
	case Send:
		return sysSend(a1, a2)
	case ReceiveFromAny:
		return sysReceiveFromAny(a1)
	case ReceiveFrom:
		return sysReceiveFrom(a1, a2)
	case Write:
		return sysWrite(a1, a2, a3)
	case Exit:
		sched.Exit()
		return 0 // unreachable: Exit never returns
	case Panic:
		return sysPanic(a1)
	default:
		return errReturn
	}
}

func sysAllocatePages(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	page, ok := findFreeRegionFn(uint(n))
	if !ok {
		return 0
	}
	for i := uint64(0); i < n; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			for j := uint64(0); j < i; j++ {
				unmapFn(vmm.Page(uintptr(page) + uintptr(j)))
			}
			return 0
		}
		if err := mapFn(vmm.Page(uintptr(page)+uintptr(i)), frame, vmm.FlagRW|vmm.FlagUser, allocFrameFn); err != nil {
			for j := uint64(0); j < i; j++ {
				unmapFn(vmm.Page(uintptr(page) + uintptr(j)))
			}
			return 0
		}
	}
	return uint64(page.Address())
}

func sysDeallocatePages(va, n uint64) uint64 {
	base := vmm.PageFromAddress(uintptr(va))
	for i := uint64(0); i < n; i++ {
		page := vmm.Page(uintptr(base) + uintptr(i))
		if phys, err := translateFn(page.Address()); err == nil {
			freeFrameFn(pmm.FrameFromAddress(phys))
		}
		unmapFn(page)
	}
	return 0
}

func sysMapPages(pa, bytes uint64) uint64 {
	n := mem.Size(bytes).Pages()
	if n == 0 {
		n = 1
	}
	page, ok := findFreeRegionFn(uint(n))
	if !ok {
		return 0
	}
	startFrame := pmm.FrameFromAddress(uintptr(pa))
	for i := uint32(0); i < n; i++ {
		if err := mapFn(vmm.Page(uintptr(page)+uintptr(i)), startFrame+pmm.Frame(i), vmm.FlagRW|vmm.FlagUser, allocFrameFn); err != nil {
			for j := uint32(0); j < i; j++ {
				unmapFn(vmm.Page(uintptr(page) + uintptr(j)))
			}
			return 0
		}
	}
	return uint64(page.Address())
}

func sysUnmapPages(va, bytes uint64) uint64 {
	n := mem.Size(bytes).Pages()
	if n == 0 {
		n = 1
	}
	base := vmm.PageFromAddress(uintptr(va))
	for i := uint32(0); i < n; i++ {
		unmapFn(vmm.Page(uintptr(base) + uintptr(i)))
	}
	return 0
}

func sysTranslateAddress(va uint64) uint64 {
	pa, err := translateFn(uintptr(va))
	if err != nil {
		return 0
	}
	return uint64(pa)
}

func sysSend(msgVA, to uint64) uint64 {
	if err := ipc.Send(uintptr(msgVA), proc.Pid(to)); err != nil {
		return errReturn
	}
	return 0
}

func sysReceiveFromAny(bufVA uint64) uint64 {
	if err := ipc.ReceiveFromAny(uintptr(bufVA)); err != nil {
		return errReturn
	}
	return 0
}

func sysReceiveFrom(bufVA, from uint64) uint64 {
	if err := ipc.ReceiveFrom(uintptr(bufVA), proc.Pid(from)); err != nil {
		return errReturn
	}
	return 0
}

// stdoutFd is the only file descriptor Write currently recognizes.
const stdoutFd = 1

func sysWrite(fd, bufVA, nbyte uint64) uint64 {
	if fd != stdoutFd || nbyte == 0 {
		return 0
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(bufVA))), int(nbyte))
	if !utf8.Valid(data) {
		return 0
	}
	kfmt.Printf("%s", string(data))
	return nbyte
}

func sysPanic(infoPtr uint64) uint64 {
	name := "<unknown>"
	sched.HandleRunning(func(p *proc.Process) { name = p.Name })
	kernel.Panic(&kernel.Error{Module: "syscall", Message: name + " panicked"})
	return 0 // unreachable: kernel.Panic halts
}

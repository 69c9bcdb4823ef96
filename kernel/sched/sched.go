// Package sched owns the runnable queue and the process table: which PIDs
// exist, which of them are schedulable right now, and which one the CPU is
// currently running. It is the only package allowed to rotate the runnable
// queue or switch CR3/the TSS's kernel-stack field; kernel/ipc reaches into
// the process table through the accessor helpers here rather than keeping
// its own copy of process state.
package sched

import (
	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/apic"
	"github.com/agnos-os/hermes/kernel/cpu"
	"github.com/agnos-os/hermes/kernel/irq"
	"github.com/agnos-os/hermes/kernel/proc"
	"github.com/agnos-os/hermes/kernel/sync"
)

var (
	errUnknownPid  = &kernel.Error{Module: "sched", Message: "no such process"}
	errDuplicatePid = &kernel.Error{Module: "sched", Message: "pid already registered"}
	errEmptyRunnable = &kernel.Error{Module: "sched", Message: "no runnable process"}
)

// The following functions are mocked by tests and are automatically
// inlined by the compiler.
var (
	activePDTFn             = cpu.ActivePDT
	switchPDTFn             = cpu.SwitchPDT
	setKernelStackPointerFn = cpu.SetKernelStackPointer
	raiseInterruptFn        = cpu.RaiseInterrupt
)

var (
	lock      sync.TicketLock
	processes = map[proc.Pid]*proc.Process{}
	runnable  []proc.Pid
	zombies   []proc.Pid
)

// Add registers a new process. The process is not runnable until Push is
// also called for it.
func Add(p *proc.Process) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if _, exists := processes[p.ID]; exists {
		return errDuplicatePid
	}
	processes[p.ID] = p
	return nil
}

// Remove drops a process from the table. The caller must ensure it is
// already absent from the runnable queue and from any other process's
// senders_waiting.
func Remove(pid proc.Pid) {
	lock.Acquire()
	defer lock.Release()
	delete(processes, pid)
}

// Push appends pid to the back of the runnable queue.
func Push(pid proc.Pid) {
	lock.Acquire()
	defer lock.Release()
	runnable = append(runnable, pid)
}

// Pop removes pid from wherever it sits in the runnable queue, if present.
// It is used both when a process blocks on IPC and when it exits.
func Pop(pid proc.Pid) {
	lock.Acquire()
	defer lock.Release()
	for i, candidate := range runnable {
		if candidate == pid {
			runnable = append(runnable[:i], runnable[i+1:]...)
			return
		}
	}
}

// IsRunnable reports whether pid currently sits anywhere in the runnable
// queue.
func IsRunnable(pid proc.Pid) bool {
	lock.Acquire()
	defer lock.Release()
	for _, candidate := range runnable {
		if candidate == pid {
			return true
		}
	}
	return false
}

// ActivePid returns the PID at the head of the runnable queue: the process
// the CPU is currently running (or about to run, between a Switch and the
// interrupt return that follows it).
func ActivePid() (proc.Pid, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()
	if len(runnable) == 0 {
		return proc.NoPid, errEmptyRunnable
	}
	return runnable[0], nil
}

// Handle runs fn with the process record for pid, if one exists.
func Handle(pid proc.Pid, fn func(*proc.Process)) *kernel.Error {
	lock.Acquire()
	defer lock.Release()
	p, ok := processes[pid]
	if !ok {
		return errUnknownPid
	}
	fn(p)
	return nil
}

// HandleRunning runs fn with the process record currently at the head of
// the runnable queue.
func HandleRunning(fn func(*proc.Process)) *kernel.Error {
	lock.Acquire()
	pid := proc.NoPid
	if len(runnable) > 0 {
		pid = runnable[0]
	}
	lock.Release()
	if pid == proc.NoPid {
		return errEmptyRunnable
	}
	return Handle(pid, fn)
}

// Switch rotates the runnable queue left by one, makes the new head's
// address space active, points the TSS at its kernel stack, and returns the
// virtual address of its saved stack frame top so the interrupt epilogue
// can restore from it.
func Switch() (uintptr, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	if len(runnable) == 0 {
		return 0, errEmptyRunnable
	}
	if len(runnable) > 1 {
		runnable = append(runnable[1:], runnable[0])
	}

	next, ok := processes[runnable[0]]
	if !ok {
		return 0, errUnknownPid
	}

	if next.PML4.Address() != activePDTFn() {
		switchPDTFn(next.PML4.Address())
	}
	kernelStackTop := next.KernelStack.VirtAddr() + uintptr(next.KernelStack.Bytes())
	setKernelStackPointerFn(kernelStackTop)
	return next.StackFrame.VirtAddr(), nil
}

// Tick services one timer interrupt: it acknowledges the interrupt with the
// local APIC and performs the rotation the scheduler performs on every
// tick. Wired to apic.Vector via irq.HandleInterrupt during boot. The
// saved-frame address returned by Switch is discarded here; Tick does not
// replace the interrupted frame or registers.
func Tick(eoi func(), _ uint64, _ *irq.Frame, _ *irq.Regs) {
	if eoi != nil {
		eoi()
	}
	Switch()
}

// Wire registers Tick against the local APIC timer's interrupt vector.
func Wire(timer *apic.Timer) {
	irq.HandleInterrupt(apic.Vector, 0, func(info uint64, frame *irq.Frame, regs *irq.Regs) {
		Tick(timer.SendEOI, info, frame, regs)
	})
}

// Exit removes the currently running process from the runnable queue and
// forces an immediate reschedule. The process record itself is left live
// in the table, queued as a zombie, until ReapExited collects it; the
// exiting process's own memory may be unreachable from here on, so no
// cleanup happens on this path. Exit never returns.
func Exit() {
	lock.Acquire()
	if len(runnable) > 0 {
		pid := runnable[0]
		runnable = runnable[1:]
		zombies = append(zombies, pid)
	}
	lock.Release()

	raiseInterruptFn(apic.Vector)
	for {
		cpu.Halt()
	}
}

// ReapExited drains the zombie queue, closing each exited process's
// kernel-owned resources and removing it from the process table. It is
// meant to be called from the kernel's idle loop, never from an interrupt
// or syscall context.
func ReapExited() {
	lock.Acquire()
	pending := zombies
	zombies = nil
	lock.Release()

	for _, pid := range pending {
		lock.Acquire()
		p, ok := processes[pid]
		delete(processes, pid)
		lock.Release()

		if ok {
			proc.Reap(p)
		}
	}
}

// Package ipc implements the kernel's one IPC primitive: synchronous
// rendezvous. There is no kernel-side message queue; at any instant at most
// one message is in flight between any pair of processes, and all waiting
// is represented purely as process state (kernel/proc.Process's MsgPtr,
// SendTo, ReceiveFrom and SendersWaiting fields) plus absence from
// kernel/sched's runnable queue.
package ipc

import (
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
	"github.com/agnos-os/hermes/kernel/proc"
	"github.com/agnos-os/hermes/kernel/sched"
)

// WordsPerMessage is the fixed size of every rendezvous message.
const WordsPerMessage = 4

// Message is the wire format exchanged between processes. Word 0 is
// reserved: the kernel overwrites it with the sender's PID at delivery
// time, regardless of what the sender placed there.
type Message [WordsPerMessage]uint64

var (
	errSelfSend    = &kernel.Error{Module: "ipc", Message: "a process cannot send to itself"}
	errSelfReceive = &kernel.Error{Module: "ipc", Message: "a process cannot receive from itself"}
)

// The following functions are mocked by tests and are automatically
// inlined by the compiler.
var (
	translateFn    = vmm.Translate
	mapTemporaryFn = vmm.MapTemporary
	unmapFn        = vmm.Unmap
)

// readMessage copies a Message out of physical memory that does not belong
// to the currently active address space, via a temporary mapping.
func readMessage(phys uintptr) (Message, *kernel.Error) {
	var msg Message
	pageAddr := phys &^ uintptr(mem.PageSize-1)
	offset := phys - pageAddr

	page, err := mapTemporaryFn(pmm.FrameFromAddress(pageAddr))
	if err != nil {
		return msg, err
	}
	defer unmapFn(page)

	msg = *(*Message)(unsafe.Pointer(page.Address() + offset))
	return msg, nil
}

// writeMessage copies a Message into physical memory that does not belong
// to the currently active address space, via a temporary mapping.
func writeMessage(phys uintptr, msg Message) *kernel.Error {
	pageAddr := phys &^ uintptr(mem.PageSize-1)
	offset := phys - pageAddr

	page, err := mapTemporaryFn(pmm.FrameFromAddress(pageAddr))
	if err != nil {
		return err
	}
	defer unmapFn(page)

	*(*Message)(unsafe.Pointer(page.Address() + offset)) = msg
	return nil
}

// Send copies the four words at msgVA (in the calling process's own address
// space) to to's receive buffer and wakes it, if to is already blocked
// waiting for this sender or for any sender. Otherwise the caller blocks,
// enqueued on to's SendersWaiting, until a matching receive completes the
// rendezvous.
func Send(msgVA uintptr, to proc.Pid) *kernel.Error {
	self, err := sched.ActivePid()
	if err != nil {
		return err
	}
	if self == to {
		return errSelfSend
	}

	phys, err := translateFn(msgVA)
	if err != nil {
		return err
	}
	msg := *(*Message)(unsafe.Pointer(msgVA))

	delivered := false
	var deliverErr *kernel.Error
	if err := sched.Handle(to, func(target *proc.Process) {
		if target.ReceiveFrom != nil && (target.ReceiveFrom.Any || target.ReceiveFrom.From == self) {
			msg[0] = uint64(self)
			if werr := writeMessage(target.MsgPtr, msg); werr != nil {
				deliverErr = werr
				return
			}
			target.MsgPtr = 0
			target.ReceiveFrom = nil
			delivered = true
			return
		}
		target.SendersWaiting = append(target.SendersWaiting, self)
	}); err != nil {
		return err
	}
	if deliverErr != nil {
		return deliverErr
	}

	if delivered {
		sched.Push(to)
		return nil
	}

	toCopy := to
	if err := sched.Handle(self, func(s *proc.Process) {
		s.MsgPtr = phys
		s.SendTo = &toCopy
	}); err != nil {
		return err
	}
	sched.Pop(self)
	return nil
}

// ReceiveFrom blocks until a message arrives specifically from from.
func ReceiveFrom(bufVA uintptr, from proc.Pid) *kernel.Error {
	return receive(bufVA, &proc.Filter{From: from})
}

// ReceiveFromAny blocks until a message arrives from any sender, observing
// senders in FIFO order of arrival into SendersWaiting.
func ReceiveFromAny(bufVA uintptr) *kernel.Error {
	return receive(bufVA, &proc.Filter{Any: true})
}

func receive(bufVA uintptr, filter *proc.Filter) *kernel.Error {
	self, err := sched.ActivePid()
	if err != nil {
		return err
	}
	if !filter.Any && filter.From == self {
		return errSelfReceive
	}

	phys, err := translateFn(bufVA)
	if err != nil {
		return err
	}

	sender := proc.NoPid
	if err := sched.Handle(self, func(r *proc.Process) {
		if filter.Any {
			if len(r.SendersWaiting) > 0 {
				sender = r.SendersWaiting[0]
				r.SendersWaiting = r.SendersWaiting[1:]
			}
			return
		}
		for i, candidate := range r.SendersWaiting {
			if candidate == filter.From {
				sender = candidate
				r.SendersWaiting = append(r.SendersWaiting[:i], r.SendersWaiting[i+1:]...)
				return
			}
		}
	}); err != nil {
		return err
	}

	if sender == proc.NoPid {
		if err := sched.Handle(self, func(r *proc.Process) {
			r.MsgPtr = phys
			r.ReceiveFrom = filter
		}); err != nil {
			return err
		}
		sched.Pop(self)
		return nil
	}

	var msg Message
	var readErr *kernel.Error
	if err := sched.Handle(sender, func(s *proc.Process) {
		m, rerr := readMessage(s.MsgPtr)
		if rerr != nil {
			readErr = rerr
			return
		}
		msg = m
		msg[0] = uint64(sender)
		s.MsgPtr = 0
		s.SendTo = nil
	}); err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}

	*(*Message)(unsafe.Pointer(bufVA)) = msg
	sched.Push(sender)
	return nil
}

package cpu

// GDT selector layout. The kernel and user code/data descriptors are ordered
// so a single STAR MSR value serves both SYSCALL and SYSRET: SYSCALL loads
// CS=syscallBase, SS=syscallBase+8; SYSRET loads CS=sysretBase+16,
// SS=sysretBase+8. KernelCodeSelector is the syscallBase; the unused 32-bit
// user code slot at 0x18 is the sysretBase required to land UserDataSelector
// and UserCodeSelector at +8/+16 from it.
const (
	NullSelector       uint16 = 0x00
	KernelCodeSelector uint16 = 0x08
	KernelDataSelector uint16 = 0x10
	userCode32Selector uint16 = 0x18
	UserDataSelector   uint16 = 0x20 | 3
	UserCodeSelector   uint16 = 0x28 | 3
	TSSSelector        uint16 = 0x30
)

// Model-specific registers used to configure the SYSCALL/SYSRET fast
// syscall path.
const (
	MsrEFER  uint32 = 0xc0000080
	MsrSTAR  uint32 = 0xc0000081
	MsrLSTAR uint32 = 0xc0000082
	MsrFMASK uint32 = 0xc0000084

	EferSyscallEnable uint64 = 1 << 0
)

// StarValue packs the syscall/sysret selector bases into the layout the
// SYSCALL and SYSRET instructions expect from the STAR MSR.
func StarValue() uint64 {
	return uint64(userCode32Selector)<<48 | uint64(KernelCodeSelector)<<32
}

// SetKernelStackPointer updates the TSS's RSP0 field: the stack pointer the
// CPU loads into RSP whenever an interrupt, exception or syscall raises the
// privilege level to ring 0. The scheduler calls this right before handing
// control to a different process so the next privilege-level transition
// lands on that process's own kernel stack.
func SetKernelStackPointer(addr uintptr)

// RaiseInterrupt issues a software interrupt on the given vector, as the INT
// instruction would. Process exit uses it on the timer vector to force an
// immediate reschedule once the current process has been removed from the
// runnable queue.
func RaiseInterrupt(vector uint8)

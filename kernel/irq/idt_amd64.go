package irq

// Init runs the CPU-specific initialization code needed to enable interrupt
// handling: it builds and loads the IDT. All gate entries start out marked
// non-present; HandleException, HandleExceptionWithCode and HandleInterrupt
// enable the ones a caller registers a handler for.
func Init() {
	installIDT()
}

// HandleInterrupt registers handler to run whenever intNumber fires,
// regardless of whether the CPU pushes an error code for it. info carries
// the IRQ number for hardware interrupts, the syscall number for a syscall
// gate, or the CPU error code for an exception that pushes one (0
// otherwise). The istOffset argument specifies the offset in the interrupt
// stack table to switch to; 0 means the IST is not used.
func HandleInterrupt(intNumber ExceptionNum, istOffset uint8, handler func(info uint64, frame *Frame, regs *Regs))

// installIDT populates idtDescriptor with the address of the IDT and loads
// it into the CPU.
func installIDT()

// dispatchInterrupt is invoked by the interrupt gate entrypoints generated
// by interruptGateEntries to route an incoming interrupt to the handler
// registered for it.
func dispatchInterrupt()

// interruptGateEntries contains the generated entry trampoline for each of
// the 256 possible interrupt numbers. Each trampoline saves the register
// state, pushes an ExceptionNum-indexed handler id and falls through to
// dispatchInterrupt.
func interruptGateEntries()

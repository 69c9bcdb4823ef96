package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the contents of the CR2 register, which the CPU populates
// with the faulting virtual address whenever a page fault occurs.
func ReadCR2() uint64

// Rdmsr reads the 64-bit value of the given model-specific register.
func Rdmsr(reg uint32) uint64

// Wrmsr writes a 64-bit value to the given model-specific register.
func Wrmsr(reg uint32, value uint64)

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Outl writes a 32-bit word to the given I/O port.
func Outl(port uint16, value uint32)

// Inl reads a 32-bit word from the given I/O port.
func Inl(port uint16) uint32

// LoadTSS loads the given GDT selector into the task register via LTR.
func LoadTSS(selector uint16)

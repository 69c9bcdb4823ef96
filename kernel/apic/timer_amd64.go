// Package apic drives the local APIC timer: calibrating it against the ACPI
// Power Management Timer and reprogramming it for a periodic scheduling
// tick. The I/O APIC and inter-processor interrupts are out of scope; this
// core only ever runs on one CPU.
package apic

import (
	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/acpi"
	"github.com/agnos-os/hermes/kernel/cpu"
	"github.com/agnos-os/hermes/kernel/mem/accessor"
)

const (
	lvtTimerAddr     = 0xfee0_0320
	initialCountAddr = 0xfee0_0380
	currentCountAddr = 0xfee0_0390
	divideConfigAddr = 0xfee0_03e0
	eoiAddr          = 0xfee0_00b0

	// Vector is the IDT vector the local APIC timer fires on.
	Vector = 0x20

	maskedBit       = 1 << 16
	periodicModeBit = 1 << 17
	divideBy128     = 0b1010
	divideBy16      = 0b0011

	maxCount = ^uint32(0)

	pmTimerFrequencyHz = 3_579_545
	pm24BitMask        = 0x00ff_ffff

	calibrationWindowMillis = 100
)

var errUnsupportedAddressSpace = &kernel.Error{Module: "apic", Message: "PM timer address space not recognized"}

// reg32 is a 32-bit memory-mapped register. *accessor.Accessor[uint32]
// satisfies it.
type reg32 interface {
	Read() uint32
	Write(uint32)
}

// newRegFn maps a fixed physical MMIO address as a reg32. It is mocked by
// tests and is automatically inlined by the compiler.
var newRegFn = func(physAddr uintptr) (reg32, *kernel.Error) {
	return accessor.New[uint32](physAddr, 0)
}

// pmReader reads the free-running counter of the ACPI PM Timer, either over
// an I/O port or a memory-mapped register.
type pmReader interface {
	read() uint32
}

type ioPMReader struct {
	port uint16
}

func (r ioPMReader) read() uint32 {
	return cpu.Inl(r.port)
}

type mmioPMReader struct {
	reg reg32
}

func (r mmioPMReader) read() uint32 {
	return r.reg.Read()
}

func newPMReader(addr acpi.GenericAddress) (pmReader, *kernel.Error) {
	switch addr.Space {
	case acpi.AddressSpaceSysIO:
		return ioPMReader{port: uint16(addr.Address)}, nil
	case acpi.AddressSpaceSysMemory:
		reg, err := newRegFn(uintptr(addr.Address))
		if err != nil {
			return nil, err
		}
		return mmioPMReader{reg: reg}, nil
	default:
		return nil, errUnsupportedAddressSpace
	}
}

// Timer is a calibrated local APIC timer, armed in periodic mode on Vector.
type Timer struct {
	lvtTimer     reg32
	initialCount reg32
	currentCount reg32
	divideConfig reg32
	eoi          reg32

	pm     pmReader
	bits24 bool

	FrequencyHz uint32
}

// New locates the ACPI PM timer off rsdpAddr, calibrates the local APIC
// timer against it and arms it in periodic mode on Vector.
func New(rsdpAddr uintptr) (*Timer, *kernel.Error) {
	pmTimer, err := acpi.LocatePMTimer(rsdpAddr)
	if err != nil {
		return nil, err
	}

	reader, err := newPMReader(pmTimer.Address)
	if err != nil {
		return nil, err
	}

	lvtTimer, err := newRegFn(lvtTimerAddr)
	if err != nil {
		return nil, err
	}
	initialCount, err := newRegFn(initialCountAddr)
	if err != nil {
		return nil, err
	}
	currentCount, err := newRegFn(currentCountAddr)
	if err != nil {
		return nil, err
	}
	divideConfig, err := newRegFn(divideConfigAddr)
	if err != nil {
		return nil, err
	}
	eoi, err := newRegFn(eoiAddr)
	if err != nil {
		return nil, err
	}

	t := &Timer{
		lvtTimer:     lvtTimer,
		initialCount: initialCount,
		currentCount: currentCount,
		divideConfig: divideConfig,
		eoi:          eoi,
		pm:           reader,
		bits24:       !pmTimer.Supports32Bit,
	}

	t.calibrate()
	t.arm()

	return t, nil
}

// calibrate measures FrequencyHz by masking the timer, counting down from
// maxCount for 100ms of PM timer time, and scaling the observed delta up to
// a full second.
func (t *Timer) calibrate() {
	t.divideConfig.Write(divideBy128)
	t.lvtTimer.Write(maskedBit | Vector)
	t.initialCount.Write(maxCount)

	waitMilliseconds(t.pm.read, calibrationWindowMillis, t.bits24)

	t.FrequencyHz = (maxCount - t.currentCount.Read()) * 10
}

// arm reprograms the timer for periodic ticks at roughly 10Hz.
func (t *Timer) arm() {
	t.divideConfig.Write(divideBy16)
	t.lvtTimer.Write(Vector | periodicModeBit)
	t.initialCount.Write(t.FrequencyHz * 10)
}

// SendEOI acknowledges the current interrupt to the local APIC. It must be
// called once, after any other interrupt handling, before the next IRQ of
// equal or lower priority can be delivered.
func (t *Timer) SendEOI() {
	t.eoi.Write(0)
}

// waitMilliseconds busy-waits until the PM timer counter read advances by
// approximately ms milliseconds, honoring 24-bit wraparound when bits24 is
// set and tolerating wraparound of the target itself.
func waitMilliseconds(read func() uint32, ms uint32, bits24 bool) {
	start := read()
	end := start + pmTimerFrequencyHz*ms/1000
	if bits24 {
		end &= pm24BitMask
	}

	if end < start {
		for read() >= start {
		}
	}

	for read() < end {
	}
}

// Package acpi walks just enough of the ACPI table chain — RSDP to RSDT/XSDT
// to FADT — to locate the Power Management Timer, the stable reference used
// to calibrate the local APIC timer. There is no AML interpreter here: the
// DSDT/SSDT byte code that ACPI otherwise uses to describe device methods is
// never parsed, since nothing past the fixed FADT register blocks is needed.
package acpi

// AddressSpace identifies where a GenericAddress's registers live.
type AddressSpace uint8

const (
	// AddressSpaceSysMemory addresses are ordinary physical memory.
	AddressSpaceSysMemory AddressSpace = iota
	// AddressSpaceSysIO addresses are x86 I/O ports.
	AddressSpaceSysIO
)

// GenericAddress locates a register block within an AddressSpace.
type GenericAddress struct {
	Space      AddressSpace
	BitWidth   uint8
	BitOffset  uint8
	AccessSize uint8
	Address    uint64
}

// sdtHeader is the header common to every ACPI table.
type sdtHeader struct {
	Signature [4]byte
	Length    uint32
	Revision  uint8
	Checksum  uint8

	OEMID       [6]byte
	OEMTableID  [8]byte
	OEMRevision uint32

	CreatorID       uint32
	CreatorRevision uint32
}

// rsdpDescriptor is the ACPI 1.0 root system descriptor pointer.
type rsdpDescriptor struct {
	Signature [8]byte
	Checksum  uint8
	OEMID     [6]byte
	Revision  uint8
	RSDTAddr  uint32
}

// extRSDPDescriptor extends rsdpDescriptor with the ACPI 2.0+ fields; valid
// only when rsdpDescriptor.Revision > 1.
type extRSDPDescriptor struct {
	rsdpDescriptor

	Length           uint32
	XSDTAddr         uint64
	ExtendedChecksum uint8
	reserved         [3]byte
}

// fadt64 holds the 64-bit FADT extensions used by ACPI 2.0+.
type fadt64 struct {
	FirmwareControl uint64
	Dsdt            uint64

	PM1aEventBlock   GenericAddress
	PM1bEventBlock   GenericAddress
	PM1aControlBlock GenericAddress
	PM1bControlBlock GenericAddress
	PM2ControlBlock  GenericAddress
	PMTimerBlock     GenericAddress
	GPE0Block        GenericAddress
	GPE1Block        GenericAddress
}

// fadtTMR32Flag, when set in fadt.Flags, indicates the PM timer counter is
// 32 bits wide rather than the ACPI-default 24.
const fadtTMR32Flag = 1 << 8

// fadt is the Fixed ACPI Description Table. Only the fields needed to reach
// the PM Timer register block are named; everything past PMTimerBlock in
// the ACPI 1.0 layout is carried solely to keep Ext at the right offset.
type fadt struct {
	sdtHeader

	FirmwareCtrl uint32
	Dsdt         uint32

	reserved uint8

	PreferredPowerManagementProfile uint8
	SCIInterrupt                    uint16
	SMICommandPort                  uint32
	AcpiEnable                      uint8
	AcpiDisable                     uint8
	S4BIOSReq                       uint8
	PSTATEControl                   uint8
	PM1aEventBlock                  uint32
	PM1bEventBlock                  uint32
	PM1aControlBlock                uint32
	PM1bControlBlock                uint32
	PM2ControlBlock                 uint32
	PMTimerBlock                    uint32
	GPE0Block                       uint32
	GPE1Block                       uint32
	PM1EventLength                  uint8
	PM1ControlLength                uint8
	PM2ControlLength                uint8
	PMTimerLength                   uint8
	GPE0Length                      uint8
	GPE1Length                      uint8
	GPE1Base                        uint8
	CStateControl                   uint8
	WorstC2Latency                  uint16
	WorstC3Latency                  uint16
	FlushSize                       uint16
	FlushStride                     uint16
	DutyOffset                      uint8
	DutyWidth                       uint8
	DayAlarm                        uint8
	MonthAlarm                      uint8
	Century                         uint8

	BootArchitectureFlags uint16

	reserved2 uint8
	Flags     uint32

	ResetReg GenericAddress

	ResetValue uint8
	reserved3  [3]uint8

	Ext fadt64
}

const fadtSignature = "FACP"

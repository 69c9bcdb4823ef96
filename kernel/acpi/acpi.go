package acpi

import (
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem/accessor"
)

var (
	errMissingRSDP       = &kernel.Error{Module: "acpi", Message: "no ACPI RSDP address supplied by firmware"}
	errChecksumMismatch  = &kernel.Error{Module: "acpi", Message: "ACPI table checksum mismatch"}
	errFADTNotFound      = &kernel.Error{Module: "acpi", Message: "FADT not present in RSDT/XSDT"}
	errPMTimerNotPresent = &kernel.Error{Module: "acpi", Message: "FADT does not describe a PM timer"}
)

const acpiRev2Plus = 2

// readPhysFn copies n bytes starting at a physical address into a
// kernel-owned buffer. It is mocked by tests and is automatically inlined by
// the compiler.
var readPhysFn = readPhys

// readPhys maps the requested physical range via kernel/mem/accessor, copies
// it out and unmaps it; ACPI tables are only ever read once at boot so there
// is no benefit to keeping the mapping around.
func readPhys(physAddr uintptr, n int) ([]byte, *kernel.Error) {
	win, err := accessor.NewSlice[byte](physAddr, 0, n)
	if err != nil {
		return nil, err
	}
	defer win.Close()

	out := make([]byte, n)
	copy(out, win.Slice())
	return out, nil
}

// PMTimer describes the location and width of the ACPI Power Management
// Timer, the reference counter used to calibrate the local APIC timer.
type PMTimer struct {
	Address       GenericAddress
	Supports32Bit bool
}

// LocatePMTimer walks from the firmware-supplied RSDP physical address
// through the RSDT or XSDT to the FADT and returns the PM timer it
// describes.
func LocatePMTimer(rsdpAddr uintptr) (PMTimer, *kernel.Error) {
	if rsdpAddr == 0 {
		return PMTimer{}, errMissingRSDP
	}

	rsdpBytes, err := readPhysFn(rsdpAddr, int(unsafe.Sizeof(rsdpDescriptor{})))
	if err != nil {
		return PMTimer{}, err
	}
	rsdp := *(*rsdpDescriptor)(unsafe.Pointer(&rsdpBytes[0]))

	var (
		rootAddr uintptr
		useXSDT  = rsdp.Revision >= acpiRev2Plus
	)

	if useXSDT {
		extBytes, err := readPhysFn(rsdpAddr, int(unsafe.Sizeof(extRSDPDescriptor{})))
		if err != nil {
			return PMTimer{}, err
		}
		ext := *(*extRSDPDescriptor)(unsafe.Pointer(&extBytes[0]))

		if !checksumOK(extBytes[:ext.Length]) {
			return PMTimer{}, errChecksumMismatch
		}
		rootAddr = uintptr(ext.XSDTAddr)
	} else {
		if !checksumOK(rsdpBytes) {
			return PMTimer{}, errChecksumMismatch
		}
		rootAddr = uintptr(rsdp.RSDTAddr)
	}

	fadtAddr, err := findTable(rootAddr, useXSDT, fadtSignature)
	if err != nil {
		return PMTimer{}, err
	}

	fadtBytes, err := readPhysFn(fadtAddr, int(unsafe.Sizeof(fadt{})))
	if err != nil {
		return PMTimer{}, err
	}
	table := *(*fadt)(unsafe.Pointer(&fadtBytes[0]))

	if !checksumOK(fadtBytes[:table.Length]) {
		return PMTimer{}, errChecksumMismatch
	}

	if table.Revision >= acpiRev2Plus && table.Ext.PMTimerBlock.Address != 0 {
		return PMTimer{
			Address:       table.Ext.PMTimerBlock,
			Supports32Bit: table.Flags&fadtTMR32Flag != 0,
		}, nil
	}

	if table.PMTimerBlock == 0 {
		return PMTimer{}, errPMTimerNotPresent
	}

	return PMTimer{
		Address: GenericAddress{
			Space:    AddressSpaceSysIO,
			BitWidth: 32,
			Address:  uint64(table.PMTimerBlock),
		},
		Supports32Bit: table.Flags&fadtTMR32Flag != 0,
	}, nil
}

// findTable scans the RSDT (4-byte pointers) or XSDT (8-byte pointers)
// rooted at rootAddr for a table whose signature matches sig and returns its
// physical address.
func findTable(rootAddr uintptr, useXSDT bool, sig string) (uintptr, *kernel.Error) {
	headerLen := int(unsafe.Sizeof(sdtHeader{}))

	rootHdrBytes, err := readPhysFn(rootAddr, headerLen)
	if err != nil {
		return 0, err
	}
	rootHdr := *(*sdtHeader)(unsafe.Pointer(&rootHdrBytes[0]))

	if int(rootHdr.Length) < headerLen {
		return 0, errFADTNotFound
	}
	payloadLen := int(rootHdr.Length) - headerLen

	ptrSize := 4
	if useXSDT {
		ptrSize = 8
	}

	entryBytes, err := readPhysFn(rootAddr+uintptr(headerLen), payloadLen)
	if err != nil {
		return 0, err
	}

	for off := 0; off+ptrSize <= len(entryBytes); off += ptrSize {
		var addr uintptr
		if useXSDT {
			addr = uintptr(*(*uint64)(unsafe.Pointer(&entryBytes[off])))
		} else {
			addr = uintptr(*(*uint32)(unsafe.Pointer(&entryBytes[off])))
		}

		if matchesSignature(addr, sig) {
			return addr, nil
		}
	}

	return 0, errFADTNotFound
}

func matchesSignature(tableAddr uintptr, sig string) bool {
	hdrBytes, err := readPhysFn(tableAddr, int(unsafe.Sizeof(sdtHeader{})))
	if err != nil {
		return false
	}
	hdr := *(*sdtHeader)(unsafe.Pointer(&hdrBytes[0]))
	return string(hdr.Signature[:]) == sig
}

// checksumOK reports whether the bytes of an ACPI table sum to zero, as the
// ACPI spec requires for every table's own byte range.
func checksumOK(b []byte) bool {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum == 0
}

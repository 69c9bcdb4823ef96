// Package elf loads a 64-bit ELF executable's PT_LOAD segments into a
// process's address space. It understands only the subset of the format
// needed to do that: no relocations, no dynamic linking, no section
// headers.
package elf

import (
	"encoding/binary"
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem"
	"github.com/agnos-os/hermes/kernel/mem/pmm"
	"github.com/agnos-os/hermes/kernel/mem/vmm"
)

const (
	magic0, magic1, magic2, magic3 = 0x7f, 'E', 'L', 'F'

	class64    = 2
	machineX86 = 62 // EM_X86_64

	ptLoad = 1

	pfExecute = 1 << 0
	pfWrite   = 1 << 1
)

var (
	errNotELF       = &kernel.Error{Module: "elf", Message: "missing ELF magic"}
	errWrongClass   = &kernel.Error{Module: "elf", Message: "only ELF64 binaries are supported"}
	errWrongMachine = &kernel.Error{Module: "elf", Message: "binary is not built for x86-64"}
	errTruncated    = &kernel.Error{Module: "elf", Message: "image is truncated"}
)

// header64 mirrors the fixed-size, 64-bit ELF file header.
type header64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// programHeader64 mirrors a single 64-bit ELF program header entry.
type programHeader64 struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

const (
	headerSize64  = 64
	phEntrySize64 = 56
)

// flagsToPageTableFlags derives the mapping flags for a PT_LOAD segment:
// every loaded page is present and user-accessible; writability follows
// PF_W, and the no-execute bit is set whenever PF_X is absent.
func flagsToPageTableFlags(phFlags uint32) vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent | vmm.FlagUser
	if phFlags&pfWrite != 0 {
		flags |= vmm.FlagRW
	}
	if phFlags&pfExecute == 0 {
		flags |= vmm.FlagNoExecute
	}
	return flags
}

// The following functions are mocked by tests and are automatically
// inlined by the compiler.
var (
	allocFrameFn   = pmm.AllocFrame
	mapTemporaryFn = vmm.MapTemporary
	unmapFn        = vmm.Unmap
)

func parseHeader(image []byte) (header64, *kernel.Error) {
	var h header64
	if len(image) < headerSize64 {
		return h, errTruncated
	}
	if image[0] != magic0 || image[1] != magic1 || image[2] != magic2 || image[3] != magic3 {
		return h, errNotELF
	}
	if image[4] != class64 {
		return h, errWrongClass
	}
	copy(h.Ident[:], image[:16])
	h.Type = binary.LittleEndian.Uint16(image[16:18])
	h.Machine = binary.LittleEndian.Uint16(image[18:20])
	h.Version = binary.LittleEndian.Uint32(image[20:24])
	h.Entry = binary.LittleEndian.Uint64(image[24:32])
	h.Phoff = binary.LittleEndian.Uint64(image[32:40])
	h.Shoff = binary.LittleEndian.Uint64(image[40:48])
	h.Flags = binary.LittleEndian.Uint32(image[48:52])
	h.Ehsize = binary.LittleEndian.Uint16(image[52:54])
	h.Phentsize = binary.LittleEndian.Uint16(image[54:56])
	h.Phnum = binary.LittleEndian.Uint16(image[56:58])
	h.Shentsize = binary.LittleEndian.Uint16(image[58:60])
	h.Shnum = binary.LittleEndian.Uint16(image[60:62])
	h.Shstrndx = binary.LittleEndian.Uint16(image[62:64])
	if h.Machine != machineX86 {
		return h, errWrongMachine
	}
	return h, nil
}

func programHeaders(image []byte, h header64) ([]programHeader64, *kernel.Error) {
	headers := make([]programHeader64, 0, h.Phnum)
	for i := uint16(0); i < h.Phnum; i++ {
		off := h.Phoff + uint64(i)*uint64(h.Phentsize)
		if off+phEntrySize64 > uint64(len(image)) {
			return nil, errTruncated
		}
		raw := image[off : off+phEntrySize64]
		ph := programHeader64{
			Type:   binary.LittleEndian.Uint32(raw[0:4]),
			Flags:  binary.LittleEndian.Uint32(raw[4:8]),
			Offset: binary.LittleEndian.Uint64(raw[8:16]),
			Vaddr:  binary.LittleEndian.Uint64(raw[16:24]),
			Paddr:  binary.LittleEndian.Uint64(raw[24:32]),
			Filesz: binary.LittleEndian.Uint64(raw[32:40]),
			Memsz:  binary.LittleEndian.Uint64(raw[40:48]),
			Align:  binary.LittleEndian.Uint64(raw[48:56]),
		}
		if ph.Type == ptLoad {
			headers = append(headers, ph)
		}
	}
	return headers, nil
}

// segmentPageRange returns the page-aligned [base, end) virtual address
// range a PT_LOAD segment spans.
func segmentPageRange(ph programHeader64) (uint64, uint64) {
	pageSize := uint64(mem.PageSize)
	base := ph.Vaddr &^ (pageSize - 1)
	end := ph.Vaddr + ph.Memsz
	if end%pageSize != 0 {
		end = (end + pageSize - 1) &^ (pageSize - 1)
	}
	return base, end
}

// mapSegment establishes present+writable mappings for every page a
// segment spans, so the loader can populate them regardless of the
// segment's final (possibly read-only) flags, and returns the frames it
// allocated in page order so writeSegment and protectSegment can reuse
// them without needing to translate an address in a not-necessarily-active
// page table.
func mapSegment(pdt *vmm.PageDirectoryTable, ph programHeader64) ([]pmm.Frame, *kernel.Error) {
	base, end := segmentPageRange(ph)
	pageSize := uint64(mem.PageSize)
	frames := make([]pmm.Frame, 0, (end-base)/pageSize)

	for addr := base; addr < end; addr += pageSize {
		frame, err := allocFrameFn()
		if err != nil {
			return nil, err
		}
		page := vmm.PageFromAddress(uintptr(addr))
		if err := pdt.Map(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUser, allocFrameFn); err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// writeSegment copies the segment's file-backed bytes into the frames
// mapSegment allocated for it, zero-filling the rest up to memsz, via a
// temporary mapping since pdt may not be the active address space.
func writeSegment(image []byte, base uint64, ph programHeader64, frames []pmm.Frame) *kernel.Error {
	pageSize := uint64(mem.PageSize)

	for i, frame := range frames {
		pageAddr := base + uint64(i)*pageSize

		tmp, err := mapTemporaryFn(frame)
		if err != nil {
			return err
		}

		for off := uint64(0); off < pageSize; off++ {
			vaddr := pageAddr + off
			var b byte
			if vaddr >= ph.Vaddr && vaddr-ph.Vaddr < ph.Filesz {
				srcOff := ph.Offset + (vaddr - ph.Vaddr)
				if srcOff < uint64(len(image)) {
					b = image[srcOff]
				}
			}
			*(*byte)(unsafe.Pointer(tmp.Address() + uintptr(off))) = b
		}

		if err := unmapFn(tmp); err != nil {
			return err
		}
	}
	return nil
}

// protectSegment re-applies the segment's real flags now that its contents
// have been written, reusing the frames mapSegment already installed.
func protectSegment(pdt *vmm.PageDirectoryTable, base uint64, ph programHeader64, frames []pmm.Frame) *kernel.Error {
	pageSize := uint64(mem.PageSize)
	flags := flagsToPageTableFlags(ph.Flags)

	for i, frame := range frames {
		pageAddr := base + uint64(i)*pageSize
		page := vmm.PageFromAddress(uintptr(pageAddr))
		if err := pdt.Map(page, frame, flags, allocFrameFn); err != nil {
			return err
		}
	}
	return nil
}

// LoadImage maps every PT_LOAD segment of an ELF64 x86-64 image into pdt
// and returns the binary's entry point. pdt need not be the active address
// space; all writes go through temporary mappings.
func LoadImage(pdt *vmm.PageDirectoryTable, image []byte) (uintptr, *kernel.Error) {
	h, err := parseHeader(image)
	if err != nil {
		return 0, err
	}

	loads, err := programHeaders(image, h)
	if err != nil {
		return 0, err
	}

	for _, ph := range loads {
		base, _ := segmentPageRange(ph)

		frames, err := mapSegment(pdt, ph)
		if err != nil {
			return 0, err
		}
		if err := writeSegment(image, base, ph, frames); err != nil {
			return 0, err
		}
		if err := protectSegment(pdt, base, ph, frames); err != nil {
			return 0, err
		}
	}

	return uintptr(h.Entry), nil
}

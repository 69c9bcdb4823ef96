// Package initrd reads the boot-time RAM disk: a flat, unpadded sequence
// of CPIO ODC-format records mapped in its entirety at the fixed virtual
// address mem.InitrdAddr. There is no directory structure; a lookup is a
// linear scan terminated by the conventional "TRAILER!!!" record.
package initrd

import (
	"strconv"
	"unsafe"

	"github.com/agnos-os/hermes/kernel"
	"github.com/agnos-os/hermes/kernel/mem"
)

// magic is the fixed 6-byte ASCII signature every ODC header begins with.
const magic = "070707"

// trailerName marks the end of the archive.
const trailerName = "TRAILER!!!"

// header mirrors the on-disk layout of a CPIO ODC record header: every
// field is an ASCII, zero-padded octal number of fixed width, magic aside.
type header struct {
	Magic     [6]byte
	Dev       [6]byte
	Ino       [6]byte
	Mode      [6]byte
	UID       [6]byte
	GID       [6]byte
	NLink     [6]byte
	RDev      [6]byte
	MTime     [11]byte
	NameSize  [6]byte
	FileSize  [11]byte
}

const headerSize = unsafe.Sizeof(header{})

var (
	errBadMagic = &kernel.Error{Module: "initrd", Message: "bad cpio magic"}
	errNotFound = &kernel.Error{Module: "initrd", Message: "no such file"}
)

// baseAddrFn is mocked by tests and is automatically inlined by the
// compiler.
var baseAddrFn = func() uintptr { return mem.InitrdAddr }

func readHeader(addr uintptr) (header, *kernel.Error) {
	h := *(*header)(unsafe.Pointer(addr))
	if string(h.Magic[:]) != magic {
		return h, errBadMagic
	}
	return h, nil
}

func octal(field []byte) int {
	n, err := strconv.ParseUint(string(field), 8, 64)
	if err != nil {
		return 0
	}
	return int(n)
}

func (h header) nameSize() int { return octal(h.NameSize[:]) }
func (h header) fileSize() int { return octal(h.FileSize[:]) }

// entry describes one record located during a scan: its name and the
// virtual address range holding its content.
type entry struct {
	name    string
	content uintptr
	size    int
}

func readEntry(addr uintptr) (entry, *kernel.Error) {
	h, err := readHeader(addr)
	if err != nil {
		return entry{}, err
	}

	nameAddr := addr + headerSize
	nameBytes := unsafe.Slice((*byte)(unsafe.Pointer(nameAddr)), h.nameSize())
	name := cString(nameBytes)

	return entry{
		name:    name,
		content: nameAddr + uintptr(h.nameSize()),
		size:    h.fileSize(),
	}, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (e entry) next() uintptr {
	return e.content + uintptr(e.size)
}

// Lookup scans the archive for name and returns its content as a byte
// slice backed directly by the mapped initrd image, without copying.
func Lookup(name string) ([]byte, *kernel.Error) {
	addr := baseAddrFn()
	for {
		e, err := readEntry(addr)
		if err != nil {
			return nil, err
		}
		if e.name == trailerName {
			return nil, errNotFound
		}
		if e.name == name {
			return unsafe.Slice((*byte)(unsafe.Pointer(e.content)), e.size), nil
		}
		addr = e.next()
	}
}

// List returns the names of every file in the archive, in archive order.
func List() ([]string, *kernel.Error) {
	var names []string
	addr := baseAddrFn()
	for {
		e, err := readEntry(addr)
		if err != nil {
			return nil, err
		}
		if e.name == trailerName {
			return names, nil
		}
		names = append(names, e.name)
		addr = e.next()
	}
}

package mem

import (
	"reflect"
	"unsafe"
)

// Memcopy copies size bytes from src to dst. The two regions must not
// overlap; callers that need overlap-safe semantics (none do in this kernel)
// must arrange for that themselves.
func Memcopy(src, dst uintptr, size Size) {
	if size == 0 {
		return
	}

	srcSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: src,
	}))

	dstSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dst,
	}))

	copy(dstSlice, srcSlice)
}

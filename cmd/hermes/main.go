// Package main holds the freestanding entrypoint linked into the kernel
// image. It is intentionally thin: the rt0 assembly stub transfers control
// here after setting up the GDT and a minimal g0 so Go code can run on the
// 4K boot stack, and this package's only job is to call into kernel/kmain
// with the values the bootloader and linker script made available.
package main

import "github.com/agnos-os/hermes/kernel/kmain"

var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
)

// main makes a dummy call to the actual kernel entrypoint. It is defined
// here, rather than inlined, to prevent the Go compiler from optimizing away
// the real kernel code: the compiler has no visibility into the rt0
// assembly that calls main, so without the indirection it would see an
// unreachable function and strip it from the generated object file.
//
// The global variables are passed as arguments to Kmain for the same
// reason: passing literals would let the compiler inline and fold this
// whole function to nothing.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd)
}

package main

import "nanokernel/kernel/kmain"

// main is the only Go symbol visible from the rt0 assembly stub. It is a
// trampoline for the real kernel entrypoint (kmain.Kmain), kept separate so
// the compiler cannot decide the real kernel code is unreachable and
// eliminate it: rt0 never calls anything in this module directly except
// this package's init/main sequence.
//
// The rt0 stub invokes this after setting up a flat GDT, the boot page
// table, and a stack large enough for Go's own runtime to start; see
// kmem.Layout for the fixed addresses that contract agrees on.
//
// main is not expected to return. If it does, rt0 halts the CPU.
func main() {
	kmain.Kmain()
}

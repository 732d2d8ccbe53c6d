package kfmt

import (
	"nanokernel/kernel"
	"nanokernel/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and inlined by the compiler in the
	// real kernel build.
	cpuHaltFn = cpu.Halt

	// raiseFatalFn is the path Panic uses to stop the CPU. It starts out
	// as a direct loop around cpuHaltFn because the IDT has not been built
	// yet during early bring-up; gate.Init calls SetFatalRaiser once
	// vector 0xFF has a handler installed, switching Panic over to
	// cpu.RaiseFatal (INT 0xFF) so that the fatal ISR's register dump
	// runs instead of a silent halt.
	raiseFatalFn = func() {
		for {
			cpuHaltFn()
		}
	}

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetFatalRaiser switches the mechanism Panic uses to stop the CPU once the
// caller (normally gate.Init) has installed a vector 0xFF handler.
func SetFatalRaiser(fn func()) {
	raiseFatalFn = fn
}

// Panic outputs the supplied error (if any) and stops the CPU. Calls to
// Panic never return. It also serves as the redirection target for the Go
// runtime's own panic()/throw() (via //go:redirect-from-style linking
// performed at build time), so a Go-level invariant violation funnels into
// the same fatal path as an explicit kernel.Error.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	raiseFatalFn()
}

// panicString serves as a redirect target for runtime.throw.
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}

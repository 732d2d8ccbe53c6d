// Package gate builds and installs the x86-64 interrupt descriptor table
// (IDT): one thunk per of the 256 possible interrupt vectors, a common
// dispatcher that reconstructs a typed register snapshot and routes it to
// the registered handler, IST-backed stacks for the vectors that must
// survive a corrupted kernel stack (NMI, double fault, machine check), and
// the 8259 PIC remap that keeps hardware IRQs out of the CPU exception
// range. See DESIGN.md for how this is ported from the reference kernel's
// kernel/gate package plus the C kernel's exception.c.
package gate

import (
	"unsafe"

	"nanokernel/kernel"
	"nanokernel/kernel/cpu"
	"nanokernel/kernel/kfmt"
	"nanokernel/kernel/kmem"

	"golang.org/x/arch/x86/x86asm"
)

// InterruptNumber identifies one of the 256 IDT vector slots.
type InterruptNumber uint8

// CPU exception vectors 0-20, named per the Intel SDM; 21-31 are reserved
// or architecture-specific and are left unnamed (ExceptionName falls back
// to "Unknown exception" for them).
const (
	DivideByZero               InterruptNumber = 0
	Debug                      InterruptNumber = 1
	NMI                        InterruptNumber = 2
	Breakpoint                 InterruptNumber = 3
	Overflow                   InterruptNumber = 4
	BoundRangeExceeded         InterruptNumber = 5
	InvalidOpcode              InterruptNumber = 6
	DeviceNotAvailable         InterruptNumber = 7
	DoubleFault                InterruptNumber = 8
	CoprocessorSegmentOverrun  InterruptNumber = 9
	InvalidTSS                 InterruptNumber = 10
	SegmentNotPresent          InterruptNumber = 11
	StackSegmentFault          InterruptNumber = 12
	GPFException               InterruptNumber = 13
	PageFaultException         InterruptNumber = 14
	FloatingPointException     InterruptNumber = 16
	AlignmentCheck             InterruptNumber = 17
	MachineCheck               InterruptNumber = 18
	SIMDFloatingPointException InterruptNumber = 19
	VirtualizationException    InterruptNumber = 20
)

// IRQBase is the vector the 8259 PIC is remapped to land IRQ0 on, chosen to
// sit immediately after the 32 CPU exception vectors.
const IRQBase InterruptNumber = 0x20

const (
	IRQTimer    = IRQBase + 0
	IRQKeyboard = IRQBase + 1
	irqCount    = 16
)

// FatalVector is the software interrupt kfmt.Panic raises once this package
// has installed a handler for it, replacing the early HLT-loop fallback.
const FatalVector InterruptNumber = 0xFF

// exceptionNames mirrors the C kernel's exceptionstr[],
// dropped by the distillation; carrying it lets a fatal dump name the
// exception instead of only printing its vector number.
var exceptionNames = [...]string{
	"#DE: Divide by zero exception",
	"#DB: Debug exception",
	"Non-maskable interrupt",
	"#BP: Breakpoint exception",
	"#OF: Overflow exception",
	"#BR: BOUND range exceeded exception",
	"#UD: Invalid opcode exception",
	"#NM: Device not available exception",
	"#DF: Double fault exception",
	"Coprocessor segment overrun",
	"#TS: Invalid TSS exception",
	"#NP: Segment not present exception",
	"#SS: Stack fault exception",
	"#GP: General protection exception",
	"#PF: Page fault exception",
	"Unknown exception",
	"#MF: x87 FPU floating-point error",
	"#AC: Alignment check exception",
	"#MC: Machine-check exception",
	"#XM: SIMD floating-point exception",
	"#VE: Virtualization exception",
}

// ExceptionName returns the human-readable name for vector v, or "Unknown
// exception" if v falls outside the named CPU exception range.
func ExceptionName(v InterruptNumber) string {
	if int(v) < len(exceptionNames) {
		return exceptionNames[v]
	}
	return "Unknown exception"
}

// hasErrorCode reports whether the CPU automatically pushes a 64-bit error
// code for this vector before entering its handler.
func hasErrorCode(v InterruptNumber) bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GPFException, PageFaultException, AlignmentCheck, 21, 29, 30:
		return true
	default:
		return false
	}
}

// Frame is the return frame the CPU pushes automatically on interrupt
// entry; IRETQ consumes it unmodified.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo writes a formatted dump of the interrupt return frame.
func (f *Frame) DumpTo() {
	kfmt.Printf("RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	kfmt.Printf("RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	kfmt.Printf("RFL = %16x\n", f.RFlags)
}

// Regs is a snapshot of the general-purpose registers at the moment an
// interrupt fired, saved and restored by the common dispatcher thunk.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// DumpTo writes a formatted dump of the general-purpose registers.
func (r *Regs) DumpTo() {
	kfmt.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Printf("RBP = %16x\n", r.RBP)
	kfmt.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Handler is invoked by dispatchInterrupt for the vector it was registered
// against. errorCode is 0 for vectors that don't push one.
type Handler func(vector InterruptNumber, errorCode uint64, frame *Frame, regs *Regs)

var handlers [256]Handler

// physAccess translates a physical address into a dereferenceable pointer,
// the same test-injection idiom used by packages paging/kmem/acpigo. Once
// bring-up has identity-mapped low memory this is the identity function.
var physAccess = func(addr uintptr) uintptr { return addr }

// SetPhysAccess overrides how this package dereferences physical addresses.
func SetPhysAccess(fn func(uintptr) uintptr) { physAccess = fn }

// idtGate is one 16-byte x86-64 interrupt-gate descriptor.
type idtGate struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	kernelCodeSelector = 0x08 // index 1 of a flat GDT the bootloader installs
	gateTypeInterrupt  = 0x8e // present, ring 0, 64-bit interrupt gate: clears IF on entry
	gateTypeTrap       = 0x8f // present, ring 0, 64-bit trap gate: leaves IF untouched on entry
)

func idtTable() *[256]idtGate {
	return (*[256]idtGate)(unsafe.Pointer(physAccess(kmem.Layout.IDT)))
}

// gateThunks is populated by gate_amd64.s with the address of each of the
// 256 generated ISR thunks (interruptGateEntries, in the C kernel's
// naming).
var gateThunks [256]uintptr

func installGate(vector InterruptNumber, ist uint8, typeAttr uint8) {
	addr := gateThunks[vector]
	idtTable()[vector] = idtGate{
		offsetLow:  uint16(addr),
		selector:   kernelCodeSelector,
		ist:        ist & 0x7,
		typeAttr:   typeAttr,
		offsetMid:  uint16(addr >> 16),
		offsetHigh: uint32(addr >> 32),
	}
}

// tss64 is the minimal fields of the x86-64 task state segment this kernel
// relies on: the three IST stack pointers used for NMI/double-fault/
// machine-check, so those handlers run even when the kernel's normal stack
// is corrupt or exhausted.
type tss64 struct {
	reserved0 uint32
	rsp       [3]uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

const (
	istNMI          = 1
	istDoubleFault  = 2
	istMachineCheck = 3
)

func tss() *tss64 {
	return (*tss64)(unsafe.Pointer(physAccess(kmem.Layout.TSS)))
}

func installISTStacks() {
	t := tss()
	t.ist[istNMI-1] = uint64(kmem.Layout.StackNMITop)
	t.ist[istDoubleFault-1] = uint64(kmem.Layout.StackDFTop)
	t.ist[istMachineCheck-1] = uint64(kmem.Layout.StackMCTop)
	t.ioMapBase = uint16(unsafe.Sizeof(tss64{}))
}

// Set registers handler for vector, matching the C kernel's isr_set:
// interrupts should be disabled by the caller while installing handlers.
func Set(vector InterruptNumber, handler Handler) {
	handlers[vector] = handler
}

func defaultFatalHandler(vector InterruptNumber, errorCode uint64, frame *Frame, regs *Regs) {
	kfmt.Printf("\n-----------------------------------\n")
	kfmt.Printf("%s (vector 0x%x, error 0x%x)\n\n", ExceptionName(vector), uint8(vector), errorCode)
	regs.DumpTo()
	kfmt.Printf("\n")
	frame.DumpTo()
	dumpFaultingInstruction(frame.RIP)
	kfmt.Printf("-----------------------------------\n")
	kfmt.Panic(&kernel.Error{Module: "gate", Message: ExceptionName(vector)})
}

func breakpointHandler(_ InterruptNumber, _ uint64, frame *Frame, _ *Regs) {
	kfmt.Printf("[gate] breakpoint hit at 0x%x\n", frame.RIP)
}

// dumpFaultingInstruction decodes and prints the instruction at rip, best
// effort: a fatal fault's RIP may point at unmapped or garbage memory, in
// which case decoding simply fails and nothing is printed.
func dumpFaultingInstruction(rip uint64) {
	code := *(*[16]byte)(unsafe.Pointer(physAccess(uintptr(rip))))
	inst, err := x86asm.Decode(code[:], 64)
	if err != nil {
		return
	}
	kfmt.Printf("faulting instruction: %s\n", x86asm.GNUSyntax(inst, rip, nil))
}

// dispatchInterrupt is called by the assembly common dispatcher with the
// vector number, the hardware error code (0 if the vector doesn't push
// one), and pointers to the saved register snapshot and return frame.
// vector arrives as a 64-bit value (commonISR pushes it as a full stack
// slot) and is narrowed here rather than in assembly.
func dispatchInterrupt(vectorWord uint64, errorCode uint64, frame *Frame, regs *Regs) {
	vector := InterruptNumber(vectorWord)
	h := handlers[vector]
	if h == nil {
		h = defaultFatalHandler
	}
	h(vector, errorCode, frame, regs)
}

const (
	picCmdMaster  = 0x20
	picCmdSlave   = 0xa0
	picDataMaster = 0x21
	picDataSlave  = 0xa1
	picEOI        = 0x20

	icw1Init  = 0x11 // ICW1: edge-triggered, cascade, expect ICW4
	icw4_8086 = 0x01
)

// remapPIC reprograms the master/slave 8259 PICs so that IRQ0-15 land on
// vectors IRQBase..IRQBase+15 instead of the BIOS default 0x08-0x0f/0x70-
// 0x77, which collide with the CPU exception range.
func remapPIC() {
	cpu.Outb(picCmdMaster, icw1Init)
	cpu.Outb(picCmdSlave, icw1Init)
	cpu.Outb(picDataMaster, uint8(IRQBase))
	cpu.Outb(picDataSlave, uint8(IRQBase)+8)
	cpu.Outb(picDataMaster, 4) // tell master PIC slave sits on IRQ2
	cpu.Outb(picDataSlave, 2)  // tell slave PIC its cascade identity
	cpu.Outb(picDataMaster, icw4_8086)
	cpu.Outb(picDataSlave, icw4_8086)

	// Mask every IRQ line; callers opt in via IRQEnable.
	cpu.Outb(picDataMaster, 0xff)
	cpu.Outb(picDataSlave, 0xff)
}

// IRQEnable tells the PIC to unmask the given hardware interrupt line.
func IRQEnable(irq uint8) {
	port := uint16(picDataMaster)
	if irq >= 8 {
		port = picDataSlave
		irq -= 8
	}
	cpu.Outb(port, cpu.Inb(port)&^(1<<irq))
}

// IRQDisable tells the PIC to mask the given hardware interrupt line.
func IRQDisable(irq uint8) {
	port := uint16(picDataMaster)
	if irq >= 8 {
		port = picDataSlave
		irq -= 8
	}
	cpu.Outb(port, cpu.Inb(port)|(1<<irq))
}

// sendEOI acknowledges a hardware interrupt so the PIC will deliver further
// interrupts on that line (and lower-priority lines on the master, for a
// slave-originated IRQ).
func sendEOI(irq uint8) {
	if irq >= 8 {
		cpu.Outb(picCmdSlave, picEOI)
	}
	cpu.Outb(picCmdMaster, picEOI)
}

// irqDispatch wraps a hardware IRQ handler so it acknowledges the PIC after
// running, matching the C kernel's interrupt handling loop where isr_set
// handlers for the remapped vectors never need to call the EOI themselves.
func irqDispatch(irq uint8, handler Handler) Handler {
	return func(vector InterruptNumber, errorCode uint64, frame *Frame, regs *Regs) {
		handler(vector, errorCode, frame, regs)
		sendEOI(irq)
	}
}

// HandleIRQ registers handler for hardware IRQ line irq (0-15), wrapping it
// so the PIC is acknowledged automatically once it returns.
func HandleIRQ(irq uint8, handler Handler) {
	Set(IRQBase+InterruptNumber(irq), irqDispatch(irq, handler))
}

// lidt loads the IDT register from the 10-byte pseudo-descriptor at ptr
// (2-byte limit followed by an 8-byte base), implemented in gate_amd64.s.
func lidt(ptr uintptr)

// ltr loads the task register with the given GDT selector, implemented in
// gate_amd64.s.
func ltr(selector uint16)

// tssDescriptor is the 16-byte 64-bit system-segment descriptor a TSS needs
// in the GDT (twice the width of a normal code/data descriptor, since the
// base address is a full 64 bits).
type tssDescriptor struct {
	limitLow       uint16
	baseLow        uint16
	baseMid        uint8
	access         uint8
	limitHighFlags uint8
	baseHigh       uint8
	baseUpper      uint32
	reserved       uint32
}

const (
	// gdtTSSSelector is the slot kmain's boot GDT reserves for the TSS
	// system descriptor, immediately after the four flat code/data
	// descriptors (null, kernel code, kernel data, user code, user data).
	gdtTSSSelector = 0x28

	tssAccessByte = 0x89 // present, DPL 0, 64-bit TSS (available)
)

// buildTSSDescriptor writes the TSS system descriptor into the boot GDT,
// without touching the task register. Split from installTSSDescriptor so
// tests can check the descriptor bytes without calling the bodiless LTR
// instruction.
func buildTSSDescriptor() {
	d := (*tssDescriptor)(unsafe.Pointer(physAccess(kmem.Layout.GDT + gdtTSSSelector)))
	base := uint64(kmem.Layout.TSS)
	limit := uint32(unsafe.Sizeof(tss64{})) - 1

	*d = tssDescriptor{
		limitLow:       uint16(limit),
		baseLow:        uint16(base),
		baseMid:        uint8(base >> 16),
		access:         tssAccessByte,
		limitHighFlags: uint8((limit >> 16) & 0xf),
		baseHigh:       uint8(base >> 24),
		baseUpper:      uint32(base >> 32),
	}
}

// installTSSDescriptor writes the TSS system descriptor into the boot GDT
// and loads the task register, without which the CPU ignores the IST
// fields installISTStacks wrote: an IDT gate's IST index is only honored
// once TR points at a valid TSS.
func installTSSDescriptor() {
	buildTSSDescriptor()
	ltr(gdtTSSSelector)
}

// installIDT builds the 10-byte IDTR pseudo-descriptor for the fixed IDT
// at kmem.Layout.IDT and loads it.
func installIDT() {
	var idtr [10]byte
	*(*uint16)(unsafe.Pointer(&idtr[0])) = uint16(unsafe.Sizeof(idtGate{}))*256 - 1
	*(*uint64)(unsafe.Pointer(&idtr[2])) = uint64(kmem.Layout.IDT)
	lidt(uintptr(unsafe.Pointer(&idtr[0])))
}

// BuildIDT populates the in-memory IDT and IST stacks and registers the
// default handlers, without touching any CPU state: no LIDT, no PIC
// programming. Split out from Init so tests can exercise the gate-building
// logic without depending on instructions a host process can't execute.
//
// Vectors below 32 (the CPU exception range) are installed as interrupt
// gates, so IF is cleared on entry even for exceptions that fire with
// interrupts enabled. Vectors 32-255 — the remapped hardware IRQs,
// FatalVector and every other software vector — are trap gates: their
// handlers run with IF left as the CPU left it, matching the C kernel's
// isr_install split between INTERRUPT_GATE and TRAP_GATE.
func BuildIDT() {
	table := idtTable()
	*table = [256]idtGate{}

	installISTStacks()

	for v := 0; v < 32; v++ {
		vec := InterruptNumber(v)
		ist := uint8(0)
		switch vec {
		case NMI:
			ist = istNMI
		case DoubleFault:
			ist = istDoubleFault
		case MachineCheck:
			ist = istMachineCheck
		}
		Set(vec, defaultFatalHandler)
		installGate(vec, ist, gateTypeInterrupt)
	}
	Set(Breakpoint, breakpointHandler)

	for v := int(IRQBase); v < len(gateThunks); v++ {
		installGate(InterruptNumber(v), 0, gateTypeTrap)
	}

	Set(FatalVector, defaultFatalHandler)
	installGate(FatalVector, 0, gateTypeTrap)
}

// Init builds the IDT (see BuildIDT), loads it via LIDT, and remaps the PIC
// so hardware IRQs land outside the exception range (masked until callers
// opt in via IRQEnable). It does not enable interrupts; callers do that via
// cpu.EnableInterrupts once every driver that owns an IRQ line is ready.
func Init() {
	BuildIDT()
	installTSSDescriptor()
	installIDT()
	remapPIC()

	kfmt.SetFatalRaiser(cpu.RaiseFatal)
}

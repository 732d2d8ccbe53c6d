// Package cpu exposes narrowly-typed wrappers around x86-64 instructions that
// have no safe equivalent in Go: interrupt control, TLB invalidation, page
// table switching, port I/O, CPUID and MSR access. Each function's only
// contract is the instruction's own semantics; the implementation lives in
// the matching .s file.
package cpu

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt (HLT).
func Halt()

// Pause executes the PAUSE instruction, which hints to the CPU that the
// current code is a spin-wait loop. Used by sync.Spinlock's busy-wait
// backoff.
func Pause()

// RaiseFatal raises the fatal software interrupt (vector 0xFF, INT 0xFF).
// Callers must only invoke this once the IDT has been installed; see
// kfmt.Panic for the fallback used during earlier bring-up.
func RaiseFatal()

// FlushTLBEntry flushes a single TLB entry for the given virtual address
// (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// LoadCR3 sets the root page table physical address and flushes the TLB.
func LoadCR3(pdtPhysAddr uintptr)

// ActiveCR3 returns the physical address of the currently active top-level
// page table.
func ActiveCR3() uintptr

// Inb reads a single byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a single byte to the given I/O port.
func Outb(port uint16, value uint8)

// CPUID executes the CPUID instruction with the given leaf/subleaf selectors
// loaded into EAX/ECX and returns the resulting EAX, EBX, ECX, EDX values.
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// RDMSR reads the model-specific register identified by id.
func RDMSR(id uint32) uint64

// WRMSR writes value to the model-specific register identified by id.
func WRMSR(id uint32, value uint64)

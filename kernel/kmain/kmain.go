// Package kmain is the bring-up trampoline: the single exported symbol the
// rt0 assembly stub calls into once it has built enough of a stack for Go
// code to run. See DESIGN.md for how the pipeline here is ported from the
// reference kernel's kernel/kmain package, reordered to this kernel's own
// fixed-physical-layout boot contract.
package kmain

import (
	"reflect"
	"unsafe"

	"nanokernel/kernel"
	acpigo "nanokernel/kernel/acpi"
	"nanokernel/kernel/cpu"
	"nanokernel/kernel/gate"
	"nanokernel/kernel/kfmt"
	"nanokernel/kernel/kmem"
	"nanokernel/kernel/mem"
	"nanokernel/kernel/paging"
	"nanokernel/kernel/pfdb"
	"nanokernel/kernel/pmap"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// physAccess translates a physical address into a dereferenceable pointer.
// Pre-paging-activation code (the BIOS memory map is read before kmem.Build
// runs) executes with an identity mapping already in place courtesy of the
// boot page table, so in production this is the identity function; tests
// override it to redirect reads into a host-backed arena, the same idiom
// used by packages paging/kmem/gate/acpigo.
var physAccess = func(addr uintptr) uintptr { return addr }

// SetPhysAccess overrides how this package dereferences physical addresses.
func SetPhysAccess(fn func(uintptr) uintptr) { physAccess = fn }

// e820Type is the standard BIOS INT 0x15, AX=0xE820 region-type tag. This
// layout isn't specified anywhere in the retrieved sources (the real-mode
// memory-detection stage wasn't part of what was retrieved), so it is taken
// directly from the well-known BIOS interface itself — the same disclosure
// class as the hand-written assembly in kernel/cpu and kernel/gate. Values
// 1-5 happen to already match pmap.Type's own Usable through Bad ordering,
// which is presumably why pmap.Type was numbered that way.
type e820Type uint32

const (
	e820Usable      e820Type = 1
	e820Reserved    e820Type = 2
	e820ACPIReclaim e820Type = 3
	e820ACPINVS     e820Type = 4
	e820Bad         e820Type = 5
)

// e820Entry is one BIOS memory-map record, the format kmem.Layout.TableBIOS
// holds a count-prefixed array of by the time Kmain runs: a uint32 entry
// count at offset 0, then that many 24-byte entries starting at offset 8.
type e820Entry struct {
	Base   uint64
	Length uint64
	Type   e820Type
	_      uint32
}

func e820PMAPType(t e820Type) pmap.Type {
	switch t {
	case e820Usable:
		return pmap.Usable
	case e820ACPIReclaim:
		return pmap.Acpi
	case e820ACPINVS:
		return pmap.AcpiNvs
	case e820Bad:
		return pmap.Bad
	default:
		return pmap.Reserved
	}
}

// ingestBIOSMemoryMap reads the BIOS-supplied e820 table and feeds every
// entry into PMAP via Add, ahead of pmap.Init's own fixed-region seeding.
func ingestBIOSMemoryMap() *kernel.Error {
	count := *(*uint32)(unsafe.Pointer(physAccess(kmem.Layout.TableBIOS)))

	var entries []e820Entry
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&entries))
	hdr.Data = physAccess(kmem.Layout.TableBIOS + 8)
	hdr.Len = int(count)
	hdr.Cap = int(count)

	for _, e := range entries {
		if err := pmap.Add(e.Base, e.Length, e820PMAPType(e.Type)); err != nil {
			return err
		}
	}
	return nil
}

// pfdbStorage rounds the page-frame database's size up to a 2 MiB multiple
// and reserves a 2 MiB-aligned span for it out of the first Usable PMAP
// region large enough to hold it, mirroring page_init's reserve_region call
// in the C kernel. pmap.Reserve adds the span to the map as Reserved as
// part of finding it, so this must run before kmem.Build so the kernel
// table maps it.
func pfdbStorage(frameCount uint32) (addr uintptr, size uintptr, err *kernel.Error) {
	size = uintptr(frameCount) * pfdb.RecordSize
	size = (size + mem.PageSizeLarge - 1) &^ (mem.PageSizeLarge - 1)

	paddr, rerr := pmap.Reserve(uint64(size), uint(mem.PageShiftLarge))
	if rerr != nil {
		return 0, 0, rerr
	}
	return uintptr(paddr), size, nil
}

// Kmain performs the fixed bring-up pipeline: seed and normalize PMAP,
// walk the ACPI tables (adding their regions to PMAP too), build and
// activate the kernel's identity-mapped page table, build the page-frame
// database, then program and load the IDT and enable interrupts.
//
// Kmain is not expected to return. If it does, the rt0 trampoline halts
// the CPU; kfmt.Panic is used instead of a bare return so the compiler
// cannot treat the rest of this function as dead code.
//
//go:noinline
func Kmain() {
	if err := ingestBIOSMemoryMap(); err != nil {
		kfmt.Panic(err)
	}
	if err := pmap.Init(uint64(kmem.Layout.Video), uint64(kmem.Layout.VideoSize), uint64(kmem.Layout.KernelImageEnd)); err != nil {
		kfmt.Panic(err)
	}

	if err := acpigo.Init(); err != nil {
		kfmt.Panic(err)
	}

	_, lastUsable := pmap.Get()
	frameCount := uint32(lastUsable / uint64(mem.PageSize))
	storageAddr, storageSize, err := pfdbStorage(frameCount)
	if err != nil {
		kfmt.Panic(err)
	}

	pt, err := kmem.Build()
	if err != nil {
		kfmt.Panic(err)
	}
	paging.InitKernelTable(pt.Proot, pt.Vroot, pt.Vnext, pt.Vterm)
	if err := paging.Activate(nil); err != nil {
		kfmt.Panic(err)
	}

	kernel.Memset(storageAddr, 0, storageSize)
	if err := pfdb.Init(storageAddr, frameCount); err != nil {
		kfmt.Panic(err)
	}

	gate.Init()
	cpu.EnableInterrupts()

	kfmt.Panic(errKmainReturned)
}

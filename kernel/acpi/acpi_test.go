package acpigo

import (
	"testing"
	"unsafe"

	"nanokernel/kernel/acpi/table"
	"nanokernel/kernel/pmap"
)

// setupArena backs every physical address this package might touch (the
// boot page table pool plus the BIOS extended data area the RSDP scan
// covers and the synthetic table addresses tests place beyond it) with real
// host memory, mirroring the physAccess override used by package paging and
// package kmem.
func setupArena(t *testing.T) uintptr {
	t.Helper()
	const arenaSize = 0x300000
	arena := make([]byte, arenaSize)
	base := uintptr(unsafe.Pointer(&arena[0]))
	SetPhysAccess(func(addr uintptr) uintptr { return base + addr })
	pmap.Reset()
	t.Cleanup(func() {
		SetPhysAccess(func(addr uintptr) uintptr { return addr })
		pmap.Reset()
		_ = arena
	})
	return base
}

func fixChecksum(addr uintptr, length uint32, checksumOffset uintptr) {
	*(*uint8)(unsafe.Pointer(physAccess(addr + checksumOffset))) = 0
	var sum uint8
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(physAccess(addr + uintptr(i))))
	}
	*(*uint8)(unsafe.Pointer(physAccess(addr + checksumOffset))) = uint8(0) - sum
}

var sdtChecksumOffset = unsafe.Offsetof(table.SDTHeader{}.Checksum)

func writeSDTHeader(addr uintptr, signature string, length uint32, revision uint8) {
	h := (*table.SDTHeader)(unsafe.Pointer(physAccess(addr)))
	copy(h.Signature[:], signature)
	h.Length = length
	h.Revision = revision
}

// writeMADTEntryHeader writes a MADTEntry header at addr and returns the
// address its typed payload starts at.
func writeMADTEntryHeader(addr uintptr, entryType table.MADTEntryType, length uint8) uintptr {
	e := (*table.MADTEntry)(unsafe.Pointer(physAccess(addr)))
	e.Type = entryType
	e.Length = length
	return addr + unsafe.Sizeof(table.MADTEntry{})
}

// buildRoot assembles a synthetic RSDP plus root table (RSDT or XSDT) and
// descendant FADT/MADT[/MCFG] tables, wiring the FADT's Dsdt pointer at a
// separate address. Returns the physical address of the RSDP.
func buildRoot(t *testing.T, useXSDT bool, includeMCFG bool, corruptMADT bool) uintptr {
	t.Helper()
	return buildRootAt(t, useXSDT, includeMCFG, corruptMADT, 0xc1000)
}

// buildRootAt is buildRoot with an explicit RSDP address, letting tests
// target either of the two scan windows locateRSDP checks.
func buildRootAt(t *testing.T, useXSDT bool, includeMCFG bool, corruptMADT bool, rsdpAddr uintptr) uintptr {
	t.Helper()

	const (
		rootAddr = uintptr(0x200000)
		fadtAddr = uintptr(0x201000)
		madtAddr = uintptr(0x202000)
		dsdtAddr = uintptr(0x203000)
		mcfgAddr = uintptr(0x204000)
	)

	headerSize := unsafe.Sizeof(table.SDTHeader{})

	// DSDT: bare header, no payload.
	writeSDTHeader(dsdtAddr, "DSDT", uint32(headerSize), 0)
	fixChecksum(dsdtAddr, uint32(headerSize), sdtChecksumOffset)

	// FADT
	writeSDTHeader(fadtAddr, "FACP", uint32(unsafe.Sizeof(table.FADT{})), 3)
	fadt := (*table.FADT)(unsafe.Pointer(physAccess(fadtAddr)))
	if useXSDT {
		fadt.Ext.Dsdt = uint64(dsdtAddr)
	} else {
		fadt.Dsdt = uint32(dsdtAddr)
	}
	fixChecksum(fadtAddr, uint32(unsafe.Sizeof(table.FADT{})), sdtChecksumOffset)

	// MADT: one local APIC entry, one I/O APIC entry.
	madtHeaderLen := unsafe.Sizeof(table.MADT{})
	entryHeaderLen := unsafe.Sizeof(table.MADTEntry{})
	localLen := entryHeaderLen + unsafe.Sizeof(table.MADTEntryLocalAPIC{})
	ioLen := entryHeaderLen + unsafe.Sizeof(table.MADTEntryIOAPIC{})

	madt := (*table.MADT)(unsafe.Pointer(physAccess(madtAddr)))
	madt.LocalControllerAddress = 0xfee00000
	madt.Flags = 0

	localAddr := madtAddr + madtHeaderLen
	payload := writeMADTEntryHeader(localAddr, table.MADTEntryTypeLocalAPIC, uint8(localLen))
	localAPIC := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(physAccess(payload)))
	localAPIC.ProcessorID = 0
	localAPIC.APICID = 0
	localAPIC.Flags = 1

	ioAddr := localAddr + localLen
	payload = writeMADTEntryHeader(ioAddr, table.MADTEntryTypeIOAPIC, uint8(ioLen))
	ioAPIC := (*table.MADTEntryIOAPIC)(unsafe.Pointer(physAccess(payload)))
	ioAPIC.APICID = 1
	ioAPIC.Address = 0xfec00000
	ioAPIC.SysInterruptBase = 0

	madtLen := uint32(madtHeaderLen + localLen + ioLen)
	writeSDTHeader(madtAddr, "APIC", madtLen, 0)
	fixChecksum(madtAddr, madtLen, sdtChecksumOffset)
	if corruptMADT {
		// Flip a payload byte after the checksum was computed.
		p := (*uint8)(unsafe.Pointer(physAccess(ioAddr)))
		*p = *p + 1
	}

	// MCFG: one segment-group address record.
	if includeMCFG {
		mcfgHeaderLen := unsafe.Sizeof(table.MCFG{})
		addrLen := unsafe.Sizeof(table.MCFGAddress{})
		mcfgLen := uint32(mcfgHeaderLen + addrLen)
		writeSDTHeader(mcfgAddr, "MCFG", mcfgLen, 0)
		rec := (*table.MCFGAddress)(unsafe.Pointer(physAccess(mcfgAddr + mcfgHeaderLen)))
		rec.Base = 0xe0000000
		rec.SegmentGroup = 0
		rec.BusStart = 0
		rec.BusEnd = 0xff
		fixChecksum(mcfgAddr, mcfgLen, sdtChecksumOffset)
	}

	descendants := []uintptr{fadtAddr, madtAddr}
	if includeMCFG {
		descendants = append(descendants, mcfgAddr)
	}

	var rootLen uint32
	if useXSDT {
		rootLen = uint32(headerSize) + uint32(len(descendants))*8
	} else {
		rootLen = uint32(headerSize) + uint32(len(descendants))*4
	}
	writeSDTHeader(rootAddr, "XSDT", rootLen, 1)

	for i, d := range descendants {
		if useXSDT {
			entryPtr := rootAddr + headerSize + uintptr(i)*8
			*(*uint64)(unsafe.Pointer(physAccess(entryPtr))) = uint64(d)
		} else {
			entryPtr := rootAddr + headerSize + uintptr(i)*4
			*(*uint32)(unsafe.Pointer(physAccess(entryPtr))) = uint32(d)
		}
	}
	fixChecksum(rootAddr, rootLen, sdtChecksumOffset)

	// RSDP
	if useXSDT {
		rsdp := (*table.ExtRSDPDescriptor)(unsafe.Pointer(physAccess(rsdpAddr)))
		rsdp.Signature = rsdpSignature
		rsdp.Revision = 2
		rsdp.RSDTAddr = 0 // unused when useXSDT is taken
		rsdp.Length = uint32(unsafe.Sizeof(table.ExtRSDPDescriptor{}))
		rsdp.XSDTAddr = uint64(rootAddr)
		fixChecksum(rsdpAddr, uint32(unsafe.Sizeof(table.ExtRSDPDescriptor{})),
			unsafe.Offsetof(table.ExtRSDPDescriptor{}.ExtendedChecksum))
	} else {
		rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(physAccess(rsdpAddr)))
		rsdp.Signature = rsdpSignature
		rsdp.Revision = 0
		rsdp.RSDTAddr = uint32(rootAddr)
		fixChecksum(rsdpAddr, uint32(unsafe.Sizeof(table.RSDPDescriptor{})),
			unsafe.Offsetof(table.RSDPDescriptor{}.Checksum))
	}

	return rsdpAddr
}

func TestInitDiscoversACPI1Tables(t *testing.T) {
	setupArena(t)
	buildRoot(t, false, false, false)

	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if !Ready() {
		t.Fatal("expected Ready() to be true after successful Init")
	}
	if UsesXSDT() {
		t.Fatal("expected ACPI 1.0 RSDP to select RSDT, not XSDT")
	}
	if FADT() == nil {
		t.Fatal("expected FADT to be discovered")
	}
	if MADT() == nil {
		t.Fatal("expected MADT to be discovered")
	}
	if Table("DSDT") == nil {
		t.Fatal("expected DSDT to be discovered via FADT.Dsdt")
	}
	if _, ok := NextLocalAPIC(0); !ok {
		t.Fatal("expected one local APIC entry")
	}
	if _, ok := NextIOAPIC(0); !ok {
		t.Fatal("expected one I/O APIC entry")
	}
	if _, ok := NextIOAPIC(1); ok {
		t.Fatal("expected only one I/O APIC entry")
	}
}

func TestInitFindsRSDPInExtendedBIOSArea(t *testing.T) {
	setupArena(t)
	buildRootAt(t, false, false, false, 0x9f810)

	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !Ready() {
		t.Fatal("expected Ready() to be true after successful Init")
	}
}

func TestInitDiscoversACPI2XSDTAndMCFG(t *testing.T) {
	setupArena(t)
	buildRoot(t, true, true, false)

	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if !UsesXSDT() {
		t.Fatal("expected ACPI 2.0+ RSDP to select XSDT")
	}
	if MCFG() == nil {
		t.Fatal("expected MCFG to be discovered")
	}
	rec, ok := NextMCFGAddress(0)
	if !ok {
		t.Fatal("expected one MCFG address record")
	}
	if rec.Base != 0xe0000000 || rec.BusEnd != 0xff {
		t.Fatalf("unexpected MCFG record: %+v", rec)
	}
	if Table("DSDT") == nil {
		t.Fatal("expected DSDT to be discovered via FADT.Ext.Dsdt")
	}
}

func TestInitSkipsTableWithBadChecksum(t *testing.T) {
	setupArena(t)
	buildRoot(t, true, false, true)

	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if MADT() != nil {
		t.Fatal("expected MADT with a corrupted checksum to be skipped")
	}
	if FADT() == nil {
		t.Fatal("expected FADT (uncorrupted) to still be discovered")
	}
}

func TestInitFailsWithoutRSDP(t *testing.T) {
	setupArena(t)
	// No RSDP signature anywhere in the EBDA or system ROM scan windows.

	if err := Init(); err != errMissingRSDP {
		t.Fatalf("expected errMissingRSDP, got %v", err)
	}
	if Ready() {
		t.Fatal("expected Ready() to remain false")
	}
}

func TestEnsureMappedReportsPoolExhaustion(t *testing.T) {
	setupArena(t)
	Reset()
	walker.nextPage = walker.termPage

	if err := ensureMapped(0x500000, 0x1000); err != errBootPoolExhausted {
		t.Fatalf("expected errBootPoolExhausted, got %v", err)
	}
}

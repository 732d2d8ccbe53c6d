// Package acpigo locates and walks the firmware ACPI tables: the RSDP, the
// XSDT/RSDT root table, and every table reachable from it (FADT, MADT,
// MCFG, and the DSDT the FADT points to). It is named acpigo, distinct from
// the table-struct package it depends on, to mirror the reference kernel's
// own device/acpi + device/acpi/table split. See DESIGN.md for grounding.
package acpigo

import (
	"unsafe"

	"nanokernel/kernel"
	"nanokernel/kernel/acpi/table"
	"nanokernel/kernel/kfmt"
	"nanokernel/kernel/kmem"
	"nanokernel/kernel/mem"
	"nanokernel/kernel/paging"
	"nanokernel/kernel/pmap"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 1 // rsdp.Revision >= 1 means version >= 2, see Init

	fadtSignature = "FACP"
	madtSignature = "APIC"
	mcfgSignature = "MCFG"
)

var (
	errMissingRSDP       = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errChecksumMismatch  = &kernel.Error{Module: "acpi", Message: "ACPI table checksum mismatch"}
	errBootPoolExhausted = &kernel.Error{Module: "acpi", Message: "boot page table scratch pool exhausted"}

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

	rsdpAlignment uintptr = 16
)

// physAccess translates a physical address into a dereferenceable pointer.
// Mirrors the same idiom used by package paging and package kmem; tests
// redirect it at a host-backed arena.
var physAccess = func(addr uintptr) uintptr { return addr }

// SetPhysAccess overrides how this package dereferences physical addresses.
func SetPhysAccess(fn func(uintptr) uintptr) { physAccess = fn }

func tableAt(paddr uintptr) *paging.Table {
	return (*paging.Table)(unsafe.Pointer(physAccess(paddr)))
}

func pml4Index(vaddr uintptr) uintptr { return (vaddr >> 39) & 0x1ff }
func pdptIndex(vaddr uintptr) uintptr { return (vaddr >> 30) & 0x1ff }
func pdIndex(vaddr uintptr) uintptr   { return (vaddr >> 21) & 0x1ff }
func ptIndex(vaddr uintptr) uintptr   { return (vaddr >> 12) & 0x1ff }

func entryAddr(e uint64) uintptr { return uintptr(e) &^ uintptr(0x3ff) }

// bootTableFlags mirrors the reference layout's non-PS row for Usable
// /Reserved/Acpi regions: the boot page table never needs PS leaves since
// it only ever maps a handful of 4 KiB ACPI table pages on demand.
const bootTableFlags = paging.Present | paging.RW | paging.Global | paging.System

// walker holds the mutable state this package's singleton keeps across
// Init and the accessor calls that follow it.
var walker struct {
	ready   bool
	useXSDT bool
	acpiRev uint8 // rsdp.Revision: 0 means ACPI 1.0, >=1 means ACPI 2.0+

	nextPage uintptr
	termPage uintptr

	tableMap map[string]uintptr // signature -> physical address of SDTHeader

	fadt *table.FADT
	madt *table.MADT
	mcfg *table.MCFG

	localAPICs []table.MADTEntryLocalAPIC
	ioAPICs    []table.MADTEntryIOAPIC
	isos       []table.MADTEntryInterruptSrcOverride
	nmis       []table.MADTEntryNMI
	mcfgAddrs  []table.MCFGAddress
}

// Reset clears all walker state. Exposed for tests.
func Reset() {
	walker.ready = false
	walker.useXSDT = false
	walker.nextPage = kmem.BootPageTablePool.Start
	walker.termPage = kmem.BootPageTablePool.End
	walker.tableMap = make(map[string]uintptr)
	walker.fadt = nil
	walker.madt = nil
	walker.mcfg = nil
	walker.localAPICs = nil
	walker.ioAPICs = nil
	walker.isos = nil
	walker.nmis = nil
	walker.mcfgAddrs = nil
}

func init() {
	Reset()
}

// allocScratchPage bump-allocates the next 4 KiB page from the boot page
// table's scratch pool, zeroing it before use so stale data never appears
// as valid page-table entries.
func allocScratchPage() (uintptr, *kernel.Error) {
	if walker.nextPage >= walker.termPage {
		return 0, errBootPoolExhausted
	}
	p := walker.nextPage
	walker.nextPage += mem.PageSize
	kernel.Memset(physAccess(p), 0, mem.PageSize)
	return p, nil
}

// ensureMapped walks (and, where necessary, extends) the boot page table so
// that every 4 KiB page spanning [addr, addr+size) is present, matching
// §4.2's contract: never write outside the scratch pool, zero new interior
// pages on allocation.
func ensureMapped(addr uintptr, size uintptr) *kernel.Error {
	start := addr &^ (mem.PageSize - 1)
	end := (addr + size + mem.PageSize - 1) &^ (mem.PageSize - 1)

	for va := start; va < end; va += mem.PageSize {
		pml4e, pdpte, pde, pte := pml4Index(va), pdptIndex(va), pdIndex(va), ptIndex(va)

		pml4t := tableAt(kmem.Layout.BootPageTable)
		if pml4t.Entry[pml4e] == 0 {
			p, err := allocScratchPage()
			if err != nil {
				return err
			}
			pml4t.Entry[pml4e] = uint64(p) | uint64(bootTableFlags)
		}

		pdpt := tableAt(entryAddr(pml4t.Entry[pml4e]))
		if pdpt.Entry[pdpte] == 0 {
			p, err := allocScratchPage()
			if err != nil {
				return err
			}
			pdpt.Entry[pdpte] = uint64(p) | uint64(bootTableFlags)
		}

		pdt := tableAt(entryAddr(pdpt.Entry[pdpte]))
		if pdt.Entry[pde] == 0 {
			p, err := allocScratchPage()
			if err != nil {
				return err
			}
			pdt.Entry[pde] = uint64(p) | uint64(bootTableFlags)
		}

		ptt := tableAt(entryAddr(pdt.Entry[pde]))
		if ptt.Entry[pte] == 0 {
			ptt.Entry[pte] = uint64(va) | uint64(bootTableFlags)
		}
	}

	return nil
}

// checksumValid sums every byte in [addr, addr+length) and reports whether
// the total is zero modulo 256, the checksum rule every ACPI table shares.
func checksumValid(addr uintptr, length uint32) bool {
	var sum uint8
	base := physAccess(addr)
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(base + uintptr(i)))
	}
	return sum == 0
}

// scanRSDPWindow scans [low, low+size) on a 16-byte boundary for the RSDP
// signature, validates its checksum, and returns the address of the root
// table plus whether it is an XSDT (ACPI 2.0+) or RSDT.
func scanRSDPWindow(low, size uintptr) (rootAddr uintptr, useXSDT bool, revision uint8, err *kernel.Error) {
	if err := ensureMapped(low, size); err != nil {
		return 0, false, 0, err
	}

	hi := low + size

checkNextBlock:
	for addr := low; addr < hi; addr += rsdpAlignment {
		base := physAccess(addr)
		sig := (*[8]byte)(unsafe.Pointer(base))
		for i, b := range rsdpSignature {
			if sig[i] != b {
				continue checkNextBlock
			}
		}

		rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(base))
		if rsdp.Revision == acpiRev1 {
			if !checksumValid(addr, uint32(unsafe.Sizeof(table.RSDPDescriptor{}))) {
				continue
			}
			return uintptr(rsdp.RSDTAddr), false, rsdp.Revision, nil
		}

		rsdp2 := (*table.ExtRSDPDescriptor)(unsafe.Pointer(base))
		if !checksumValid(addr, uint32(unsafe.Sizeof(table.ExtRSDPDescriptor{}))) {
			continue
		}
		if rsdp2.XSDTAddr == 0 {
			return uintptr(rsdp.RSDTAddr), false, rsdp.Revision, nil
		}
		return uintptr(rsdp2.XSDTAddr), true, rsdp.Revision, nil
	}

	return 0, false, 0, errMissingRSDP
}

// locateRSDP scans the two BIOS regions ACPI mandates the RSDP be
// discoverable within, in order: the 2 KiB window just below 640 KiB
// (kmem.Layout.ExtendedBIOS, the tail of the extended BIOS data area), then
// the system ROM space the BIOS itself occupies.
func locateRSDP() (rootAddr uintptr, useXSDT bool, revision uint8, err *kernel.Error) {
	rootAddr, useXSDT, revision, err = scanRSDPWindow(kmem.Layout.ExtendedBIOS, kmem.Layout.ExtendedBIOSSize)
	if err == nil {
		return rootAddr, useXSDT, revision, nil
	}
	if err != errMissingRSDP {
		return 0, false, 0, err
	}

	return scanRSDPWindow(kmem.Layout.SystemROM, kmem.Layout.SystemROMSize)
}

// mapTable ensures a table's header, then its full payload (once the
// header's Length field is known), is mapped, and validates its checksum.
func mapTable(addr uintptr) (*table.SDTHeader, *kernel.Error) {
	headerSize := unsafe.Sizeof(table.SDTHeader{})
	if err := ensureMapped(addr, headerSize); err != nil {
		return nil, err
	}

	header := (*table.SDTHeader)(unsafe.Pointer(physAccess(addr)))
	if err := ensureMapped(addr, uintptr(header.Length)); err != nil {
		return nil, err
	}

	if !checksumValid(addr, header.Length) {
		return header, errChecksumMismatch
	}
	return header, nil
}

// parseMADT walks the variable-length entry list following the MADT header,
// dispatching each record by type and collecting it into the walker's
// per-type slices, and registers the local/IO APIC MMIO ranges with PMAP as
// Uncached so KMEM maps them without caching.
func parseMADT(addr uintptr, madt *table.MADT) *kernel.Error {
	headerLen := unsafe.Sizeof(table.MADT{})
	entryTypeLen := unsafe.Sizeof(table.MADTEntry{})

	if err := pmap.Add(uint64(madt.LocalControllerAddress), uint64(mem.PageSize), pmap.Uncached); err != nil {
		return err
	}

	cur := addr + headerLen
	end := addr + uintptr(madt.Length)
	for cur < end {
		entry := (*table.MADTEntry)(unsafe.Pointer(physAccess(cur)))
		payload := cur + entryTypeLen

		switch entry.Type {
		case table.MADTEntryTypeLocalAPIC:
			e := *(*table.MADTEntryLocalAPIC)(unsafe.Pointer(physAccess(payload)))
			walker.localAPICs = append(walker.localAPICs, e)

		case table.MADTEntryTypeIOAPIC:
			e := *(*table.MADTEntryIOAPIC)(unsafe.Pointer(physAccess(payload)))
			walker.ioAPICs = append(walker.ioAPICs, e)
			if err := pmap.Add(uint64(e.Address), uint64(mem.PageSize), pmap.Uncached); err != nil {
				return err
			}

		case table.MADTEntryTypeIntSrcOverride:
			e := *(*table.MADTEntryInterruptSrcOverride)(unsafe.Pointer(physAccess(payload)))
			walker.isos = append(walker.isos, e)

		case table.MADTEntryTypeNMI:
			e := *(*table.MADTEntryNMI)(unsafe.Pointer(physAccess(payload)))
			walker.nmis = append(walker.nmis, e)
		}

		if entry.Length == 0 {
			break // malformed entry; stop rather than loop forever
		}
		cur += uintptr(entry.Length)
	}

	return nil
}

// parseMCFG walks the array of MCFGAddress records following the MCFG
// header.
func parseMCFG(addr uintptr, mcfg *table.MCFG) {
	headerLen := unsafe.Sizeof(table.MCFG{})
	entryLen := unsafe.Sizeof(table.MCFGAddress{})

	count := (uintptr(mcfg.Length) - headerLen) / entryLen
	walker.mcfgAddrs = make([]table.MCFGAddress, 0, count)
	for i := uintptr(0); i < count; i++ {
		e := *(*table.MCFGAddress)(unsafe.Pointer(physAccess(addr + headerLen + i*entryLen)))
		walker.mcfgAddrs = append(walker.mcfgAddrs, e)
	}
}

// registerTable records header under its signature, submits its page-aligned
// extent to PMAP as Acpi, and dispatches FADT/MADT/MCFG payloads to their
// specific parsers.
func registerTable(addr uintptr, header *table.SDTHeader) *kernel.Error {
	signature := string(header.Signature[:])
	walker.tableMap[signature] = addr

	alignedAddr := addr &^ (mem.PageSize - 1)
	alignedEnd := (addr + uintptr(header.Length) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	if err := pmap.Add(uint64(alignedAddr), uint64(alignedEnd-alignedAddr), pmap.Acpi); err != nil {
		return err
	}

	switch signature {
	case fadtSignature:
		walker.fadt = (*table.FADT)(unsafe.Pointer(physAccess(addr)))
	case madtSignature:
		walker.madt = (*table.MADT)(unsafe.Pointer(physAccess(addr)))
		if err := parseMADT(addr, walker.madt); err != nil {
			return err
		}
	case mcfgSignature:
		walker.mcfg = (*table.MCFG)(unsafe.Pointer(physAccess(addr)))
		parseMCFG(addr, walker.mcfg)
	}

	return nil
}

// Init locates the RSDP, walks the root table it names (XSDT if the system
// is ACPI 2.0+ and provides one, RSDT otherwise), maps and registers every
// descendant table, and folds FADT/MADT/MCFG regions plus APIC MMIO holes
// into PMAP. It never writes outside kmem.BootPageTablePool.
func Init() *kernel.Error {
	Reset()

	rootAddr, useXSDT, revision, err := locateRSDP()
	if err != nil {
		return err
	}
	walker.useXSDT = useXSDT
	walker.acpiRev = revision

	rootHeader, err := mapTable(rootAddr)
	if err != nil && err != errChecksumMismatch {
		return err
	}

	headerSize := unsafe.Sizeof(table.SDTHeader{})
	payloadLen := rootHeader.Length - uint32(headerSize)

	var entryStride uintptr = 4
	if useXSDT {
		entryStride = 8
	}
	count := uintptr(payloadLen) / entryStride

	for i := uintptr(0); i < count; i++ {
		ptrAddr := rootAddr + headerSize + i*entryStride
		if err := ensureMapped(ptrAddr, entryStride); err != nil {
			return err
		}

		var sdtAddr uintptr
		if useXSDT {
			sdtAddr = uintptr(*(*uint64)(unsafe.Pointer(physAccess(ptrAddr))))
		} else {
			sdtAddr = uintptr(*(*uint32)(unsafe.Pointer(physAccess(ptrAddr))))
		}

		header, err := mapTable(sdtAddr)
		if err == errChecksumMismatch {
			kfmt.Printf("[acpi] %s at 0x%16x: checksum mismatch, skipping\n",
				string(header.Signature[:]), sdtAddr)
			continue
		} else if err != nil {
			return err
		}

		if err := registerTable(sdtAddr, header); err != nil {
			return err
		}
	}

	if walker.fadt != nil {
		dsdtAddr := uintptr(walker.fadt.Dsdt)
		if walker.acpiRev >= acpiRev2Plus && walker.fadt.Ext.Dsdt != 0 {
			dsdtAddr = uintptr(walker.fadt.Ext.Dsdt)
		}
		if dsdtAddr != 0 {
			if header, err := mapTable(dsdtAddr); err == nil {
				_ = registerTable(dsdtAddr, header)
			}
		}
	}

	walker.ready = true
	return nil
}

// Ready reports whether Init has completed successfully.
func Ready() bool { return walker.ready }

// UsesXSDT reports whether the root table being walked is the 64-bit XSDT
// (true) or the legacy 32-bit RSDT (false).
func UsesXSDT() bool { return walker.useXSDT }

// Table returns the header for the ACPI table with the given 4-byte
// signature (e.g. "FACP", "APIC", "MCFG"), or nil if it was not found.
func Table(signature string) *table.SDTHeader {
	addr, ok := walker.tableMap[signature]
	if !ok {
		return nil
	}
	return (*table.SDTHeader)(unsafe.Pointer(physAccess(addr)))
}

// FADT returns the parsed Fixed ACPI Description Table, or nil if none was
// found.
func FADT() *table.FADT { return walker.fadt }

// MADT returns the parsed Multiple APIC Description Table header, or nil if
// none was found.
func MADT() *table.MADT { return walker.madt }

// MCFG returns the parsed PCIe configuration table header, or nil if none
// was found.
func MCFG() *table.MCFG { return walker.mcfg }

// NextLocalAPIC returns the local-APIC MADT entry at position idx and
// whether idx was in range, letting callers iterate with
// `for i := 0; ; i++ { e, ok := NextLocalAPIC(i); if !ok { break } }`.
func NextLocalAPIC(idx int) (table.MADTEntryLocalAPIC, bool) {
	if idx < 0 || idx >= len(walker.localAPICs) {
		return table.MADTEntryLocalAPIC{}, false
	}
	return walker.localAPICs[idx], true
}

// NextIOAPIC returns the I/O APIC MADT entry at position idx.
func NextIOAPIC(idx int) (table.MADTEntryIOAPIC, bool) {
	if idx < 0 || idx >= len(walker.ioAPICs) {
		return table.MADTEntryIOAPIC{}, false
	}
	return walker.ioAPICs[idx], true
}

// NextISO returns the interrupt-source-override MADT entry at position idx.
func NextISO(idx int) (table.MADTEntryInterruptSrcOverride, bool) {
	if idx < 0 || idx >= len(walker.isos) {
		return table.MADTEntryInterruptSrcOverride{}, false
	}
	return walker.isos[idx], true
}

// NextMCFGAddress returns the PCIe segment-group address record at position
// idx.
func NextMCFGAddress(idx int) (table.MCFGAddress, bool) {
	if idx < 0 || idx >= len(walker.mcfgAddrs) {
		return table.MCFGAddress{}, false
	}
	return walker.mcfgAddrs[idx], true
}

// Package paging implements the 4-level (PML4/PDPT/PDT/PT) x86-64 page
// table builder. It allocates its own page-table pages from package pfdb on
// demand as a table's virtual address space grows, following the "bump
// pointer into a self-reserved arena" scheme described in SPEC_FULL.md. See
// DESIGN.md for how this is ported from the C kernel's paging.c.
package paging

import (
	"unsafe"

	"nanokernel/kernel"
	"nanokernel/kernel/cpu"
	"nanokernel/kernel/mem"
	"nanokernel/kernel/pfdb"
)

// Entry flag bits, ported from the C kernel's PF_* defines.
type Flags uint64

const (
	Present Flags = 1 << 0
	RW      Flags = 1 << 1
	User    Flags = 1 << 2
	PWT     Flags = 1 << 3
	PCD     Flags = 1 << 4
	Access  Flags = 1 << 5
	Dirty   Flags = 1 << 6
	PS      Flags = 1 << 7 // valid at PDPT/PDT levels only: this entry is a huge/large leaf
	Global  Flags = 1 << 8
	System  Flags = 1 << 9 // page used by the kernel; never freed by Destroy

	offsetMask = Flags(0x3ff)
)

const entriesPerTable = mem.PageSize / 8 // 512 64-bit entries per table page

// shifts for each level's index field within a virtual address.
const (
	shiftPML4E = 39
	shiftPDPTE = 30
	shiftPDE   = 21
	shiftPTE   = 12
)

func pml4Index(vaddr uintptr) uintptr { return (vaddr >> shiftPML4E) & 0x1ff }
func pdptIndex(vaddr uintptr) uintptr { return (vaddr >> shiftPDPTE) & 0x1ff }
func pdIndex(vaddr uintptr) uintptr   { return (vaddr >> shiftPDE) & 0x1ff }
func ptIndex(vaddr uintptr) uintptr   { return (vaddr >> shiftPTE) & 0x1ff }

// Table is a page-table page: either 512 64-bit entries, or (at the PT
// level) 4096 bytes of raw leaf memory, depending on how the virtual memory
// it occupies is interpreted.
type Table struct {
	Entry [entriesPerTable]uint64
}

// physAccess translates a physical address into a pointer this execution
// environment can dereference. During kernel bring-up, physical memory is
// identity-mapped, so this is the identity function; SetPhysAccess lets
// tests redirect it into a host-backed arena instead, the same mockable-
// function-variable idiom used by kfmt.SetFatalRaiser.
var physAccess = func(addr uintptr) uintptr { return addr }

// SetPhysAccess overrides how this package dereferences physical addresses.
func SetPhysAccess(fn func(uintptr) uintptr) { physAccess = fn }

func tableAt(paddr uintptr) *Table {
	return (*Table)(ptrFromAddr(physAccess(paddr &^ uintptr(offsetMask))))
}

func entryAddr(entry uint64) uintptr { return uintptr(entry) &^ uintptr(offsetMask) }

var (
	errUnmapped      = &kernel.Error{Module: "paging", Message: "virtual address has no mapping"}
	errExhausted     = &kernel.Error{Module: "paging", Message: "page table's virtual address space is exhausted"}
	errSystemLocked  = &kernel.Error{Module: "paging", Message: "cannot modify a system-owned page table entry"}
	errUnalignedSize = &kernel.Error{Module: "paging", Message: "size is not a multiple of the page size"}
	errNoRoot        = &kernel.Error{Module: "paging", Message: "page table has not been created"}
)

// PageTable describes one complete address space: the physical root of its
// PML4, the virtual range set aside to hold the table's own pages, and a
// bump pointer (Vnext) into that range used whenever a new interior page
// table page must be allocated. This mirrors pagetable_t exactly.
type PageTable struct {
	Proot uintptr // physical address of the PML4 table
	Vroot uintptr // virtual address corresponding to Proot
	Vnext uintptr // next free virtual address within [Vroot, Vterm)
	Vterm uintptr // exclusive upper bound of the table's self-reserved arena
}

// kernelTable is the kernel's own address space, installed into every
// process table created by Create so that kernel mappings are always
// visible regardless of which table is active.
var (
	kernelTable PageTable
	activeTable *PageTable
)

// ptrFromAddr is the only place this package performs raw address-to-pointer
// conversion; kept narrow and named so a reviewer can audit every unsafe
// boundary crossing at a glance.
func ptrFromAddr(addr uintptr) *Table {
	return (*Table)(unsafe.Pointer(addr))
}

func pgalloc() (uintptr, *kernel.Error) {
	f, err := pfdb.Alloc()
	if err != nil {
		return 0, err
	}
	paddr := f.Address()
	kernel.Memset(physAccess(paddr), 0, mem.PageSize)
	return paddr, nil
}

func pgfree(paddr uintptr) *kernel.Error {
	f := mem.FrameFromAddress(paddr)
	_, err := pfdb.Free(f)
	return err
}

// addPTE installs a single leaf mapping, allocating whatever interior PDPT/
// PDT/PT pages are missing along the way. containsTable is set only for the
// recursive calls addPTE makes on itself to map a freshly allocated interior
// table page into the table's own self-reserved arena (pt.Vnext), matching
// the C kernel's CONTAINS_TABLE addflags bit.
func addPTE(pt *PageTable, vaddr, paddr uintptr, flags Flags, containsTable bool) *kernel.Error {
	if containsTable && vaddr >= pt.Vterm {
		return errExhausted
	}

	var added [3]uintptr
	count := 0

	pml4e, pdpte, pde, pte := pml4Index(vaddr), pdptIndex(vaddr), pdIndex(vaddr), ptIndex(vaddr)

	pml4t := tableAt(pt.Proot)
	if pml4t.Entry[pml4e] == 0 {
		p, err := pgalloc()
		if err != nil {
			return err
		}
		added[count] = p
		count++
		pml4t.Entry[pml4e] = uint64(p) | uint64(Present|RW)
	} else if Flags(pml4t.Entry[pml4e])&System != 0 {
		return errSystemLocked
	}

	pdpt := tableAt(entryAddr(pml4t.Entry[pml4e]))
	if pdpt.Entry[pdpte] == 0 {
		p, err := pgalloc()
		if err != nil {
			return err
		}
		added[count] = p
		count++
		pdpt.Entry[pdpte] = uint64(p) | uint64(Present|RW)
	}

	pdt := tableAt(entryAddr(pdpt.Entry[pdpte]))
	if pdt.Entry[pde] == 0 {
		p, err := pgalloc()
		if err != nil {
			return err
		}
		added[count] = p
		count++
		pdt.Entry[pde] = uint64(p) | uint64(Present|RW)
	}

	ptt := tableAt(entryAddr(pdt.Entry[pde]))
	ptt.Entry[pte] = uint64(paddr) | uint64(flags)

	for i := 0; i < count; i++ {
		if err := addPTE(pt, pt.Vnext, added[i], Present|RW, true); err != nil {
			return err
		}
		pt.Vnext += mem.PageSize
	}

	return nil
}

// removePTE clears the leaf mapping for vaddr and returns the physical
// address that had been mapped there, invalidating the TLB entry if pt is
// the currently active table.
func removePTE(pt *PageTable, vaddr uintptr) (uintptr, *kernel.Error) {
	pml4e, pdpte, pde, pte := pml4Index(vaddr), pdptIndex(vaddr), pdIndex(vaddr), ptIndex(vaddr)

	pml4t := tableAt(pt.Proot)
	if pml4t.Entry[pml4e] == 0 {
		return 0, errUnmapped
	}
	pdpt := tableAt(entryAddr(pml4t.Entry[pml4e]))
	if pdpt.Entry[pdpte] == 0 {
		return 0, errUnmapped
	}
	pdt := tableAt(entryAddr(pdpt.Entry[pdpte]))
	if pdt.Entry[pde] == 0 {
		return 0, errUnmapped
	}
	ptt := tableAt(entryAddr(pdt.Entry[pde]))
	paddr := entryAddr(ptt.Entry[pte])
	if paddr == 0 {
		return 0, errUnmapped
	}

	ptt.Entry[pte] = 0
	if pt == activeTable {
		cpu.FlushTLBEntry(vaddr)
	}
	return paddr, nil
}

// freeRecurse walks every entry of a table page, returning allocated leaf
// frames to pfdb at level 1 (the PT level) and descending into child tables
// at every level above it. System-owned entries are never freed: they
// belong to the kernel table shared by every address space.
func freeRecurse(t *Table, level int) {
	if level == 1 {
		for _, e := range t.Entry {
			if Flags(e)&System != 0 {
				continue
			}
			paddr := entryAddr(e)
			if paddr == 0 {
				continue
			}
			_ = pgfree(paddr)
		}
		return
	}

	for _, e := range t.Entry {
		if Flags(e)&System != 0 {
			continue
		}
		paddr := entryAddr(e)
		if paddr == 0 {
			continue
		}
		freeRecurse(tableAt(paddr), level-1)
	}
}

// InitKernelTable installs proot as the kernel's own PML4 root. Kmain calls
// this once with the table kmem.Build produced, before any per-process
// table is created.
func InitKernelTable(proot, vroot, vnext, vterm uintptr) {
	kernelTable = PageTable{Proot: proot, Vroot: vroot, Vnext: vnext, Vterm: vterm}
	activeTable = &kernelTable
}

// KernelTable returns the kernel's own page table.
func KernelTable() *PageTable { return &kernelTable }

// Create builds a new page table covering [vaddr, vaddr+size), pre-populated
// with every mapping already present in the kernel table so that kernel code
// and data remain reachable regardless of which table is active.
func Create(vaddr uintptr, size uintptr) (*PageTable, *kernel.Error) {
	if size%mem.PageSize != 0 {
		return nil, errUnalignedSize
	}

	proot, err := pgalloc()
	if err != nil {
		return nil, err
	}

	dst := tableAt(proot)
	src := tableAt(kernelTable.Proot)
	dst.Entry = src.Entry

	return &PageTable{
		Proot: proot,
		Vroot: vaddr,
		Vnext: vaddr + mem.PageSize,
		Vterm: vaddr + size,
	}, nil
}

// Destroy frees every page frame owned exclusively by pt (i.e. not shared
// with the kernel table) and invalidates any TLB entries for its range if
// it is currently active.
func Destroy(pt *PageTable) *kernel.Error {
	if pt.Proot == 0 {
		return errNoRoot
	}

	freeRecurse(tableAt(pt.Proot), 4)
	_ = pgfree(pt.Proot)

	if pt == activeTable {
		for vaddr := pt.Vroot; vaddr < pt.Vterm; vaddr += mem.PageSize {
			cpu.FlushTLBEntry(vaddr)
		}
	}

	*pt = PageTable{}
	return nil
}

// Activate loads pt's root into CR3 and marks it the active table. Passing
// nil activates the kernel table.
func Activate(pt *PageTable) *kernel.Error {
	if pt == nil {
		pt = &kernelTable
	}
	if pt.Proot == 0 {
		return errNoRoot
	}

	cpu.LoadCR3(pt.Proot)
	activeTable = pt
	return nil
}

// Alloc allocates count physical frames and maps them contiguously starting
// at vaddr within pt.
func Alloc(pt *PageTable, vaddr uintptr, count int) *kernel.Error {
	for i := 0; i < count; i++ {
		paddr, err := pgalloc()
		if err != nil {
			return err
		}
		if err := addPTE(pt, vaddr, paddr, Present|RW, false); err != nil {
			return err
		}
		vaddr += mem.PageSize
	}
	return nil
}

// Free unmaps count contiguous pages starting at vaddr within pt and
// returns their backing frames to pfdb.
func Free(pt *PageTable, vaddr uintptr, count int) *kernel.Error {
	for i := 0; i < count; i++ {
		paddr, err := removePTE(pt, vaddr)
		if err != nil {
			return err
		}
		if err := pgfree(paddr); err != nil {
			return err
		}
		vaddr += mem.PageSize
	}
	return nil
}


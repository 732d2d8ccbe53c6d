package kmem

import (
	"unsafe"

	"nanokernel/kernel"
	"nanokernel/kernel/mem"
	"nanokernel/kernel/paging"
	"nanokernel/kernel/pmap"
)

var errPoolExhausted = &kernel.Error{Module: "kmem", Message: "kernel page table pool exhausted"}

// physAccess translates a physical address into a dereferenceable pointer.
// During bring-up the kernel's boot code has already identity-mapped low
// physical memory, so this is the identity function; tests redirect it at a
// host-backed arena via SetPhysAccess, the same idiom used by package
// paging.
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

// allocPage bump-allocates the next page within the kernel table's
// self-contained [vnext, vterm) pool, matching the C kernel's alloc_page:
// the pool is sized generously enough at build time that exhaustion here
// means the physical memory map is larger than this kernel edition
// supports, not a recoverable condition.
func allocPage(pt *paging.PageTable) (uintptr, *kernel.Error) {
	if pt.Vnext >= pt.Vterm {
		return 0, errPoolExhausted
	}
	vaddr := pt.Vnext
	pt.Vnext += mem.PageSize
	return vaddr | uintptr(paging.System|paging.Present|paging.RW), nil
}

// pdFlags returns the flags used for a PDPT/PDT leaf entry (huge or large
// page) mapping a region of the given type.
func pdFlags(t pmap.Type) (paging.Flags, *kernel.Error) {
	switch t {
	case pmap.AcpiNvs, pmap.Uncached:
		return paging.Present | paging.Global | paging.System | paging.RW | paging.PS | paging.PWT | paging.PCD, nil
	case pmap.Bad, pmap.Unmapped:
		return 0, nil
	case pmap.Usable, pmap.Reserved, pmap.Acpi:
		return paging.Present | paging.Global | paging.System | paging.RW | paging.PS, nil
	default:
		return 0, &kernel.Error{Module: "kmem", Message: "unrecognized physical memory type"}
	}
}

// ptFlags returns the flags used for a PT leaf entry (4 KiB page) mapping a
// region of the given type.
func ptFlags(t pmap.Type) (paging.Flags, *kernel.Error) {
	switch t {
	case pmap.AcpiNvs, pmap.Uncached:
		return paging.Present | paging.Global | paging.System | paging.RW | paging.PWT | paging.PCD, nil
	case pmap.Bad, pmap.Unmapped:
		return 0, nil
	case pmap.Usable, pmap.Reserved, pmap.Acpi:
		return paging.Present | paging.Global | paging.System | paging.RW, nil
	default:
		return 0, &kernel.Error{Module: "kmem", Message: "unrecognized physical memory type"}
	}
}

func entryAddr(e uint64) uintptr { return uintptr(e) &^ uintptr(0x3ff) }

func createHugePage(pt *paging.PageTable, addr uintptr, t pmap.Type) *kernel.Error {
	pml4e, pdpte := pml4Index(addr), pdptIndex(addr)

	pml4t := tableAt(pt.Proot)
	if pml4t.Entry[pml4e] == 0 {
		p, err := allocPage(pt)
		if err != nil {
			return err
		}
		pml4t.Entry[pml4e] = uint64(p)
	}

	flags, err := pdFlags(t)
	if err != nil {
		return err
	}
	pdpt := tableAt(entryAddr(pml4t.Entry[pml4e]))
	pdpt.Entry[pdpte] = uint64(addr) | uint64(flags)
	return nil
}

func createLargePage(pt *paging.PageTable, addr uintptr, t pmap.Type) *kernel.Error {
	pml4e, pdpte, pde := pml4Index(addr), pdptIndex(addr), pdIndex(addr)

	pml4t := tableAt(pt.Proot)
	if pml4t.Entry[pml4e] == 0 {
		p, err := allocPage(pt)
		if err != nil {
			return err
		}
		pml4t.Entry[pml4e] = uint64(p)
	}

	pdpt := tableAt(entryAddr(pml4t.Entry[pml4e]))
	if pdpt.Entry[pdpte] == 0 {
		p, err := allocPage(pt)
		if err != nil {
			return err
		}
		pdpt.Entry[pdpte] = uint64(p)
	}

	flags, err := pdFlags(t)
	if err != nil {
		return err
	}
	pdt := tableAt(entryAddr(pdpt.Entry[pdpte]))
	pdt.Entry[pde] = uint64(addr) | uint64(flags)
	return nil
}

func createSmallPage(pt *paging.PageTable, addr uintptr, t pmap.Type) *kernel.Error {
	pml4e, pdpte, pde, pte := pml4Index(addr), pdptIndex(addr), pdIndex(addr), ptIndex(addr)

	pml4t := tableAt(pt.Proot)
	if pml4t.Entry[pml4e] == 0 {
		p, err := allocPage(pt)
		if err != nil {
			return err
		}
		pml4t.Entry[pml4e] = uint64(p)
	}

	pdpt := tableAt(entryAddr(pml4t.Entry[pml4e]))
	if pdpt.Entry[pdpte] == 0 {
		p, err := allocPage(pt)
		if err != nil {
			return err
		}
		pdpt.Entry[pdpte] = uint64(p)
	}

	pdt := tableAt(entryAddr(pdpt.Entry[pdpte]))
	if pdt.Entry[pde] == 0 {
		p, err := allocPage(pt)
		if err != nil {
			return err
		}
		pdt.Entry[pde] = uint64(p)
	}

	flags, err := ptFlags(t)
	if err != nil {
		return err
	}
	ptt := tableAt(entryAddr(pdt.Entry[pde]))
	ptt.Entry[pte] = uint64(addr) | uint64(flags)
	return nil
}

// mapRegion covers one physical memory map region with the largest leaf
// sizes its alignment and remaining length allow, skipping memory that
// should never be mapped at all.
func mapRegion(pt *paging.PageTable, lastUsable uint64, r pmap.Region) *kernel.Error {
	if r.Type == pmap.Unmapped || r.Type == pmap.Bad {
		return nil
	}
	if r.Type == pmap.Reserved && r.Addr >= lastUsable {
		return nil
	}

	addr := uintptr(r.Addr)
	term := uintptr(r.End())

	for addr < term {
		remain := term - addr

		switch {
		case addr&(mem.PageSizeHuge-1) == 0 && remain >= mem.PageSizeHuge:
			if err := createHugePage(pt, addr, r.Type); err != nil {
				return err
			}
			addr += mem.PageSizeHuge

		case addr&(mem.PageSizeLarge-1) == 0 && remain >= mem.PageSizeLarge:
			if err := createLargePage(pt, addr, r.Type); err != nil {
				return err
			}
			addr += mem.PageSizeLarge

		default:
			if err := createSmallPage(pt, addr, r.Type); err != nil {
				return err
			}
			addr += mem.PageSize
		}
	}
	return nil
}

// Build zeroes the kernel page table pool and identity-maps every region of
// the current physical memory map that mapRegion does not skip (Bad,
// Unmapped, and Reserved at or above lastUsable), choosing the largest leaf
// size each region's alignment allows. The resulting table is not yet installed
// as the active kernel table; callers pass it to paging.InitKernelTable
// once satisfied, then paging.Activate to load CR3.
func Build() (*paging.PageTable, *kernel.Error) {
	kernel.Memset(physAccess(Layout.KernelPageTable), 0, Layout.KernelPageTableSize)

	pt := &paging.PageTable{
		Proot: Layout.KernelPageTable,
		Vroot: Layout.KernelPageTable,
		Vnext: Layout.KernelPageTable + mem.PageSize,
		Vterm: Layout.KernelPageTableEnd,
	}

	regions, lastUsable := pmap.Get()
	for _, r := range regions {
		if err := mapRegion(pt, lastUsable, r); err != nil {
			return nil, err
		}
	}

	return pt, nil
}

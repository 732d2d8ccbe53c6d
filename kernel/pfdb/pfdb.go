// Package pfdb implements the page-frame database: a fixed-size array of
// 32-byte records, one per physical page frame, linked into a free list.
// It is the lowest layer of the physical page allocator; package paging
// builds page-table-aware allocation on top of it. See DESIGN.md for how
// this is ported from the C kernel's pf_t/pfdb.
package pfdb

import (
	"reflect"
	"unsafe"

	"nanokernel/kernel"
	"nanokernel/kernel/mem"
	"nanokernel/kernel/pmap"
)

// invalidPFN marks the end of the free list, mirroring PFN_INVALID.
const invalidPFN = ^uint32(0)

type frameType uint8

const (
	typeReserved  frameType = 0
	typeAvailable frameType = 1
	typeAllocated frameType = 2
)

// Record is one entry of the page-frame database, describing a single
// physical page. It deliberately mirrors the the C kernel's pf_t layout (including
// its two reserved 64-bit fields) so that the database's per-frame stride
// stays a round 32 bytes, simplifying reserve-region sizing.
type Record struct {
	prev       uint32
	next       uint32
	refCount   uint16
	shareCount uint16
	flags      uint16
	kind       frameType
	_          uint8
	_          uint64
	_          uint64
}

var (
	errNoFreeFrames = &kernel.Error{Module: "pfdb", Message: "no free page frames available"}
	errNotAllocated = &kernel.Error{Module: "pfdb", Message: "page frame is not currently allocated"}
	errNotInit      = &kernel.Error{Module: "pfdb", Message: "page frame database has not been initialized"}

	db struct {
		frames []Record
		count  uint32
		avail  uint32
		head   uint32
		tail   uint32
		ready  bool
	}
)

// RecordSize is the in-memory size of one Record, used by callers to size
// the backing storage region they reserve for the database.
const RecordSize = unsafe.Sizeof(Record{})

// frameAt returns the record for physical frame number pfn, overlaying the
// database's backing storage.
func frameAt(pfn uint32) *Record { return &db.frames[pfn] }

// Init places the database over the frameCount records already zeroed at
// storageAddr (a virtual address mapped read/write by the caller, sized at
// least frameCount*RecordSize bytes), then walks the physical memory map
// returned by pmap.Get to build the free list from every Usable region
// below lastUsable.
func Init(storageAddr uintptr, frameCount uint32) *kernel.Error {
	var frames []Record
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&frames))
	hdr.Data = storageAddr
	hdr.Len = int(frameCount)
	hdr.Cap = int(frameCount)

	db.frames = frames
	db.count = frameCount
	db.avail = 0
	db.head = invalidPFN
	db.tail = invalidPFN

	regions, _ := pmap.Get()
	for _, r := range regions {
		if r.Type != pmap.Usable {
			continue
		}

		pfn0 := uint32(r.Addr >> mem.PageShift)
		pfnN := uint32(r.End() >> mem.PageShift)
		if pfnN > frameCount {
			pfnN = frameCount
		}
		if pfn0 >= pfnN {
			continue
		}

		for pfn := pfn0; pfn < pfnN; pfn++ {
			rec := frameAt(pfn)
			rec.prev = pfn - 1
			rec.next = pfn + 1
			rec.kind = typeAvailable
		}

		if db.tail == invalidPFN {
			db.head = pfn0
		} else {
			frameAt(db.tail).next = pfn0
		}
		frameAt(pfn0).prev = db.tail
		frameAt(pfnN - 1).next = invalidPFN
		db.tail = pfnN - 1

		db.avail += pfnN - pfn0
	}

	db.ready = true
	return nil
}

// Ready reports whether Init has completed successfully.
func Ready() bool { return db.ready }

// Avail returns the number of unallocated page frames.
func Avail() uint32 { return db.avail }

// Alloc removes one frame from the free list, marks it allocated with a
// reference count of one, and returns its frame number.
func Alloc() (mem.Frame, *kernel.Error) {
	if !db.ready {
		return mem.InvalidFrame, errNotInit
	}
	if db.avail == 0 {
		return mem.InvalidFrame, errNoFreeFrames
	}

	pfn := db.head
	rec := frameAt(pfn)

	db.head = rec.next
	if db.head != invalidPFN {
		frameAt(db.head).prev = invalidPFN
	} else {
		db.tail = invalidPFN
	}

	*rec = Record{refCount: 1, kind: typeAllocated}
	db.avail--
	return mem.Frame(pfn), nil
}

// Free returns an allocated frame to the free list once its reference count
// drops to zero, and reports whether the frame was actually released.
func Free(f mem.Frame) (released bool, err *kernel.Error) {
	pfn := uint32(f)
	rec := frameAt(pfn)
	if rec.kind != typeAllocated {
		return false, errNotAllocated
	}

	rec.refCount--
	if rec.refCount > 0 {
		return false, nil
	}

	*rec = Record{prev: invalidPFN, next: db.head, kind: typeAvailable}
	if db.head != invalidPFN {
		frameAt(db.head).prev = pfn
	} else {
		db.tail = pfn
	}
	db.head = pfn
	db.avail++
	return true, nil
}

// AddRef increments the reference count of an already-allocated frame, used
// when a physical page becomes shared (e.g. a mapped page table).
func AddRef(f mem.Frame) *kernel.Error {
	rec := frameAt(uint32(f))
	if rec.kind != typeAllocated {
		return errNotAllocated
	}
	rec.refCount++
	return nil
}

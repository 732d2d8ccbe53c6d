package pmap

import "testing"

func regionsEqual(t *testing.T, got []Region, want []Region) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("region count mismatch: got %d, want %d\ngot:  %+v\nwant: %+v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i].Addr != want[i].Addr || got[i].Size != want[i].Size || got[i].Type != want[i].Type {
			t.Fatalf("region[%d] mismatch: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestInitSeedsFixedRegions(t *testing.T) {
	Reset()
	if err := Init(0xa0000, 0x20000, 0xa00000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	regions, lastUsable := Get()
	if lastUsable != 0 {
		t.Fatalf("expected no usable memory yet, got lastUsable=%#x", lastUsable)
	}

	// Page 0 is unmapped, [0, kernelImageEnd) reserved, VGA range uncached,
	// and the whole thing should be gap-free starting at 0.
	if regions[0].Addr != 0 || regions[0].Type != Unmapped {
		t.Fatalf("expected first region to be the unmapped first page, got %+v", regions[0])
	}
	for i := 1; i < len(regions); i++ {
		if regions[i-1].End() != regions[i].Addr {
			t.Fatalf("gap between region %d (%+v) and %d (%+v)", i-1, regions[i-1], i, regions[i])
		}
	}
}

func TestNormalizeFiveRegionScenario(t *testing.T) {
	Reset()
	table.initialized = false

	if err := add(0, 0x1000, Unmapped); err != nil {
		t.Fatal(err)
	}
	if err := add(0x1000, 0x9e000, Usable); err != nil {
		t.Fatal(err)
	}
	if err := add(0x9f000, 0x1000, Reserved); err != nil {
		t.Fatal(err)
	}
	if err := add(0x100000, 0x7ee0000, Usable); err != nil {
		t.Fatal(err)
	}
	if err := add(0x7fe0000, 0x20000, Reserved); err != nil {
		t.Fatal(err)
	}

	normalize()

	regions, lastUsable := Get()
	if len(regions) != 5 {
		t.Fatalf("expected 5 regions after normalize, got %d: %+v", len(regions), regions)
	}
	for i := 1; i < len(regions); i++ {
		if regions[i-1].End() != regions[i].Addr {
			t.Fatalf("gap between region %d and %d: %+v", i-1, i, regions)
		}
	}
	if lastUsable != 0x7fe0000 {
		t.Fatalf("lastUsable = %#x, want %#x", lastUsable, uint64(0x7fe0000))
	}
}

func TestCollapseOverlapHigherTypeWins(t *testing.T) {
	Reset()

	if err := add(0, 0x2000, Usable); err != nil {
		t.Fatal(err)
	}
	if err := add(0x1000, 0x2000, Reserved); err != nil {
		t.Fatal(err)
	}

	normalize()

	regions, _ := Get()
	want := []Region{
		{Addr: 0, Size: 0x1000, Type: Usable},
		{Addr: 0x1000, Size: 0x2000, Type: Reserved},
	}
	regionsEqual(t, regions, want)
}

func TestCollapseOverlapFullyContained(t *testing.T) {
	Reset()

	if err := add(0, 0x4000, Reserved); err != nil {
		t.Fatal(err)
	}
	if err := add(0x1000, 0x1000, Usable); err != nil {
		t.Fatal(err)
	}

	normalize()

	regions, _ := Get()
	want := []Region{
		{Addr: 0, Size: 0x4000, Type: Reserved},
	}
	regionsEqual(t, regions, want)
}

func TestCollapseOverlapSplitWhenNextWins(t *testing.T) {
	Reset()

	// curr (Reserved) fully contains next (Bad, higher rank); since next
	// outranks curr, next keeps its span and curr is split into the parts
	// on either side of it.
	if err := add(0, 0x4000, Reserved); err != nil {
		t.Fatal(err)
	}
	if err := add(0x1000, 0x1000, Bad); err != nil {
		t.Fatal(err)
	}

	normalize()

	regions, _ := Get()
	want := []Region{
		{Addr: 0, Size: 0x1000, Type: Reserved},
		{Addr: 0x1000, Size: 0x1000, Type: Bad},
		{Addr: 0x2000, Size: 0x2000, Type: Reserved},
	}
	regionsEqual(t, regions, want)
}

func TestConsolidateNeighborsMergesSameType(t *testing.T) {
	Reset()

	if err := add(0, 0x1000, Usable); err != nil {
		t.Fatal(err)
	}
	if err := add(0x1000, 0x1000, Usable); err != nil {
		t.Fatal(err)
	}
	if err := add(0x2000, 0x1000, Reserved); err != nil {
		t.Fatal(err)
	}

	normalize()

	regions, lastUsable := Get()
	want := []Region{
		{Addr: 0, Size: 0x2000, Type: Usable},
		{Addr: 0x2000, Size: 0x1000, Type: Reserved},
	}
	regionsEqual(t, regions, want)
	if lastUsable != 0x2000 {
		t.Fatalf("lastUsable = %#x, want 0x2000", lastUsable)
	}
}

func TestFillGapsInsertsReserved(t *testing.T) {
	Reset()

	if err := add(0, 0x1000, Usable); err != nil {
		t.Fatal(err)
	}
	if err := add(0x2000, 0x1000, Usable); err != nil {
		t.Fatal(err)
	}

	normalize()

	regions, _ := Get()
	want := []Region{
		{Addr: 0, Size: 0x1000, Type: Usable},
		{Addr: 0x1000, Size: 0x1000, Type: Reserved},
		{Addr: 0x2000, Size: 0x1000, Type: Usable},
	}
	regionsEqual(t, regions, want)
}

func TestReserveAlignsWithinFirstSuitableUsableRegion(t *testing.T) {
	Reset()
	if err := add(0, 0x1000, Usable); err != nil {
		t.Fatal(err)
	}
	// Deliberately misaligned start and just barely large enough once
	// aligned: base 0x300000 rounds up to 0x400000 on a 2 MiB boundary,
	// leaving exactly 0x400000 bytes before this region's end at 0x800000.
	if err := add(0x300000, 0x500000, Usable); err != nil {
		t.Fatal(err)
	}
	normalize()
	table.initialized = true

	addr, err := Reserve(0x400000, 21)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if addr != 0x400000 {
		t.Fatalf("addr = %#x, want %#x", addr, 0x400000)
	}

	regions, _ := Get()
	found := false
	for i, r := range regions {
		if r.Addr == addr && r.Size == 0x400000 && r.Type == Reserved {
			found = true
		}
		if i > 0 && regions[i-1].End() != r.Addr {
			t.Fatalf("map not gap-free after Reserve: %+v", regions)
		}
	}
	if !found {
		t.Fatalf("expected a Reserved region at %#x size %#x, got %+v", addr, 0x400000, regions)
	}
}

func TestReserveSkipsRegionsTooSmallAfterAlignment(t *testing.T) {
	Reset()
	// This region is nominally 0x401000 bytes, but aligning its start up to
	// the next 2 MiB boundary eats into that, leaving it too small.
	if err := add(0x1000, 0x401000, Usable); err != nil {
		t.Fatal(err)
	}
	if err := add(0x600000, 0x400000, Usable); err != nil {
		t.Fatal(err)
	}
	normalize()
	table.initialized = true

	addr, err := Reserve(0x400000, 21)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if addr != 0x600000 {
		t.Fatalf("addr = %#x, want the second region at %#x", addr, 0x600000)
	}
}

func TestReserveReportsErrorWhenNothingFits(t *testing.T) {
	Reset()
	if err := add(0, 0x1000, Usable); err != nil {
		t.Fatal(err)
	}
	normalize()

	if _, err := Reserve(0x400000, 21); err != errNoSuitableRegion {
		t.Fatalf("expected errNoSuitableRegion, got %v", err)
	}
}

func TestReserveAfterInitSplitsUsableRegionAndStaysGapFree(t *testing.T) {
	Reset()
	// Stage a large Usable RAM claim the way ingestBIOSMemoryMap does,
	// before Init's own fixed regions and single post-seed normalize.
	if err := add(0x100000, 0x8000000, Usable); err != nil {
		t.Fatal(err)
	}
	if err := Init(0xa0000, 0x20000, 0x9000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	addr, err := Reserve(0x400000, 21)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if addr&(0x200000-1) != 0 {
		t.Fatalf("addr %#x is not 2 MiB aligned", addr)
	}

	regions, _ := Get()
	found := false
	for i, r := range regions {
		if r.Addr == addr {
			if r.Type != Reserved || r.Size != 0x400000 {
				t.Fatalf("unexpected reserved region: %+v", r)
			}
			found = true
		}
		if i > 0 && regions[i-1].End() != r.Addr {
			t.Fatalf("map not gap-free after Reserve: %+v", regions)
		}
	}
	if !found {
		t.Fatalf("expected a Reserved region at %#x, got %+v", addr, regions)
	}
}

func TestAddAfterInitRenormalizesImmediately(t *testing.T) {
	Reset()
	if err := Init(0xa0000, 0x20000, 0xa00000); err != nil {
		t.Fatalf("Init: %v", err)
	}

	before := Count()
	if err := Add(0x100000, 0x1000, Acpi); err != nil {
		t.Fatalf("Add: %v", err)
	}
	after := Count()

	if after <= before {
		t.Fatalf("expected region count to grow after Add, before=%d after=%d", before, after)
	}

	regions, _ := Get()
	for i := 1; i < len(regions); i++ {
		if regions[i-1].End() != regions[i].Addr {
			t.Fatalf("map not gap-free after post-init Add: %+v", regions)
		}
		if regions[i-1].Type == regions[i].Type {
			t.Fatalf("map not consolidated after post-init Add: %+v", regions)
		}
	}
}

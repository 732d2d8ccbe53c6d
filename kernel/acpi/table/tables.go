// Package table defines the on-disk layouts of the ACPI tables this kernel
// understands. Every type here is a direct view over firmware-supplied
// memory (no parsing, no reordering), so field order must exactly match the
// ACPI specification's byte layout. See DESIGN.md for per-struct grounding.
package table

// RSDPDescriptor is the ACPI 1.0 root system descriptor pointer, the
// entry point the firmware leaves for an OS to locate every other table.
type RSDPDescriptor struct {
	// Signature must read "RSD PTR " (the final byte is a space).
	Signature [8]byte

	// Checksum, added to every other byte in this descriptor, must sum to
	// zero modulo 256.
	Checksum uint8

	OEMID [6]byte

	// Revision is 0 for ACPI 1.0, 2 for ACPI 2.0 through 6.x.
	Revision uint8

	// RSDTAddr is the physical address of the 32-bit root system
	// descriptor table.
	RSDTAddr uint32
}

// ExtRSDPDescriptor extends RSDPDescriptor with the fields present when
// Revision > 1.
type ExtRSDPDescriptor struct {
	RSDPDescriptor

	Length uint32

	// XSDTAddr is the physical address of the 64-bit extended root system
	// descriptor table.
	XSDTAddr uint64

	ExtendedChecksum uint8

	reserved [3]byte
}

// SDTHeader is the common header present at the start of every ACPI table.
type SDTHeader struct {
	// Signature identifies the table type, e.g. "FACP", "APIC", "MCFG".
	Signature [4]byte

	Length uint32

	Revision uint8
	Checksum uint8

	OEMID       [6]byte
	OEMTableID  [8]byte
	OEMRevision uint32

	CreatorID       uint32
	CreatorRevision uint32
}

// AddressSpace identifies where a GenericAddress's registers actually live.
type AddressSpace uint8

const (
	AddressSpaceSysMemory     AddressSpace = 0
	AddressSpaceSysIO         AddressSpace = 1
	AddressSpacePCI           AddressSpace = 2
	AddressSpaceEmbController AddressSpace = 3
	AddressSpaceSMBus         AddressSpace = 4
	AddressSpaceFuncFixedHW   AddressSpace = 0x7f
)

// GenericAddress specifies a register range located in a particular address
// space, the ACPI 2.0+ generic address structure (GAS).
type GenericAddress struct {
	Space      AddressSpace
	BitWidth   uint8
	BitOffset  uint8
	AccessSize uint8
	Address    uint64
}

// PowerProfileType describes the power profile the FADT recommends.
type PowerProfileType uint8

const (
	PowerProfileUnspecified       PowerProfileType = 0
	PowerProfileDesktop           PowerProfileType = 1
	PowerProfileMobile            PowerProfileType = 2
	PowerProfileWorkstation       PowerProfileType = 3
	PowerProfileEnterpriseServer  PowerProfileType = 4
	PowerProfileSOHOServer        PowerProfileType = 5
	PowerProfileAppliancePC       PowerProfileType = 6
	PowerProfilePerformanceServer PowerProfileType = 7
)

// FADT64 holds the 64-bit FADT extensions introduced in ACPI 2.0.
type FADT64 struct {
	FirmwareControl uint64
	Dsdt            uint64

	PM1aEventBlock   GenericAddress
	PM1bEventBlock   GenericAddress
	PM1aControlBlock GenericAddress
	PM1bControlBlock GenericAddress
	PM2ControlBlock  GenericAddress
	PMTimerBlock     GenericAddress
	GPE0Block        GenericAddress
	GPE1Block        GenericAddress
}

// FADT (Fixed ACPI Description Table) describes the fixed register blocks
// used for power management.
type FADT struct {
	SDTHeader

	FirmwareCtrl uint32
	Dsdt         uint32

	reserved uint8

	PreferredPowerManagementProfile PowerProfileType
	SCIInterrupt                    uint16
	SMICommandPort                  uint32
	AcpiEnable                      uint8
	AcpiDisable                     uint8
	S4BIOSReq                       uint8
	PSTATEControl                   uint8
	PM1aEventBlock                  uint32
	PM1bEventBlock                  uint32
	PM1aControlBlock                uint32
	PM1bControlBlock                uint32
	PM2ControlBlock                 uint32
	PMTimerBlock                    uint32
	GPE0Block                       uint32
	GPE1Block                       uint32
	PM1EventLength                  uint8
	PM1ControlLength                uint8
	PM2ControlLength                uint8
	PMTimerLength                   uint8
	GPE0Length                      uint8
	GPE1Length                      uint8
	GPE1Base                        uint8
	CStateControl                  uint8
	WorstC2Latency                  uint16
	WorstC3Latency                  uint16
	FlushSize                       uint16
	FlushStride                     uint16
	DutyOffset                      uint8
	DutyWidth                       uint8
	DayAlarm                        uint8
	MonthAlarm                      uint8
	Century                         uint8

	// BootArchitectureFlags is reserved in ACPI 1.0, used since 2.0+.
	BootArchitectureFlags uint16

	reserved2 uint8
	Flags     uint32

	ResetReg GenericAddress

	ResetValue uint8
	reserved3  [3]uint8

	// Ext holds the 64-bit pointers ACPI 2.0+ adds alongside the 32-bit
	// ones above.
	Ext FADT64
}

// MCFG (PCI Express Memory-mapped Configuration table) lists the base
// addresses of the PCIe extended configuration space for each host bridge.
// This struct is not present in any example repo in the pack; it is ported
// directly from the C kernel's acpi_mcfg, the only source
// that names this table's layout.
type MCFG struct {
	SDTHeader

	reserved uint64
}

// MCFGAddress is one entry following the MCFG header, one per PCI segment
// group. Ported from the C kernel's acpi_mcfg_addr.
type MCFGAddress struct {
	// Base is the base address of the enhanced configuration mechanism
	// for this segment group.
	Base uint64

	SegmentGroup uint16
	BusStart     uint8
	BusEnd       uint8

	reserved uint32
}

// MADT (Multiple APIC Description Table) describes the interrupt
// controllers and CPUs the firmware knows about. A variable number of
// MADTEntry records follow the header.
type MADT struct {
	SDTHeader

	LocalControllerAddress uint32
	Flags                  uint32
}

// MADTEntryLocalAPIC describes a single physical processor and its local
// interrupt controller.
type MADTEntryLocalAPIC struct {
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

// MADTEntryIOAPIC describes an I/O Advanced Programmable Interrupt
// Controller.
type MADTEntryIOAPIC struct {
	APICID   uint8
	reserved uint8

	Address uint32

	// SysInterruptBase is the first global interrupt number this
	// controller handles.
	SysInterruptBase uint32
}

// MADTEntryInterruptSrcOverride remaps a legacy IRQ source onto a global
// system interrupt.
type MADTEntryInterruptSrcOverride struct {
	BusSrc          uint8
	IRQSrc          uint8
	GlobalInterrupt uint32
	Flags           uint16
}

// MADTEntryNMI describes a non-maskable interrupt line that must be wired
// up for one processor (or, with Processor == 0xff, for all of them).
type MADTEntryNMI struct {
	Processor uint8
	Flags     uint16

	// LINT is 0 or 1, selecting which local-APIC LVT entry to configure.
	LINT uint8
}

// MADTEntryType identifies the variant of a MADTEntry record.
type MADTEntryType uint8

const (
	MADTEntryTypeLocalAPIC      MADTEntryType = 0
	MADTEntryTypeIOAPIC         MADTEntryType = 1
	MADTEntryTypeIntSrcOverride MADTEntryType = 2
	MADTEntryTypeNMI            MADTEntryType = 3
)

// MADTEntry is the common header every MADT record starts with; callers
// switch on Type to decide which MADTEntry* struct follows.
type MADTEntry struct {
	Type   MADTEntryType
	Length uint8
}

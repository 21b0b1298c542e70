// Package gicv2 drives an ARM Generic Interrupt Controller v2 through an
// mmio.Port. It implements the irq.Distributor and irq.CPUInterface
// contracts.
package gicv2

// Layout locates the two GIC register frames in physical memory.
type Layout struct {
	DistBase uint64
	CPUBase  uint64
}

// QEMUVirt is the layout of the QEMU "virt" machine.
var QEMUVirt = Layout{
	DistBase: 0x08000000,
	CPUBase:  0x08010000,
}

// Frame sizes.
const (
	DistSize = 0x10000
	CPUSize  = 0x2000
)

// MaxCores is the most CPU interfaces a GICv2 can implement.
const MaxCores = 8

// Distributor register offsets.
const (
	GICD_CTLR       = 0x000 // Distributor Control Register
	GICD_TYPER      = 0x004 // Interrupt Controller Type Register
	GICD_IIDR       = 0x008 // Distributor Implementer Identification Register
	GICD_IGROUPR    = 0x080 // Interrupt Group Registers
	GICD_ISENABLER  = 0x100 // Interrupt Set-Enable Registers
	GICD_ICENABLER  = 0x180 // Interrupt Clear-Enable Registers
	GICD_ISPENDR    = 0x200 // Interrupt Set-Pending Registers
	GICD_ICPENDR    = 0x280 // Interrupt Clear-Pending Registers
	GICD_ISACTIVER  = 0x300 // Interrupt Set-Active Registers
	GICD_ICACTIVER  = 0x380 // Interrupt Clear-Active Registers
	GICD_IPRIORITYR = 0x400 // Interrupt Priority Registers
	GICD_ITARGETSR  = 0x800 // Interrupt Processor Targets Registers
	GICD_ICFGR      = 0xC00 // Interrupt Configuration Registers
	GICD_SGIR       = 0xF00 // Software Generated Interrupt Register
	GICD_CPENDSGIR  = 0xF10 // SGI Clear-Pending Registers
	GICD_SPENDSGIR  = 0xF20 // SGI Set-Pending Registers
)

// CPU interface register offsets.
const (
	GICC_CTLR   = 0x0000 // CPU Interface Control Register
	GICC_PMR    = 0x0004 // Interrupt Priority Mask Register
	GICC_BPR    = 0x0008 // Binary Point Register
	GICC_IAR    = 0x000C // Interrupt Acknowledge Register
	GICC_EOIR   = 0x0010 // End of Interrupt Register
	GICC_RPR    = 0x0014 // Running Priority Register
	GICC_HPPIR  = 0x0018 // Highest Priority Pending Interrupt Register
	GICC_ABPR   = 0x001C // Aliased Binary Point Register
	GICC_AIAR   = 0x0020 // Aliased Interrupt Acknowledge Register
	GICC_AEOIR  = 0x0024 // Aliased End of Interrupt Register
	GICC_AHPPIR = 0x0028 // Aliased Highest Priority Pending Interrupt Register
	GICC_APR    = 0x00D0 // Active Priorities Registers
	GICC_NSAPR  = 0x00E0 // Non-secure Active Priorities Registers
	GICC_IIDR   = 0x00FC // CPU Interface Identification Register
	GICC_DIR    = 0x1000 // Deactivate Interrupt Register
)

// Register values and fields.
const (
	GICD_CTL_DISABLE = 0x0
	GICD_CTL_ENABLE  = 0x1

	GICD_INT_ACTLOW_LVLTRIG = 0x0
	GICD_INT_EN_CLR_X32     = 0xffffffff
	GICD_INT_EN_SET_SGI     = 0x0000ffff
	GICD_INT_EN_CLR_PPI     = 0xffff0000

	GICD_TYPE_LINE_NR      = 0x01f
	GICD_TYPE_CPU_NR       = 0x0e0
	GICD_TYPE_CPU_NR_SHIFT = 5
	GICD_TYPE_SEC          = 0x400

	GICC_ENABLE            = 0x1
	GICC_INT_PRI_THRESHOLD = 0xf0
	GICC_CTRL_EOIMODE_NS   = 1 << 9
	GICC_DIS_BYPASS_MASK   = 0x1e0
	GICC_IAR_INT_ID_MASK   = 0x3ff
	GICC_IAR_CPUID_SHIFT   = 10
	GICC_IAR_CPUID_MASK    = 0x7

	GICD_SGIR_CPULIST_SHIFT    = 16
	GICD_SGIR_LISTFILTER_SHIFT = 24

	// Number of GICC_APRn registers.
	GICC_APR_COUNT = 4
	// Private target registers probed for the reading core's mask.
	GICD_ITARGETSR_PROBE = 8
)

// SGIFilter selects the cores an SGI is sent to.
type SGIFilter uint8

const (
	// SGIToList sends to the cores in the target list.
	SGIToList SGIFilter = 0
	// SGIToOthers sends to every core except the requester.
	SGIToOthers SGIFilter = 1
	// SGIToSelf sends to the requesting core only.
	SGIToSelf SGIFilter = 2
)

// SGIRValue encodes a GICD_SGIR write.
func SGIRValue(filter SGIFilter, targets uint8, id uint32) uint32 {
	return uint32(filter)<<GICD_SGIR_LISTFILTER_SHIFT |
		uint32(targets)<<GICD_SGIR_CPULIST_SHIFT |
		id&0xf
}

func (l Layout) dist(off uint64) uint64 { return l.DistBase + off }
func (l Layout) cpu(off uint64) uint64  { return l.CPUBase + off }

// bank returns the address of the register holding line id in a bank of
// registers that pack perReg lines into each 32-bit word.
func (l Layout) bank(off uint64, id uint32, perReg uint32) uint64 {
	return l.DistBase + off + uint64(id/perReg)*4
}

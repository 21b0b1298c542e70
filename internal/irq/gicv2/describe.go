package gicv2

import "fmt"

type regRange struct {
	off, size uint64
	name      string
}

var distRegs = []regRange{
	{GICD_CTLR, 4, "GICD_CTLR"},
	{GICD_TYPER, 4, "GICD_TYPER"},
	{GICD_IIDR, 4, "GICD_IIDR"},
	{GICD_IGROUPR, 0x80, "GICD_IGROUPR"},
	{GICD_ISENABLER, 0x80, "GICD_ISENABLER"},
	{GICD_ICENABLER, 0x80, "GICD_ICENABLER"},
	{GICD_ISPENDR, 0x80, "GICD_ISPENDR"},
	{GICD_ICPENDR, 0x80, "GICD_ICPENDR"},
	{GICD_ISACTIVER, 0x80, "GICD_ISACTIVER"},
	{GICD_ICACTIVER, 0x80, "GICD_ICACTIVER"},
	{GICD_IPRIORITYR, 0x400, "GICD_IPRIORITYR"},
	{GICD_ITARGETSR, 0x400, "GICD_ITARGETSR"},
	{GICD_ICFGR, 0x100, "GICD_ICFGR"},
	{GICD_SGIR, 4, "GICD_SGIR"},
	{GICD_CPENDSGIR, 0x10, "GICD_CPENDSGIR"},
	{GICD_SPENDSGIR, 0x10, "GICD_SPENDSGIR"},
}

var cpuRegs = []regRange{
	{GICC_CTLR, 4, "GICC_CTLR"},
	{GICC_PMR, 4, "GICC_PMR"},
	{GICC_BPR, 4, "GICC_BPR"},
	{GICC_IAR, 4, "GICC_IAR"},
	{GICC_EOIR, 4, "GICC_EOIR"},
	{GICC_RPR, 4, "GICC_RPR"},
	{GICC_HPPIR, 4, "GICC_HPPIR"},
	{GICC_ABPR, 4, "GICC_ABPR"},
	{GICC_AIAR, 4, "GICC_AIAR"},
	{GICC_AEOIR, 4, "GICC_AEOIR"},
	{GICC_AHPPIR, 4, "GICC_AHPPIR"},
	{GICC_APR, 0x10, "GICC_APR"},
	{GICC_NSAPR, 0x10, "GICC_NSAPR"},
	{GICC_IIDR, 4, "GICC_IIDR"},
	{GICC_DIR, 4, "GICC_DIR"},
}

// Describe names the register at addr, such as "GICD_ISENABLER1" or
// "GICC_EOIR". It returns false for addresses outside both frames or in
// reserved space.
func (l Layout) Describe(addr uint64) (string, bool) {
	switch {
	case addr >= l.DistBase && addr < l.DistBase+DistSize:
		return describe(distRegs, addr-l.DistBase)
	case addr >= l.CPUBase && addr < l.CPUBase+CPUSize:
		return describe(cpuRegs, addr-l.CPUBase)
	}
	return "", false
}

func describe(regs []regRange, off uint64) (string, bool) {
	for _, r := range regs {
		if off < r.off || off >= r.off+r.size {
			continue
		}
		if r.size == 4 {
			return r.name, true
		}
		return fmt.Sprintf("%s%d", r.name, (off-r.off)/4), true
	}
	return "", false
}

package gicv2

import (
	"fmt"

	"github.com/tinyrange/intc/internal/irq"
	"github.com/tinyrange/intc/internal/mmio"
)

// writeBit sets the bit for id in a write-1-to-act register bank
// (set/clear enable, pending or active).
func writeBit(port mmio.Port, layout Layout, off uint64, id irq.ID) error {
	return port.Write32(layout.bank(off, uint32(id), 32), 1<<(uint32(id)%32))
}

func readBit(port mmio.Port, layout Layout, off uint64, id irq.ID) (bool, error) {
	v, err := port.Read32(layout.bank(off, uint32(id), 32))
	if err != nil {
		return false, err
	}
	return v&(1<<(uint32(id)%32)) != 0, nil
}

// field locates id's field inside a packed register bank.
func field(layout Layout, off uint64, id irq.ID, width uint32) (addr uint64, shift uint32) {
	perReg := 32 / width
	return layout.bank(off, uint32(id), perReg), (uint32(id) % perReg) * width
}

func readField(port mmio.Port, layout Layout, off uint64, id irq.ID, width uint32) (uint32, error) {
	addr, shift := field(layout, off, id, width)
	v, err := port.Read32(addr)
	if err != nil {
		return 0, err
	}
	return (v >> shift) & (1<<width - 1), nil
}

func writeField(port mmio.Port, layout Layout, off uint64, id irq.ID, width, value uint32) error {
	addr, shift := field(layout, off, id, width)
	v, err := port.Read32(addr)
	if err != nil {
		return err
	}
	mask := uint32(1<<width-1) << shift
	return port.Write32(addr, v&^mask|(value<<shift)&mask)
}

// configureLine programs priority, trigger, group and (for shared lines)
// targets. It does not touch the enable bit.
func configureLine(port mmio.Port, layout Layout, id irq.ID, cfg irq.LineConfig, shared bool) error {
	if err := writeField(port, layout, GICD_IPRIORITYR, id, 8, uint32(cfg.Priority)); err != nil {
		return fmt.Errorf("priority: %w", err)
	}
	if shared {
		if err := writeField(port, layout, GICD_ITARGETSR, id, 8, uint32(cfg.Targets)); err != nil {
			return fmt.Errorf("targets: %w", err)
		}
	}
	// SGI configuration is fixed in hardware.
	if !id.IsSGI() {
		var edge uint32
		if cfg.Trigger == irq.TriggerEdge {
			edge = 0x2
		}
		if err := writeField(port, layout, GICD_ICFGR, id, 2, edge); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
	}
	if err := writeField(port, layout, GICD_IGROUPR, id, 1, uint32(cfg.Group)); err != nil {
		return fmt.Errorf("group: %w", err)
	}
	return nil
}

// readLine collects a line's state through port. For private lines the
// result is the bank of the core that owns port.
func readLine(port mmio.Port, layout Layout, id irq.ID) (irq.LineState, error) {
	var st irq.LineState
	var err error
	if st.Enabled, err = readBit(port, layout, GICD_ISENABLER, id); err != nil {
		return st, err
	}
	if st.Pending, err = readBit(port, layout, GICD_ISPENDR, id); err != nil {
		return st, err
	}
	if st.Active, err = readBit(port, layout, GICD_ISACTIVER, id); err != nil {
		return st, err
	}
	pri, err := readField(port, layout, GICD_IPRIORITYR, id, 8)
	if err != nil {
		return st, err
	}
	st.Priority = irq.Priority(pri)
	targets, err := readField(port, layout, GICD_ITARGETSR, id, 8)
	if err != nil {
		return st, err
	}
	st.Targets = uint8(targets)
	cfg, err := readField(port, layout, GICD_ICFGR, id, 2)
	if err != nil {
		return st, err
	}
	if cfg&0x2 != 0 {
		st.Trigger = irq.TriggerEdge
	}
	group, err := readField(port, layout, GICD_IGROUPR, id, 1)
	if err != nil {
		return st, err
	}
	st.Group = irq.Group(group)
	return st, nil
}

func sendSGI(port mmio.Port, layout Layout, id irq.ID, targets uint8, filter SGIFilter) error {
	if !id.IsSGI() {
		return fmt.Errorf("gicv2: send %s: %w", id, irq.ErrInvalidLine)
	}
	if filter > SGIToSelf {
		return fmt.Errorf("gicv2: invalid SGI filter %d", filter)
	}
	if err := port.Write32(layout.dist(GICD_SGIR), SGIRValue(filter, targets, uint32(id))); err != nil {
		return fmt.Errorf("gicv2: send %s: %w", id, err)
	}
	return nil
}

package gicv2

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/intc/internal/irq"
	"github.com/tinyrange/intc/internal/mmio"
)

// CPUState is a CPU interface's bring-up state.
type CPUState uint32

const (
	CPUUnconfigured CPUState = iota
	CPUPrivateConfigured
	CPUDeliveryEnabled
)

func (s CPUState) String() string {
	switch s {
	case CPUUnconfigured:
		return "unconfigured"
	case CPUPrivateConfigured:
		return "private-configured"
	case CPUDeliveryEnabled:
		return "delivery-enabled"
	default:
		return fmt.Sprintf("CPUState(%d)", uint32(s))
	}
}

// CPUInterface owns one core's banked lines and GICC frame. Its methods must
// only be called from the owning core; it carries no locking.
type CPUInterface struct {
	core   int
	port   mmio.Port
	layout Layout
	dist   *Distributor
	routes *irq.RoutingTable
	log    *slog.Logger

	state CPUState
	// inflight holds acknowledged ids awaiting deactivation.
	inflight map[irq.ID]uint32
}

func newCPUInterface(core int, port mmio.Port, layout Layout, dist *Distributor, routes *irq.RoutingTable, log *slog.Logger) *CPUInterface {
	return &CPUInterface{
		core:     core,
		port:     port,
		layout:   layout,
		dist:     dist,
		routes:   routes,
		log:      log.With("core", core),
		inflight: make(map[irq.ID]uint32),
	}
}

// Core returns the core this interface belongs to.
func (c *CPUInterface) Core() int { return c.core }

// State returns the current bring-up state.
func (c *CPUInterface) State() CPUState { return c.state }

// Init resets the core's private lines, unmasks the SGIs, opens the priority
// mask, selects finest-grain preemption, clears the active priorities and
// enables delivery in two-step EOI mode. The distributor must already be
// enabled.
func (c *CPUInterface) Init() error {
	if c.dist == nil || c.dist.State() != DistEnabled {
		return fmt.Errorf("gicv2: core %d: %w", c.core, irq.ErrDistributorNotReady)
	}
	if c.core >= c.dist.Topology().Cores {
		return fmt.Errorf("gicv2: core %d: %w", c.core, irq.ErrInvalidCore)
	}
	c.state = CPUUnconfigured

	if err := c.port.Write32(c.layout.dist(GICD_ICACTIVER), GICD_INT_EN_CLR_X32); err != nil {
		return fmt.Errorf("gicv2: core %d deactivate private lines: %w", c.core, err)
	}
	if err := c.port.Write32(c.layout.dist(GICD_ICENABLER), GICD_INT_EN_CLR_X32); err != nil {
		return fmt.Errorf("gicv2: core %d disable private lines: %w", c.core, err)
	}
	pri := irq.BroadcastPriority(irq.DefaultPriority)
	for i := uint32(0); i < irq.PrivateCount; i += 4 {
		if err := c.port.Write32(c.layout.bank(GICD_IPRIORITYR, i, 4), pri); err != nil {
			return fmt.Errorf("gicv2: core %d prioritize lines %d-%d: %w", c.core, i, i+3, err)
		}
	}
	for i := irq.ID(0); i < irq.FirstShared; i++ {
		c.routes.SetPrivate(c.core, i, irq.LineConfig{
			Priority: irq.DefaultPriority,
			Targets:  1 << uint(c.core),
			Trigger:  privateTrigger(i),
		})
	}
	c.state = CPUPrivateConfigured

	if err := c.port.Write32(c.layout.dist(GICD_ISENABLER), GICD_INT_EN_SET_SGI); err != nil {
		return fmt.Errorf("gicv2: core %d enable SGIs: %w", c.core, err)
	}
	for i := irq.ID(0); i < irq.SGICount; i++ {
		c.routes.UpdatePrivate(c.core, i, func(cfg *irq.LineConfig) { cfg.Enabled = true })
	}

	if err := c.port.Write32(c.layout.cpu(GICC_PMR), GICC_INT_PRI_THRESHOLD); err != nil {
		return fmt.Errorf("gicv2: core %d priority mask: %w", c.core, err)
	}
	if err := c.port.Write32(c.layout.cpu(GICC_BPR), 0); err != nil {
		return fmt.Errorf("gicv2: core %d binary point: %w", c.core, err)
	}
	for i := uint64(0); i < GICC_APR_COUNT; i++ {
		if err := c.port.Write32(c.layout.cpu(GICC_APR)+i*4, 0); err != nil {
			return fmt.Errorf("gicv2: core %d clear APR%d: %w", c.core, i, err)
		}
	}

	ctlr, err := c.port.Read32(c.layout.cpu(GICC_CTLR))
	if err != nil {
		return fmt.Errorf("gicv2: core %d read GICC_CTLR: %w", c.core, err)
	}
	ctlr &= GICC_DIS_BYPASS_MASK
	if err := c.port.Write32(c.layout.cpu(GICC_CTLR), ctlr|GICC_CTRL_EOIMODE_NS|GICC_ENABLE); err != nil {
		return fmt.Errorf("gicv2: core %d enable delivery: %w", c.core, err)
	}
	clear(c.inflight)
	c.state = CPUDeliveryEnabled
	c.log.Debug("GICC enabled", "ctlr", fmt.Sprintf("0x%x", ctlr|GICC_CTRL_EOIMODE_NS|GICC_ENABLE))
	return nil
}

func privateTrigger(id irq.ID) irq.Trigger {
	if id.IsSGI() {
		return irq.TriggerEdge
	}
	return irq.TriggerLevel
}

func (c *CPUInterface) checkPrivate(id irq.ID) error {
	if !id.IsPrivate() {
		return fmt.Errorf("gicv2: core %d %s: %w", c.core, id, irq.ErrSharedLine)
	}
	return nil
}

// EnableLine unmasks a private line on this core.
func (c *CPUInterface) EnableLine(id irq.ID) error {
	if err := c.checkPrivate(id); err != nil {
		return err
	}
	if err := writeBit(c.port, c.layout, GICD_ISENABLER, id); err != nil {
		return fmt.Errorf("gicv2: core %d enable %s: %w", c.core, id, err)
	}
	c.routes.UpdatePrivate(c.core, id, func(cfg *irq.LineConfig) { cfg.Enabled = true })
	return nil
}

// DisableLine masks a private line on this core.
func (c *CPUInterface) DisableLine(id irq.ID) error {
	if err := c.checkPrivate(id); err != nil {
		return err
	}
	if err := writeBit(c.port, c.layout, GICD_ICENABLER, id); err != nil {
		return fmt.Errorf("gicv2: core %d disable %s: %w", c.core, id, err)
	}
	c.routes.UpdatePrivate(c.core, id, func(cfg *irq.LineConfig) { cfg.Enabled = false })
	return nil
}

// ConfigureLine reprograms priority, trigger and group of a private PPI.
func (c *CPUInterface) ConfigureLine(id irq.ID, cfg irq.LineConfig) error {
	if err := c.checkPrivate(id); err != nil {
		return err
	}
	if err := writeBit(c.port, c.layout, GICD_ICENABLER, id); err != nil {
		return fmt.Errorf("gicv2: core %d configure %s: %w", c.core, id, err)
	}
	if err := configureLine(c.port, c.layout, id, cfg, false); err != nil {
		return fmt.Errorf("gicv2: core %d configure %s: %w", c.core, id, err)
	}
	if cfg.Enabled {
		if err := writeBit(c.port, c.layout, GICD_ISENABLER, id); err != nil {
			return fmt.Errorf("gicv2: core %d configure %s: %w", c.core, id, err)
		}
	}
	cfg.Targets = 1 << uint(c.core)
	c.routes.SetPrivate(c.core, id, cfg)
	return nil
}

// ReadLine reads any line as seen from this core. Private ids return this
// core's bank.
func (c *CPUInterface) ReadLine(id irq.ID) (irq.LineState, error) {
	return readLine(c.port, c.layout, id)
}

// SendSGI raises a software-generated interrupt from this core.
func (c *CPUInterface) SendSGI(id irq.ID, targets uint8, filter SGIFilter) error {
	return sendSGI(c.port, c.layout, id, targets, filter)
}

// SetPriorityMask sets the threshold; only lines with a priority value below
// it are signalled.
func (c *CPUInterface) SetPriorityMask(p irq.Priority) error {
	return c.port.Write32(c.layout.cpu(GICC_PMR), uint32(p))
}

// PriorityMask reads the current threshold.
func (c *CPUInterface) PriorityMask() (irq.Priority, error) {
	v, err := c.port.Read32(c.layout.cpu(GICC_PMR))
	return irq.Priority(v), err
}

// SetBinaryPoint sets how many low priority bits are ignored for preemption.
func (c *CPUInterface) SetBinaryPoint(bp uint8) error {
	if bp > 7 {
		return fmt.Errorf("gicv2: binary point %d out of range", bp)
	}
	return c.port.Write32(c.layout.cpu(GICC_BPR), uint32(bp))
}

// RunningPriority returns the priority of the highest active interrupt on
// this core, or 0xff when idle.
func (c *CPUInterface) RunningPriority() (irq.Priority, error) {
	v, err := c.port.Read32(c.layout.cpu(GICC_RPR))
	return irq.Priority(v), err
}

// HighestPending peeks at the id that Acknowledge would return, without
// acknowledging it.
func (c *CPUInterface) HighestPending() (irq.ID, error) {
	v, err := c.port.Read32(c.layout.cpu(GICC_HPPIR))
	if err != nil {
		return irq.Spurious, err
	}
	return irq.ID(v & GICC_IAR_INT_ID_MASK), nil
}

// Acknowledge reads GICC_IAR. The interrupt becomes active on this core and
// must be passed to EndOfInterrupt and Deactivate.
func (c *CPUInterface) Acknowledge() (irq.Ack, error) {
	raw, err := c.port.Read32(c.layout.cpu(GICC_IAR))
	if err != nil {
		return irq.Ack{ID: irq.Spurious}, fmt.Errorf("gicv2: core %d read GICC_IAR: %w", c.core, err)
	}
	ack := irq.Ack{ID: irq.ID(raw & GICC_IAR_INT_ID_MASK), Raw: raw}
	if ack.Spurious() {
		return ack, nil
	}
	if _, busy := c.inflight[ack.ID]; busy {
		return ack, fmt.Errorf("gicv2: core %d %s: %w", c.core, ack.ID, irq.ErrAlreadyAcknowledged)
	}
	c.inflight[ack.ID] = raw
	return ack, nil
}

// EndOfInterrupt drops the running priority. With two-step EOI the line
// stays active until Deactivate.
func (c *CPUInterface) EndOfInterrupt(ack irq.Ack) error {
	if _, ok := c.inflight[ack.ID]; !ok {
		return fmt.Errorf("gicv2: core %d eoi %s: %w", c.core, ack.ID, irq.ErrNotAcknowledged)
	}
	return c.port.Write32(c.layout.cpu(GICC_EOIR), ack.Raw)
}

// Deactivate clears the active state so the line can be delivered again.
func (c *CPUInterface) Deactivate(ack irq.Ack) error {
	if _, ok := c.inflight[ack.ID]; !ok {
		return fmt.Errorf("gicv2: core %d deactivate %s: %w", c.core, ack.ID, irq.ErrNotAcknowledged)
	}
	delete(c.inflight, ack.ID)
	return c.port.Write32(c.layout.cpu(GICC_DIR), ack.Raw)
}

// Inflight returns the number of acknowledged but not yet deactivated ids.
func (c *CPUInterface) Inflight() int { return len(c.inflight) }

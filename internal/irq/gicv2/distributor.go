package gicv2

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/intc/internal/irq"
	"github.com/tinyrange/intc/internal/mmio"
)

// DistState is the distributor's bring-up state.
type DistState uint32

const (
	DistDisabled DistState = iota
	DistConfiguring
	DistEnabled
)

func (s DistState) String() string {
	switch s {
	case DistDisabled:
		return "disabled"
	case DistConfiguring:
		return "configuring"
	case DistEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("DistState(%d)", uint32(s))
	}
}

// Distributor owns the shared GICD state. Obtain it from
// Controller.ClaimDistributor; only one exists per controller.
type Distributor struct {
	port   mmio.Port
	layout Layout
	routes *irq.RoutingTable
	log    *slog.Logger

	state atomic.Uint32

	// mu serializes read-modify-write sequences on shared registers.
	mu      sync.Mutex
	topo    irq.Topology
	targets uint8
}

func newDistributor(port mmio.Port, layout Layout, routes *irq.RoutingTable, log *slog.Logger) *Distributor {
	return &Distributor{
		port:   port,
		layout: layout,
		routes: routes,
		log:    log,
	}
}

// State returns the current bring-up state.
func (d *Distributor) State() DistState {
	return DistState(d.state.Load())
}

// Topology returns the topology learned by Init.
func (d *Distributor) Topology() irq.Topology {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.topo
}

// Targets returns the core mask every shared line was routed to by Init.
func (d *Distributor) Targets() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets
}

// Init disables the distributor, discovers the topology, routes every shared
// line to the calling core with default priority, level trigger, inactive and
// disabled, then re-enables forwarding. Private lines are left to each core's
// CPUInterface. Running Init again reproduces the same register state.
func (d *Distributor) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state.Store(uint32(DistDisabled))
	if err := d.port.Write32(d.layout.dist(GICD_CTLR), GICD_CTL_DISABLE); err != nil {
		return fmt.Errorf("gicv2: disable distributor: %w", err)
	}

	topo, err := Discover(d.port, d.layout)
	if err != nil {
		return err
	}
	d.topo = topo
	d.log.Debug("GICv2 discovered", "irqs", topo.Lines, "cpus", topo.Cores)

	mask, err := ProbeAffinity(d.port, d.layout)
	if err != nil {
		return err
	}
	if mask == 0 {
		d.log.Debug("target registers read as zero, assuming uniprocessor")
		mask = 0x01
	}
	d.targets = mask
	targets := irq.BroadcastTargets(mask)
	d.log.Debug("routing shared lines", "cpumask", fmt.Sprintf("0x%08x", targets))

	d.state.Store(uint32(DistConfiguring))
	lines := uint32(topo.Lines)
	first := uint32(irq.FirstShared)

	for i := first; i < lines; i += 4 {
		if err := d.port.Write32(d.layout.bank(GICD_ITARGETSR, i, 4), targets); err != nil {
			return fmt.Errorf("gicv2: route lines %d-%d: %w", i, i+3, err)
		}
	}
	for i := first; i < lines; i += 16 {
		if err := d.port.Write32(d.layout.bank(GICD_ICFGR, i, 16), GICD_INT_ACTLOW_LVLTRIG); err != nil {
			return fmt.Errorf("gicv2: configure lines %d-%d: %w", i, i+15, err)
		}
	}
	pri := irq.BroadcastPriority(irq.DefaultPriority)
	for i := first; i < lines; i += 4 {
		if err := d.port.Write32(d.layout.bank(GICD_IPRIORITYR, i, 4), pri); err != nil {
			return fmt.Errorf("gicv2: prioritize lines %d-%d: %w", i, i+3, err)
		}
	}
	for i := first; i < lines; i += 32 {
		if err := d.port.Write32(d.layout.bank(GICD_ICACTIVER, i, 32), GICD_INT_EN_CLR_X32); err != nil {
			return fmt.Errorf("gicv2: deactivate lines %d-%d: %w", i, i+31, err)
		}
		if err := d.port.Write32(d.layout.bank(GICD_ICENABLER, i, 32), GICD_INT_EN_CLR_X32); err != nil {
			return fmt.Errorf("gicv2: disable lines %d-%d: %w", i, i+31, err)
		}
	}

	for i := first; i < lines; i++ {
		id := irq.ID(i)
		if id.IsSpecial() {
			break
		}
		d.routes.Set(id, irq.LineConfig{
			Trigger:  irq.TriggerLevel,
			Priority: irq.DefaultPriority,
			Targets:  mask,
		})
	}

	if err := d.port.Write32(d.layout.dist(GICD_CTLR), GICD_CTL_ENABLE); err != nil {
		return fmt.Errorf("gicv2: enable distributor: %w", err)
	}
	d.state.Store(uint32(DistEnabled))

	if ctlr, err := d.port.Read32(d.layout.dist(GICD_CTLR)); err == nil {
		d.log.Debug("GICD enabled", "ctlr", fmt.Sprintf("0x%x", ctlr))
	}
	return nil
}

func (d *Distributor) checkShared(id irq.ID) error {
	if d.State() != DistEnabled {
		return irq.ErrDistributorNotReady
	}
	if id.IsPrivate() {
		return fmt.Errorf("gicv2: %s: %w", id, irq.ErrPrivateLine)
	}
	if !d.topo.Valid(id) {
		return fmt.Errorf("gicv2: line %d of %d: %w", uint32(id), d.topo.Lines, irq.ErrInvalidLine)
	}
	return nil
}

// EnableLine unmasks a shared line.
func (d *Distributor) EnableLine(id irq.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkShared(id); err != nil {
		return err
	}
	if err := writeBit(d.port, d.layout, GICD_ISENABLER, id); err != nil {
		return fmt.Errorf("gicv2: enable %s: %w", id, err)
	}
	d.routes.Update(id, func(c *irq.LineConfig) { c.Enabled = true })
	return nil
}

// DisableLine masks a shared line. Interrupts already acknowledged are not
// affected.
func (d *Distributor) DisableLine(id irq.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkShared(id); err != nil {
		return err
	}
	if err := writeBit(d.port, d.layout, GICD_ICENABLER, id); err != nil {
		return fmt.Errorf("gicv2: disable %s: %w", id, err)
	}
	d.routes.Update(id, func(c *irq.LineConfig) { c.Enabled = false })
	return nil
}

// SetPending marks a shared line pending as if its source had asserted it.
func (d *Distributor) SetPending(id irq.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkShared(id); err != nil {
		return err
	}
	return writeBit(d.port, d.layout, GICD_ISPENDR, id)
}

// ClearPending withdraws a pending shared line before it is acknowledged.
func (d *Distributor) ClearPending(id irq.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkShared(id); err != nil {
		return err
	}
	return writeBit(d.port, d.layout, GICD_ICPENDR, id)
}

// Configure reprograms a shared line. The line is disabled while its
// attributes change and re-enabled afterwards if cfg.Enabled is set.
func (d *Distributor) Configure(id irq.ID, cfg irq.LineConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkShared(id); err != nil {
		return err
	}
	if cfg.Targets == 0 {
		return fmt.Errorf("gicv2: configure %s: empty target mask", id)
	}
	if err := writeBit(d.port, d.layout, GICD_ICENABLER, id); err != nil {
		return fmt.Errorf("gicv2: configure %s: %w", id, err)
	}
	if err := configureLine(d.port, d.layout, id, cfg, true); err != nil {
		return fmt.Errorf("gicv2: configure %s: %w", id, err)
	}
	if cfg.Enabled {
		if err := writeBit(d.port, d.layout, GICD_ISENABLER, id); err != nil {
			return fmt.Errorf("gicv2: configure %s: %w", id, err)
		}
	}
	d.routes.Set(id, cfg)
	d.log.Debug("line reconfigured", "id", uint32(id), "priority", uint8(cfg.Priority),
		"targets", cfg.Targets, "trigger", cfg.Trigger.String(), "enabled", cfg.Enabled)
	return nil
}

// ReadLine reads a shared line's state back from the distributor.
func (d *Distributor) ReadLine(id irq.ID) (irq.LineState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkShared(id); err != nil {
		return irq.LineState{}, err
	}
	return readLine(d.port, d.layout, id)
}

// SendSGI raises a software-generated interrupt from the primary core.
func (d *Distributor) SendSGI(id irq.ID, targets uint8, filter SGIFilter) error {
	if d.State() != DistEnabled {
		return irq.ErrDistributorNotReady
	}
	return sendSGI(d.port, d.layout, id, targets, filter)
}

package gicv2

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/intc/internal/irq"
	"github.com/tinyrange/intc/internal/mmio"
)

// Controller hands out the handles to one GICv2 instance: a single
// Distributor for the primary core and one CPUInterface per core.
type Controller struct {
	layout Layout
	routes *irq.RoutingTable
	log    *slog.Logger

	mu   sync.Mutex
	dist *Distributor
	cpus map[int]*CPUInterface
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sends bring-up tracing to log. The default discards it.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRoutingTable records line configuration in t instead of a private table.
func WithRoutingTable(t *irq.RoutingTable) Option {
	return func(c *Controller) {
		if t != nil {
			c.routes = t
		}
	}
}

// New returns a controller for the GIC at layout.
func New(layout Layout, opts ...Option) *Controller {
	c := &Controller{
		layout: layout,
		routes: irq.NewRoutingTable(),
		log:    slog.New(slog.DiscardHandler),
		cpus:   make(map[int]*CPUInterface),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("gic", "v2")
	return c
}

// Layout returns the register layout.
func (c *Controller) Layout() Layout { return c.layout }

// Routes returns the routing table shared by all handles.
func (c *Controller) Routes() *irq.RoutingTable { return c.routes }

// ClaimDistributor returns the distributor handle. It succeeds once; port
// must belong to the primary core.
func (c *Controller) ClaimDistributor(port mmio.Port) (*Distributor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dist != nil {
		return nil, fmt.Errorf("gicv2: %w", irq.ErrDistributorClaimed)
	}
	c.dist = newDistributor(port, c.layout, c.routes, c.log)
	return c.dist, nil
}

// CPUInterface returns the handle for core. port must perform accesses as
// that core. Each core may be claimed once, and only after the distributor.
func (c *Controller) CPUInterface(core int, port mmio.Port) (*CPUInterface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dist == nil {
		return nil, fmt.Errorf("gicv2: core %d: %w", core, irq.ErrDistributorNotReady)
	}
	limit := MaxCores
	if c.dist.State() == DistEnabled {
		limit = c.dist.Topology().Cores
	}
	if core < 0 || core >= limit {
		return nil, fmt.Errorf("gicv2: core %d: %w", core, irq.ErrInvalidCore)
	}
	if _, ok := c.cpus[core]; ok {
		return nil, fmt.Errorf("gicv2: core %d: %w", core, irq.ErrCoreClaimed)
	}
	cpu := newCPUInterface(core, port, c.layout, c.dist, c.routes, c.log)
	c.cpus[core] = cpu
	return cpu, nil
}

func (c *Controller) handles(core int) (*Distributor, *CPUInterface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dist == nil {
		return nil, nil, irq.ErrDistributorNotReady
	}
	return c.dist, c.cpus[core], nil
}

// EnableLine unmasks id for core: private ids on that core's interface,
// shared ids on the distributor.
func (c *Controller) EnableLine(core int, id irq.ID) error {
	dist, cpu, err := c.handles(core)
	if err != nil {
		return err
	}
	if id.IsPrivate() {
		if cpu == nil {
			return fmt.Errorf("gicv2: core %d not claimed", core)
		}
		return cpu.EnableLine(id)
	}
	return dist.EnableLine(id)
}

// DisableLine is the inverse of EnableLine.
func (c *Controller) DisableLine(core int, id irq.ID) error {
	dist, cpu, err := c.handles(core)
	if err != nil {
		return err
	}
	if id.IsPrivate() {
		if cpu == nil {
			return fmt.Errorf("gicv2: core %d not claimed", core)
		}
		return cpu.DisableLine(id)
	}
	return dist.DisableLine(id)
}

var (
	_ irq.Distributor  = (*Distributor)(nil)
	_ irq.CPUInterface = (*CPUInterface)(nil)
)

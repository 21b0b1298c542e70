package gic

import "github.com/tinyrange/intc/internal/chipset"

var (
	_ chipset.ChipsetDevice        = (*GIC)(nil)
	_ chipset.InterruptSink        = (*GIC)(nil)
	_ chipset.PrivateInterruptSink = (*GIC)(nil)
)

func setInput(l *line, level bool) {
	if l.edge {
		if level && !l.level {
			l.latched = true
		}
	}
	l.level = level
}

// SetIRQ implements chipset.InterruptSink for shared lines. Private ids are
// asserted on every core.
func (g *GIC) SetIRQ(id uint32, level bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id < privateLines {
		for c := range g.cpus {
			setInput(&g.cpus[c].private[id], level)
		}
		return
	}
	if l := g.lineFor(0, id); l != nil {
		setInput(l, level)
	}
}

// SetPrivateIRQ implements chipset.PrivateInterruptSink.
func (g *GIC) SetPrivateIRQ(cpu int, id uint32, level bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cpu < 0 || cpu >= len(g.cpus) || id >= privateLines {
		return
	}
	setInput(&g.cpus[cpu].private[id], level)
}

// Pending reports whether cpu has an interrupt it would acknowledge now.
// The board's run loop uses this as the core's IRQ signal.
func (g *GIC) Pending(cpu int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cpu < 0 || cpu >= len(g.cpus) {
		return false
	}
	id, _ := g.highestPending(cpu)
	return id != spuriousID
}

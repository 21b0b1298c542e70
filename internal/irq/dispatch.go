package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Dispatcher runs the acknowledge / handle / retire protocol for one
// interrupt at a time. One Dispatcher may serve every core concurrently;
// the CPUInterface passed to Dispatch selects the core.
type Dispatcher struct {
	registry *Registry
	log      *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats counts dispatch outcomes.
type Stats struct {
	Handled   map[ID]uint64
	Unhandled uint64
	Spurious  uint64
	Failed    uint64
}

// NewDispatcher dispatches to handlers in registry. A nil logger discards.
func NewDispatcher(registry *Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		registry: registry,
		log:      log,
		stats:    Stats{Handled: make(map[ID]uint64)},
	}
}

// Dispatch services the highest priority pending interrupt on cpu.
//
// A spurious acknowledge returns immediately without retirement. Otherwise
// the registered handler (if any) runs, and then the raw acknowledge word is
// written back for end-of-interrupt and deactivation, in that order. The
// retirement runs even if the handler returns an error or panics.
func (d *Dispatcher) Dispatch(cpu CPUInterface) (ack Ack, err error) {
	ack, err = cpu.Acknowledge()
	if err != nil {
		return ack, fmt.Errorf("irq: core %d acknowledge: %w", cpu.Core(), err)
	}
	if ack.Spurious() {
		d.count(func(s *Stats) { s.Spurious++ })
		return ack, nil
	}

	defer func() {
		var errs []error
		if err != nil {
			errs = append(errs, err)
		}
		if eoiErr := cpu.EndOfInterrupt(ack); eoiErr != nil {
			errs = append(errs, fmt.Errorf("irq: core %d end of interrupt %s: %w", cpu.Core(), ack.ID, eoiErr))
		}
		if dirErr := cpu.Deactivate(ack); dirErr != nil {
			errs = append(errs, fmt.Errorf("irq: core %d deactivate %s: %w", cpu.Core(), ack.ID, dirErr))
		}
		err = errors.Join(errs...)
	}()

	h, ok := d.registry.Lookup(ack.ID)
	if !ok {
		d.log.Debug("unhandled interrupt", "core", cpu.Core(), "id", uint32(ack.ID))
		d.count(func(s *Stats) { s.Unhandled++ })
		return ack, nil
	}

	if herr := d.call(h, ack); herr != nil {
		d.count(func(s *Stats) { s.Failed++ })
		return ack, fmt.Errorf("irq: core %d handler for %s: %w", cpu.Core(), ack.ID, herr)
	}
	d.count(func(s *Stats) { s.Handled[ack.ID]++ })
	return ack, nil
}

// call runs h, counting a panic as a failure before letting it continue.
func (d *Dispatcher) call(h Handler, ack Ack) error {
	defer func() {
		if p := recover(); p != nil {
			d.count(func(s *Stats) { s.Failed++ })
			panic(p)
		}
	}()
	return h(ack)
}

// Drain dispatches on cpu until the controller reports spurious or max
// interrupts were serviced. It returns the number of non-spurious dispatches.
func (d *Dispatcher) Drain(cpu CPUInterface, max int) (int, error) {
	n := 0
	for n < max {
		ack, err := d.Dispatch(cpu)
		if err != nil {
			return n, err
		}
		if ack.Spurious() {
			return n, nil
		}
		n++
	}
	return n, nil
}

func (d *Dispatcher) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.stats
	out.Handled = make(map[ID]uint64, len(d.stats.Handled))
	for id, n := range d.stats.Handled {
		out.Handled[id] = n
	}
	return out
}

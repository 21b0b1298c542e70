// Package archtimer models the per-core ARM generic timer as a source of
// private interrupts. Each core's timer counts poll ticks and raises its PPI
// when the programmed period elapses. The line stays high until the core
// retires the interrupt, which stands in for the guest reprogramming the
// compare value.
package archtimer

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyrange/intc/internal/chipset"
)

// PhysicalPPI is the non-secure physical timer interrupt on QEMU virt.
const PhysicalPPI = 30

type coreTimer struct {
	line    chipset.LineInterrupt
	period  uint64
	count   uint64
	raised  bool
	fired   uint64
	retired uint64
}

// Timer is a bank of per-core timers sharing one interrupt id.
type Timer struct {
	id uint32

	mu    sync.Mutex
	cores []coreTimer
}

// New creates timers for cores cores raising interrupt id.
func New(cores int, id uint32) (*Timer, error) {
	if cores < 1 {
		return nil, fmt.Errorf("archtimer: need at least one core")
	}
	if id < 16 || id >= 32 {
		return nil, fmt.Errorf("archtimer: interrupt %d is not a PPI", id)
	}
	t := &Timer{id: id, cores: make([]coreTimer, cores)}
	for i := range t.cores {
		t.cores[i].line = chipset.LineInterruptDetached()
	}
	return t, nil
}

// ID returns the interrupt id the timers raise.
func (t *Timer) ID() uint32 { return t.id }

// Attach allocates one banked line per core from lines and deasserts it when
// that core retires the interrupt.
func (t *Timer) Attach(lines *chipset.LineSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for core := range t.cores {
		t.cores[core].line = lines.AllocatePrivateLine(core, t.id)
		lines.RegisterPrivateEOICallback(core, t.id, func() { t.retire(core) })
	}
}

func (t *Timer) retire(core int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &t.cores[core]
	if !c.raised {
		return
	}
	c.raised = false
	c.retired++
	c.line.SetLevel(false)
}

// Arm fires core's timer every period ticks. Zero disarms it.
func (t *Timer) Arm(core int, period uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if core < 0 || core >= len(t.cores) {
		return fmt.Errorf("archtimer: core %d out of range", core)
	}
	t.cores[core].period = period
	t.cores[core].count = 0
	return nil
}

// Fire raises core's interrupt now.
func (t *Timer) Fire(core int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if core < 0 || core >= len(t.cores) {
		return fmt.Errorf("archtimer: core %d out of range", core)
	}
	t.raise(&t.cores[core])
	return nil
}

func (t *Timer) raise(c *coreTimer) {
	c.fired++
	if c.raised {
		return
	}
	c.raised = true
	c.line.SetLevel(true)
}

// Fired returns how many times core's timer expired.
func (t *Timer) Fired(core int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if core < 0 || core >= len(t.cores) {
		return 0
	}
	return t.cores[core].fired
}

// Retired returns how many of core's interrupts were retired by the core.
func (t *Timer) Retired(core int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if core < 0 || core >= len(t.cores) {
		return 0
	}
	return t.cores[core].retired
}

// Poll advances every armed timer by one tick.
func (t *Timer) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.cores {
		c := &t.cores[i]
		if c.period == 0 {
			continue
		}
		c.count++
		if c.count >= c.period {
			c.count = 0
			t.raise(c)
		}
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (t *Timer) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (t *Timer) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (t *Timer) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.cores {
		c := &t.cores[i]
		if c.raised {
			c.line.SetLevel(false)
		}
		*c = coreTimer{line: c.line}
	}
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice. The timer is programmed
// through system registers, not memory.
func (t *Timer) SupportsMmio() *chipset.MmioIntercept { return nil }

// SupportsPollDevice implements chipset.ChipsetDevice.
func (t *Timer) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: t}
}

var _ chipset.ChipsetDevice = (*Timer)(nil)

package irq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeCPU replays a queue of acknowledge words and records retirement.
type fakeCPU struct {
	core  int
	queue []uint32

	mu     sync.Mutex
	log    []string
	eoiErr error
	init   int
	lines  []ID
	failOn ID
}

func (c *fakeCPU) Core() int { return c.core }

func (c *fakeCPU) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init++
	return nil
}

func (c *fakeCPU) EnableLine(id ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.failOn && id != 0 {
		return errors.New("enable refused")
	}
	c.lines = append(c.lines, id)
	return nil
}

func (c *fakeCPU) DisableLine(id ID) error { return nil }

func (c *fakeCPU) Acknowledge() (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := uint32(Spurious)
	if len(c.queue) > 0 {
		raw, c.queue = c.queue[0], c.queue[1:]
	}
	c.log = append(c.log, fmt.Sprintf("iar:%#x", raw))
	return Ack{ID: ID(raw & 0x3ff), Raw: raw}, nil
}

func (c *fakeCPU) EndOfInterrupt(ack Ack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, fmt.Sprintf("eoi:%#x", ack.Raw))
	return c.eoiErr
}

func (c *fakeCPU) Deactivate(ack Ack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, fmt.Sprintf("dir:%#x", ack.Raw))
	return nil
}

func (c *fakeCPU) trace() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func expectTrace(t *testing.T, cpu *fakeCPU, want ...string) {
	t.Helper()
	got := cpu.trace()
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace = %v, want %v", got, want)
		}
	}
}

func TestDispatchTimer(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	RegisterTimer(reg, func() { calls++ })

	cpu := &fakeCPU{queue: []uint32{30}}
	d := NewDispatcher(reg, nil)
	ack, err := d.Dispatch(cpu)
	if err != nil {
		t.Fatal(err)
	}
	if ack.ID != PhysicalTimer {
		t.Fatalf("dispatched %s", ack.ID)
	}
	if calls != 1 {
		t.Fatalf("timer called %d times, want 1", calls)
	}
	expectTrace(t, cpu, "iar:0x1e", "eoi:0x1e", "dir:0x1e")
	if got := d.Stats().Handled[PhysicalTimer]; got != 1 {
		t.Fatalf("handled count = %d", got)
	}
}

func TestDispatchSpuriousDoesNotRetire(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Spurious, Func(func() { t.Fatalf("handler ran for spurious id") }))
	cpu := &fakeCPU{queue: []uint32{1023}}
	d := NewDispatcher(reg, nil)

	ack, err := d.Dispatch(cpu)
	if err != nil {
		t.Fatal(err)
	}
	if !ack.Spurious() {
		t.Fatalf("ack = %+v, want spurious", ack)
	}
	expectTrace(t, cpu, "iar:0x3ff")
	if d.Stats().Spurious != 1 {
		t.Fatalf("spurious not counted")
	}
}

func TestDispatchUnregisteredStillRetires(t *testing.T) {
	cpu := &fakeCPU{queue: []uint32{50}}
	d := NewDispatcher(NewRegistry(), nil)
	if _, err := d.Dispatch(cpu); err != nil {
		t.Fatal(err)
	}
	expectTrace(t, cpu, "iar:0x32", "eoi:0x32", "dir:0x32")
	if d.Stats().Unhandled != 1 {
		t.Fatalf("unhandled not counted")
	}
}

func TestDispatchPassesRawWordBack(t *testing.T) {
	// SGI 3 from core 2 carries the source in bits 10..12.
	raw := uint32(2<<10 | 3)
	reg := NewRegistry()
	var seen Ack
	reg.Register(3, func(ack Ack) error {
		seen = ack
		return nil
	})
	cpu := &fakeCPU{queue: []uint32{raw}}
	if _, err := NewDispatcher(reg, nil).Dispatch(cpu); err != nil {
		t.Fatal(err)
	}
	if seen.ID != 3 || seen.Raw != raw {
		t.Fatalf("handler saw %+v", seen)
	}
	expectTrace(t, cpu, "iar:0x803", "eoi:0x803", "dir:0x803")
}

func TestDispatchHandlerErrorStillRetires(t *testing.T) {
	errHandler := errors.New("device gone")
	reg := NewRegistry()
	reg.Register(40, func(Ack) error { return errHandler })
	cpu := &fakeCPU{queue: []uint32{40}, eoiErr: errors.New("bus fault")}
	d := NewDispatcher(reg, nil)

	_, err := d.Dispatch(cpu)
	if !errors.Is(err, errHandler) {
		t.Fatalf("err = %v, want handler error", err)
	}
	if !errors.Is(err, cpu.eoiErr) {
		t.Fatalf("err = %v, want eoi error joined", err)
	}
	expectTrace(t, cpu, "iar:0x28", "eoi:0x28", "dir:0x28")
	if d.Stats().Failed != 1 {
		t.Fatalf("failure not counted")
	}
}

func TestDispatchHandlerPanicStillRetires(t *testing.T) {
	reg := NewRegistry()
	reg.Register(41, Func(func() { panic("boom") }))
	cpu := &fakeCPU{queue: []uint32{41}}
	d := NewDispatcher(reg, nil)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("panic was swallowed")
			}
		}()
		d.Dispatch(cpu)
	}()
	expectTrace(t, cpu, "iar:0x29", "eoi:0x29", "dir:0x29")
	if stats := d.Stats(); stats.Failed != 1 || stats.Handled[41] != 0 {
		t.Fatalf("panicking handler counted as %+v", stats)
	}
}

func TestDrain(t *testing.T) {
	cpu := &fakeCPU{queue: []uint32{30, 1, 33}}
	d := NewDispatcher(NewRegistry(), nil)
	n, err := d.Drain(cpu, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("drained %d, want 3", n)
	}

	cpu = &fakeCPU{queue: []uint32{30, 30, 30}}
	if n, _ := d.Drain(cpu, 2); n != 2 {
		t.Fatalf("drain ignored max: %d", n)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(5, Func(func() {}))
	if _, ok := reg.Lookup(5); !ok {
		t.Fatalf("registered handler missing")
	}
	reg.Register(5, nil)
	if _, ok := reg.Lookup(5); ok {
		t.Fatalf("nil registration did not remove")
	}

	RegisterTimer(reg, func() {})
	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want physical and virtual timers", reg.Len())
	}
	reg.Unregister(VirtualTimer)
	if _, ok := reg.Lookup(VirtualTimer); ok {
		t.Fatalf("unregister failed")
	}
}

type fakeDistributor struct {
	order   *[]string
	mu      sync.Mutex
	enabled []ID
	initErr error
}

func (d *fakeDistributor) Init() error {
	*d.order = append(*d.order, "dist")
	return d.initErr
}

func (d *fakeDistributor) Topology() Topology { return Topology{Lines: 64, Cores: 2} }

func (d *fakeDistributor) EnableLine(id ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = append(d.enabled, id)
	return nil
}

func (d *fakeDistributor) DisableLine(id ID) error { return nil }

func TestBringUp(t *testing.T) {
	var order []string
	dist := &fakeDistributor{order: &order}
	cpus := []*fakeCPU{{core: 0}, {core: 1}}

	plan := Plan{
		Distributor: dist,
		CPUs:        []CPUInterface{cpus[0], cpus[1]},
		Private:     []ID{PhysicalTimer, VirtualTimer},
		Shared:      []ID{33, 40},
	}
	if err := BringUp(context.Background(), plan); err != nil {
		t.Fatal(err)
	}
	if len(order) != 1 {
		t.Fatalf("distributor initialized %d times", len(order))
	}
	for _, c := range cpus {
		if c.init != 1 {
			t.Fatalf("core %d initialized %d times", c.core, c.init)
		}
		if len(c.lines) != 2 || c.lines[0] != PhysicalTimer || c.lines[1] != VirtualTimer {
			t.Fatalf("core %d enabled %v", c.core, c.lines)
		}
	}
	if len(dist.enabled) != 2 || dist.enabled[0] != 33 {
		t.Fatalf("shared enabled %v", dist.enabled)
	}
}

func TestBringUpStopsOnDistributorFailure(t *testing.T) {
	var order []string
	dist := &fakeDistributor{order: &order, initErr: ErrControllerAbsent}
	cpu := &fakeCPU{}
	err := BringUp(context.Background(), Plan{Distributor: dist, CPUs: []CPUInterface{cpu}})
	if !errors.Is(err, ErrControllerAbsent) {
		t.Fatalf("err = %v", err)
	}
	if cpu.init != 0 {
		t.Fatalf("cpu interface initialized after distributor failure")
	}
}

func TestBringUpReportsCoreFailure(t *testing.T) {
	var order []string
	dist := &fakeDistributor{order: &order}
	bad := &fakeCPU{core: 1, failOn: PhysicalTimer}
	err := BringUp(context.Background(), Plan{
		Distributor: dist,
		CPUs:        []CPUInterface{&fakeCPU{core: 0}, bad},
		Private:     []ID{PhysicalTimer},
		Shared:      []ID{33},
	})
	if err == nil {
		t.Fatalf("expected error from core 1")
	}
	if len(dist.enabled) != 0 {
		t.Fatalf("shared lines enabled after a core failed: %v", dist.enabled)
	}
}

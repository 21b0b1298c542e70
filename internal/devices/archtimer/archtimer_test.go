package archtimer

import (
	"context"
	"testing"

	"github.com/tinyrange/intc/internal/chipset"
)

// bankedSink tracks the level of each core's copy of a line.
type bankedSink struct {
	levels map[int]bool
	edges  int
}

func (s *bankedSink) SetIRQ(uint32, bool) {}

func (s *bankedSink) SetPrivateIRQ(cpu int, line uint32, level bool) {
	s.levels[cpu] = level
	if level {
		s.edges++
	}
}

func newTimer(t *testing.T, cores int) (*Timer, *chipset.LineSet, *bankedSink) {
	t.Helper()
	timer, err := New(cores, PhysicalPPI)
	if err != nil {
		t.Fatal(err)
	}
	sink := &bankedSink{levels: make(map[int]bool)}
	lines := chipset.NewLineSet(sink)
	timer.Attach(lines)
	return timer, lines, sink
}

func TestNewRejectsNonPPI(t *testing.T) {
	for _, id := range []uint32{0, 15, 32, 33} {
		if _, err := New(1, id); err == nil {
			t.Errorf("New(1, %d) accepted a non-PPI", id)
		}
	}
	if _, err := New(0, PhysicalPPI); err == nil {
		t.Errorf("New accepted zero cores")
	}
}

func TestPollFiresEveryPeriod(t *testing.T) {
	timer, lines, sink := newTimer(t, 2)
	if err := timer.Arm(0, 3); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for tick := 1; tick <= 9; tick++ {
		if err := timer.Poll(ctx); err != nil {
			t.Fatal(err)
		}
		if tick%3 == 0 {
			if !sink.levels[0] {
				t.Fatalf("tick %d: core 0 line low", tick)
			}
			lines.BroadcastEOI(0, PhysicalPPI)
		}
	}
	if timer.Fired(0) != 3 || timer.Retired(0) != 3 {
		t.Fatalf("fired %d retired %d, want 3/3", timer.Fired(0), timer.Retired(0))
	}
	if sink.levels[1] || timer.Fired(1) != 0 {
		t.Fatalf("unarmed core 1 fired")
	}
}

func TestLineHeldUntilRetired(t *testing.T) {
	timer, lines, sink := newTimer(t, 2)
	if err := timer.Fire(1); err != nil {
		t.Fatal(err)
	}
	if err := timer.Fire(1); err != nil {
		t.Fatal(err)
	}
	if sink.edges != 1 {
		t.Fatalf("line asserted %d times, want once while held", sink.edges)
	}
	if timer.Fired(1) != 2 {
		t.Fatalf("fired = %d", timer.Fired(1))
	}

	// Retirement on the other core leaves core 1 alone.
	lines.BroadcastEOI(0, PhysicalPPI)
	if !sink.levels[1] || timer.Retired(1) != 0 {
		t.Fatalf("core 0 retirement lowered core 1's line")
	}
	lines.BroadcastEOI(1, PhysicalPPI)
	if sink.levels[1] || timer.Retired(1) != 1 {
		t.Fatalf("line still high after retirement")
	}
}

func TestArmAndFireRange(t *testing.T) {
	timer, _, _ := newTimer(t, 1)
	if err := timer.Arm(1, 4); err == nil {
		t.Fatalf("expected range error")
	}
	if err := timer.Fire(-1); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestResetLowersLines(t *testing.T) {
	timer, _, sink := newTimer(t, 1)
	timer.Arm(0, 1)
	timer.Poll(context.Background())
	if !sink.levels[0] {
		t.Fatalf("line not raised")
	}
	if err := timer.Reset(); err != nil {
		t.Fatal(err)
	}
	if sink.levels[0] || timer.Fired(0) != 0 {
		t.Fatalf("reset left the timer raised")
	}
	// Disarmed by reset.
	timer.Poll(context.Background())
	if sink.levels[0] {
		t.Fatalf("reset timer fired")
	}
}

func TestPollHonoursContext(t *testing.T) {
	timer, _, _ := newTimer(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := timer.Poll(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

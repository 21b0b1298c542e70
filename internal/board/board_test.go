package board

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/intc/internal/fdt"
	"github.com/tinyrange/intc/internal/irq"
)

func TestDecodeOverlaysDefaults(t *testing.T) {
	src := `
name: smoke
cpus: 4
gic:
  shared: [40, 41]
uart:
  interrupts: true
scenario:
  - tick: 2
    kind: sgi
    core: 1
    id: 3
    targets: 0x1
  - tick: 3
    kind: print
    text: hello
`
	cfg, err := Decode(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "smoke" || cfg.CPUs != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	def := Default()
	if cfg.GIC.DistBase != def.GIC.DistBase || cfg.GIC.Lines != def.GIC.Lines || cfg.Timer != def.Timer {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.GIC.Shared) != 2 || !cfg.UART.Interrupts {
		t.Fatalf("gic/uart = %+v %+v", cfg.GIC, cfg.UART)
	}
	if len(cfg.Scenario) != 2 || cfg.Scenario[0].Kind != EventSGI || cfg.Scenario[1].Kind != EventPrint {
		t.Fatalf("scenario = %+v", cfg.Scenario)
	}
	if cfg.Scenario[0].Targets != 1 || cfg.Scenario[1].Text != "hello" {
		t.Fatalf("scenario = %+v", cfg.Scenario)
	}

	var buf bytes.Buffer
	if err := cfg.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "kind: sgi") {
		t.Fatalf("encoded kinds are not names:\n%s", buf.String())
	}
	again, err := Decode(&buf)
	if err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if again.Scenario[1] != cfg.Scenario[1] {
		t.Fatalf("round trip changed event: %+v", again.Scenario[1])
	}
}

func TestDecodeEmptyIsDefault(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != Default().Name || cfg.CPUs != Default().CPUs {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", "cpu: 2\n"},
		{"unknown kind", "scenario:\n  - tick: 1\n    kind: nmi\n"},
		{"missing kind", "scenario:\n  - tick: 1\n"},
		{"too many cpus", "cpus: 9\n"},
		{"timer not ppi", "timer:\n  id: 33\n"},
		{"uart beyond lines", "gic:\n  lines: 64\nuart:\n  irq: 64\n"},
		{"sgi id", "scenario:\n  - tick: 1\n    kind: sgi\n    id: 16\n"},
		{"event core", "scenario:\n  - tick: 1\n    kind: timer\n    core: 2\n"},
		{"shared private", "gic:\n  shared: [30]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.src)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.CPUs = 0
	cfg.GIC.CPUBase = cfg.GIC.DistBase
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"cpus 0", "share base"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestEventKindString(t *testing.T) {
	if EventSPI.String() != "spi" || EventKind(42).String() != "EventKind(42)" {
		t.Fatalf("names: %s %s", EventSPI, EventKind(42))
	}
}

func newBoard(t *testing.T, cfg Config, console *bytes.Buffer) *Board {
	t.Helper()
	opts := Options{}
	if console != nil {
		opts.Console = console
	}
	b, err := New(cfg, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.BringUp(context.Background()); err != nil {
		t.Fatalf("bring-up: %v", err)
	}
	return b
}

func TestTimerTicksOnEveryCore(t *testing.T) {
	b := newBoard(t, Default(), nil)
	if err := b.Run(context.Background(), 8, nil); err != nil {
		t.Fatal(err)
	}
	if got := b.Counters().TimerTicks; got != 4 {
		t.Fatalf("timer ticks = %d, want 2 per core", got)
	}
	for core := 0; core < 2; core++ {
		if b.Timer().Retired(core) != 2 {
			t.Fatalf("core %d retired %d timers", core, b.Timer().Retired(core))
		}
		if n := b.CPU(core).Inflight(); n != 0 {
			t.Fatalf("core %d left %d interrupts in flight", core, n)
		}
	}
	if b.Ticks() != 8 {
		t.Fatalf("ticks = %d", b.Ticks())
	}
	if stats := b.Dispatcher().Stats(); stats.Handled[irq.PhysicalTimer] != 4 {
		t.Fatalf("dispatcher stats = %+v", stats)
	}
}

func TestScenario(t *testing.T) {
	cfg := Default()
	cfg.Timer.Period = 0
	cfg.UART.Interrupts = true
	cfg.GIC.Shared = []uint32{40}
	cfg.Scenario = []Event{
		{Tick: 1, Kind: EventSGI, Core: 0, ID: 3, Targets: 0x2},
		{Tick: 2, Kind: EventSPI, ID: 40},
		{Tick: 3, Kind: EventPrint, Text: "hi"},
		{Tick: 4, Kind: EventTimer, Core: 1},
	}
	var console bytes.Buffer
	b := newBoard(t, cfg, &console)
	if err := b.Run(context.Background(), 4, nil); err != nil {
		t.Fatal(err)
	}
	want := Counters{TimerTicks: 1, SGIs: 1, UARTIRQs: 1, SPIs: 1}
	if got := b.Counters(); got != want {
		t.Fatalf("counters = %+v, want %+v", got, want)
	}
	if console.String() != "hi" {
		t.Fatalf("console = %q", console.String())
	}
	if b.Timer().Fired(0) != 0 || b.Timer().Retired(1) != 1 {
		t.Fatalf("timer event reached the wrong core")
	}
}

func TestRTCAlarmRearms(t *testing.T) {
	cfg := Default()
	cfg.Timer.Period = 0
	cfg.RTC.Alarm = 3
	b := newBoard(t, cfg, nil)
	if err := b.Run(context.Background(), 10, nil); err != nil {
		t.Fatal(err)
	}
	if got := b.Counters().RTCAlarms; got != 3 {
		t.Fatalf("rtc alarms = %d, want 3", got)
	}
	line, ok := b.Controller().Routes().Lookup(0, irq.ID(cfg.RTC.IRQ))
	if !ok || !line.Enabled {
		t.Fatalf("rtc line not enabled in the routing table: %+v", line)
	}
}

func TestLifecycleErrors(t *testing.T) {
	b, err := New(Default(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.Tick(context.Background()); err == nil {
		t.Fatalf("tick before bring-up succeeded")
	}
	if err := b.BringUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.BringUp(context.Background()); err == nil {
		t.Fatalf("second bring-up succeeded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Run(ctx, 1, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("run with cancelled context: %v", err)
	}

	bad := Default()
	bad.CPUs = 0
	if _, err := New(bad, Options{}); err == nil {
		t.Fatalf("invalid config built")
	}
}

func TestDeviceTree(t *testing.T) {
	cfg := Default()
	blob, err := cfg.DeviceTreeBlob()
	if err != nil {
		t.Fatal(err)
	}
	root, err := fdt.Decode(blob)
	if err != nil {
		t.Fatal(err)
	}

	cells := func(path, prop string) []uint32 {
		t.Helper()
		n := root.Lookup(path)
		if n == nil {
			t.Fatalf("%s missing", path)
		}
		p, ok := n.Prop(prop)
		if !ok {
			t.Fatalf("%s has no %s", path, prop)
		}
		c, err := p.Cells()
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	equal := func(got []uint32, want ...uint32) bool {
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}

	if reg := cells("/intc@8000000", "reg"); !equal(reg, 0, 0x08000000, 0, 0x10000, 0, 0x08010000, 0, 0x2000) {
		t.Fatalf("gic reg = %x", reg)
	}
	if irqs := cells("/pl011@9000000", "interrupts"); !equal(irqs, 0, 1, 4) {
		t.Fatalf("uart interrupts = %v", irqs)
	}
	if irqs := cells("/pl031@9010000", "interrupts"); !equal(irqs, 0, 2, 4) {
		t.Fatalf("rtc interrupts = %v", irqs)
	}
	timer := cells("/timer", "interrupts")
	if len(timer) != 12 || timer[3] != 1 || timer[4] != 14 || timer[5] != 0x304 {
		t.Fatalf("timer interrupts = %x", timer)
	}
	if root.Lookup("/cpus/cpu@1") == nil || root.Lookup("/cpus/cpu@2") != nil {
		t.Fatalf("cpu nodes do not match the core count")
	}
	chosen, _ := root.Lookup("/chosen").Prop("stdout-path")
	if s := chosen.Strings(); len(s) != 1 || s[0] != "/pl011@9000000" {
		t.Fatalf("stdout-path = %q", s)
	}
}

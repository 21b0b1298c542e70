package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/intc/internal/board"
	"github.com/tinyrange/intc/internal/irq"
	"github.com/tinyrange/intc/internal/irq/gicv2"
	"github.com/tinyrange/intc/internal/mmio"
)

var (
	sgrBold  = ansi.Style{}.Bold().String()
	sgrGreen = ansi.Style{}.ForegroundColor(ansi.Green).String()
	sgrRed   = ansi.Style{}.ForegroundColor(ansi.Red).String()
	sgrDim   = ansi.Style{}.Faint().String()
)

type printer struct {
	w     io.Writer
	color bool
}

func (p *printer) style(sgr, s string) string {
	if !p.color {
		return s
	}
	return sgr + s + ansi.ResetStyle
}

// table prints rows with columns padded to their widest cell. Cells may
// contain escape sequences; they are measured by display width and stripped
// when colour is off.
func (p *printer) table(rows [][]string) {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for _, row := range rows {
		var sb strings.Builder
		for i, cell := range row {
			sb.WriteString(cell)
			if i < len(row)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		line := sb.String()
		if !p.color {
			line = ansi.Strip(line)
		}
		fmt.Fprintln(p.w, line)
	}
}

func run() error {
	configPath := flag.String("config", "", "board description (yaml); defaults to QEMU virt")
	cores := flag.Int("cores", 0, "override the number of cores")
	ticks := flag.Int("ticks", 32, "number of run loop ticks after bring-up")
	rtcAlarm := flag.Uint("rtc-alarm", 0, "raise the RTC alarm every n ticks")
	tracePath := flag.String("trace", "", "write a binary register access trace to this file")
	dtbPath := flag.String("dtb", "", "write the board's device tree blob to this file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration and exit")
	uartLog := flag.Bool("uart-log", false, "send controller tracing through the emulated UART")
	devmem := flag.Bool("devmem", false, "initialize the real GIC through /dev/mem instead of emulating one")
	dbg := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := board.Default()
	if *configPath != "" {
		var err error
		cfg, err = board.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *rtcAlarm > 0 {
		cfg.RTC.Alarm = uint32(*rtcAlarm)
	}
	if *cores > 0 {
		cfg.CPUs = *cores
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	if *dumpConfig {
		return cfg.Encode(os.Stdout)
	}

	if *dtbPath != "" {
		blob, err := cfg.DeviceTreeBlob()
		if err != nil {
			return err
		}
		if err := os.WriteFile(*dtbPath, blob, 0644); err != nil {
			return fmt.Errorf("write device tree: %w", err)
		}
		slog.Info("wrote device tree", "path", *dtbPath, "bytes", len(blob))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	out := &printer{w: os.Stdout, color: term.IsTerminal(int(os.Stdout.Fd()))}

	if *devmem {
		return runDevMem(ctx, cfg, out)
	}

	var trace *mmio.TraceLog
	if *tracePath != "" {
		var err error
		trace, err = mmio.CreateTraceFile(*tracePath)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer func() {
			if err := trace.Close(); err != nil {
				slog.Error("close trace", "error", err)
			}
			slog.Info("trace written", "path", *tracePath, "records", trace.Len())
		}()
	}

	b, err := board.New(cfg, board.Options{
		Console: os.Stdout,
		Trace:   trace,
		Logger:  slog.Default(),
		UARTLog: *uartLog,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.BringUp(ctx); err != nil {
		return err
	}

	var progress func()
	if *ticks > 0 && term.IsTerminal(int(os.Stderr.Fd())) {
		pb := progressbar.Default(int64(*ticks), "ticking")
		defer pb.Close()
		progress = func() { pb.Add(1) }
	}
	if err := b.Run(ctx, *ticks, progress); err != nil {
		return err
	}

	summarize(out, b)
	return nil
}

func summarize(out *printer, b *board.Board) {
	topo := b.Distributor().Topology()
	fmt.Fprintf(out.w, "%s %d lines, %d cores, shared targets 0x%02x\n\n",
		out.style(sgrBold, "GICv2:"), topo.Lines, topo.Cores, b.Distributor().Targets())

	rows := [][]string{{
		out.style(sgrBold, "CORE"),
		out.style(sgrBold, "STATE"),
		out.style(sgrBold, "ENABLED"),
		out.style(sgrBold, "TIMER"),
		out.style(sgrBold, "INFLIGHT"),
	}}
	routes := b.Controller().Routes()
	for core := 0; core < b.Config().CPUs; core++ {
		cpu := b.CPU(core)
		state := cpu.State().String()
		if cpu.State() == gicv2.CPUDeliveryEnabled {
			state = out.style(sgrGreen, state)
		} else {
			state = out.style(sgrRed, state)
		}
		timer := b.Timer()
		rows = append(rows, []string{
			fmt.Sprintf("%d", core),
			state,
			formatIDs(routes.Enabled(core)),
			fmt.Sprintf("%d/%d", timer.Retired(core), timer.Fired(core)),
			fmt.Sprintf("%d", cpu.Inflight()),
		})
	}
	out.table(rows)

	stats := b.Dispatcher().Stats()
	ids := make([]irq.ID, 0, len(stats.Handled))
	for id := range stats.Handled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fmt.Fprintln(out.w)
	rows = [][]string{{out.style(sgrBold, "LINE"), out.style(sgrBold, "HANDLED")}}
	for _, id := range ids {
		rows = append(rows, []string{id.String(), fmt.Sprintf("%d", stats.Handled[id])})
	}
	rows = append(rows,
		[]string{out.style(sgrDim, "unhandled"), fmt.Sprintf("%d", stats.Unhandled)},
		[]string{out.style(sgrDim, "spurious"), fmt.Sprintf("%d", stats.Spurious)},
	)
	if stats.Failed > 0 {
		rows = append(rows, []string{out.style(sgrRed, "failed"), fmt.Sprintf("%d", stats.Failed)})
	}
	out.table(rows)

	c := b.Counters()
	fmt.Fprintf(out.w, "\n%d ticks: %d timer, %d sgi, %d uart, %d rtc, %d spi\n",
		b.Ticks(), c.TimerTicks, c.SGIs, c.UARTIRQs, c.RTCAlarms, c.SPIs)
}

func formatIDs(ids []irq.ID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", uint32(id))
	}
	return strings.Join(parts, ",")
}

// runDevMem initializes the distributor and the CPU interface of whichever
// core this process happens to run on. It is meant for bare bring-up
// images, not for a running kernel that owns the controller.
func runDevMem(ctx context.Context, cfg board.Config, out *printer) error {
	dist, err := mmio.OpenDevMem(cfg.GIC.DistBase, gicv2.DistSize)
	if err != nil {
		return err
	}
	defer dist.Close()
	cpuif, err := mmio.OpenDevMem(cfg.GIC.CPUBase, gicv2.CPUSize)
	if err != nil {
		return err
	}
	defer cpuif.Close()

	port := mmio.Mux{
		{Base: cfg.GIC.DistBase, Size: gicv2.DistSize, Port: dist},
		{Base: cfg.GIC.CPUBase, Size: gicv2.CPUSize, Port: cpuif},
	}
	layout := gicv2.Layout{DistBase: cfg.GIC.DistBase, CPUBase: cfg.GIC.CPUBase}
	ctrl := gicv2.New(layout, gicv2.WithLogger(slog.Default()))
	d, err := ctrl.ClaimDistributor(port)
	if err != nil {
		return err
	}
	c, err := ctrl.CPUInterface(0, port)
	if err != nil {
		return err
	}
	err = irq.BringUp(ctx, irq.Plan{
		Distributor: d,
		CPUs:        []irq.CPUInterface{c},
		Private:     []irq.ID{irq.ID(cfg.Timer.ID)},
		Logger:      slog.Default(),
	})
	if err != nil {
		return err
	}
	topo := d.Topology()
	fmt.Fprintf(out.w, "%s %d lines, %d cores, shared targets 0x%02x\n",
		out.style(sgrBold, "GICv2:"), topo.Lines, topo.Cores, d.Targets())
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gicbringup: %v\n", err)
		os.Exit(1)
	}
}

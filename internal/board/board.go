// Package board assembles an emulated machine around the GICv2 driver. The
// chipset bus carries an emulated GIC, a PL011 UART, a PL031 RTC and the
// per-core timers. Every core talks to the bus through its own port, and the
// run loop stands in for the IRQ exception vector by dispatching whenever the
// controller signals a core.
package board

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/intc/internal/chipset"
	"github.com/tinyrange/intc/internal/devices/archtimer"
	"github.com/tinyrange/intc/internal/devices/gic"
	"github.com/tinyrange/intc/internal/devices/pl011"
	"github.com/tinyrange/intc/internal/devices/pl031"
	"github.com/tinyrange/intc/internal/irq"
	"github.com/tinyrange/intc/internal/irq/gicv2"
	"github.com/tinyrange/intc/internal/mmio"
	"github.com/tinyrange/intc/internal/uart"
)

// maxDrain bounds the interrupts one core services per tick.
const maxDrain = 64

// Options carries the host side collaborators of a board.
type Options struct {
	// Console receives bytes transmitted by the UART. Nil discards them.
	Console io.Writer
	// Trace, if set, records every register access made by the drivers.
	Trace *mmio.TraceLog
	// Logger receives board and dispatch logging. Nil discards.
	Logger *slog.Logger
	// UARTLog sends the controller's bring-up tracing through the UART
	// driver instead of Logger.
	UARTLog bool
}

// Counters summarizes what the handlers observed.
type Counters struct {
	TimerTicks uint64
	SGIs       uint64
	UARTIRQs   uint64
	RTCAlarms  uint64
	SPIs       uint64
}

// Board is a built machine.
type Board struct {
	cfg Config
	log *slog.Logger

	chipset *chipset.Chipset
	gic     *gic.GIC
	serial  *pl011.PL011
	rtc     *pl031.PL031
	timer   *archtimer.Timer
	ports   []mmio.Port

	ctrl       *gicv2.Controller
	dist       *gicv2.Distributor
	cpus       []*gicv2.CPUInterface
	registry   *irq.Registry
	dispatcher *irq.Dispatcher
	console    *uart.UART

	tick     int
	up       bool
	timers   atomic.Uint64
	sgis     atomic.Uint64
	uartIRQs atomic.Uint64
	alarms   atomic.Uint64
	spis     atomic.Uint64
}

// New builds the machine described by cfg. Nothing is initialized until
// BringUp.
func New(cfg Config, opts Options) (*Board, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	b := &Board{
		cfg:      cfg,
		log:      log,
		registry: irq.NewRegistry(),
	}

	var err error
	b.gic, err = gic.New(gic.Config{
		DistBase: cfg.GIC.DistBase,
		CPUBase:  cfg.GIC.CPUBase,
		Lines:    cfg.GIC.Lines,
		CPUs:     cfg.CPUs,
	})
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	b.timer, err = archtimer.New(cfg.CPUs, cfg.Timer.ID)
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}

	builder := chipset.NewBuilder()
	if err := builder.WithInterruptController(b.gic); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	if err := builder.RegisterDevice("gic", b.gic); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	if err := builder.RegisterDevice("timer", b.timer); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	// Shared lines only exist once the chipset is built, so the UART and
	// RTC are handed late-bound lines.
	var uartLine, rtcLine lateLine
	b.serial = pl011.New(cfg.UART.Base, opts.Console, uartLine.handle())
	b.serial.SetBusyReads(cfg.UART.BusyReads)
	if err := builder.RegisterDevice("uart", b.serial); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	b.rtc = pl031.New(cfg.RTC.Base, rtcLine.handle())
	if err := builder.RegisterDevice("rtc", b.rtc); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}

	b.chipset, err = builder.Build()
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	lines := b.chipset.Lines()
	b.gic.AttachLineSet(lines)
	b.timer.Attach(lines)
	uartLine.bind(lines.AllocateLine(cfg.UART.IRQ))
	rtcLine.bind(lines.AllocateLine(cfg.RTC.IRQ))

	b.ports = make([]mmio.Port, cfg.CPUs)
	for core := range b.ports {
		var port mmio.Port = mmio.NewBusPort(b.chipset, core)
		if opts.Trace != nil {
			port = mmio.NewTracePort(port, core, opts.Trace)
		}
		b.ports[core] = port
	}
	b.console = uart.New(b.ports[0], cfg.UART.Base)

	ctrlLog := log
	if opts.UARTLog {
		ctrlLog = slog.New(slog.NewTextHandler(b.console, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	b.ctrl = gicv2.New(gicv2.Layout{DistBase: cfg.GIC.DistBase, CPUBase: cfg.GIC.CPUBase}, gicv2.WithLogger(ctrlLog))
	b.dispatcher = irq.NewDispatcher(b.registry, log)
	return b, nil
}

// Config returns the configuration the board was built from.
func (b *Board) Config() Config { return b.cfg }

// Chipset returns the device bus.
func (b *Board) Chipset() *chipset.Chipset { return b.chipset }

// GIC returns the emulated controller.
func (b *Board) GIC() *gic.GIC { return b.gic }

// Timer returns the per-core timers.
func (b *Board) Timer() *archtimer.Timer { return b.timer }

// Serial returns the emulated UART.
func (b *Board) Serial() *pl011.PL011 { return b.serial }

// RTC returns the emulated real time clock.
func (b *Board) RTC() *pl031.PL031 { return b.rtc }

// Port returns the bus port core uses.
func (b *Board) Port(core int) mmio.Port { return b.ports[core] }

// Controller returns the GICv2 driver.
func (b *Board) Controller() *gicv2.Controller { return b.ctrl }

// Distributor returns the claimed distributor handle, or nil before BringUp.
func (b *Board) Distributor() *gicv2.Distributor { return b.dist }

// CPU returns core's CPU interface handle, or nil before BringUp.
func (b *Board) CPU(core int) *gicv2.CPUInterface {
	if core < 0 || core >= len(b.cpus) {
		return nil
	}
	return b.cpus[core]
}

// Registry returns the handler registry used by the run loop.
func (b *Board) Registry() *irq.Registry { return b.registry }

// Dispatcher returns the dispatcher used by the run loop.
func (b *Board) Dispatcher() *irq.Dispatcher { return b.dispatcher }

// Console returns the UART driver, which implements io.Writer.
func (b *Board) Console() *uart.UART { return b.console }

// BringUp initializes the UART, the distributor and every CPU interface,
// installs the default handlers and arms the timers.
func (b *Board) BringUp(ctx context.Context) error {
	if b.up {
		return fmt.Errorf("board: already brought up")
	}
	if err := b.chipset.Start(); err != nil {
		return fmt.Errorf("board: start chipset: %w", err)
	}
	if err := b.console.Init(); err != nil {
		return fmt.Errorf("board: %w", err)
	}

	dist, err := b.ctrl.ClaimDistributor(b.ports[0])
	if err != nil {
		return fmt.Errorf("board: %w", err)
	}
	b.dist = dist
	cpus := make([]irq.CPUInterface, len(b.ports))
	b.cpus = make([]*gicv2.CPUInterface, len(b.ports))
	for core, port := range b.ports {
		cpu, err := b.ctrl.CPUInterface(core, port)
		if err != nil {
			return fmt.Errorf("board: %w", err)
		}
		b.cpus[core] = cpu
		cpus[core] = cpu
	}

	b.installHandlers()

	shared := make([]irq.ID, 0, len(b.cfg.GIC.Shared)+1)
	if b.cfg.UART.Interrupts {
		shared = append(shared, irq.ID(b.cfg.UART.IRQ))
	}
	if b.cfg.RTC.Alarm > 0 {
		shared = append(shared, irq.ID(b.cfg.RTC.IRQ))
	}
	for _, id := range b.cfg.GIC.Shared {
		shared = append(shared, irq.ID(id))
	}
	err = irq.BringUp(ctx, irq.Plan{
		Distributor: dist,
		CPUs:        cpus,
		Private:     []irq.ID{irq.ID(b.cfg.Timer.ID)},
		Shared:      shared,
		Logger:      b.log,
	})
	if err != nil {
		return fmt.Errorf("board: %w", err)
	}

	if b.cfg.UART.Interrupts {
		if err := b.console.EnableInterrupts(uart.TXInterrupt); err != nil {
			return fmt.Errorf("board: %w", err)
		}
	}
	if b.cfg.RTC.Alarm > 0 {
		if err := armAlarm(b.ports[0], b.cfg.RTC.Base, b.cfg.RTC.Alarm); err != nil {
			return fmt.Errorf("board: %w", err)
		}
	}
	for core := range b.ports {
		if err := b.timer.Arm(core, b.cfg.Timer.Period); err != nil {
			return fmt.Errorf("board: %w", err)
		}
	}
	b.up = true
	return nil
}

func (b *Board) installHandlers() {
	irq.RegisterTimer(b.registry, func() { b.timers.Add(1) })
	if id := irq.ID(b.cfg.Timer.ID); id != irq.PhysicalTimer && id != irq.VirtualTimer {
		b.registry.Register(id, irq.Func(func() { b.timers.Add(1) }))
	}
	for id := irq.ID(0); id < irq.SGICount; id++ {
		b.registry.Register(id, irq.Func(func() { b.sgis.Add(1) }))
	}
	b.registry.Register(irq.ID(b.cfg.UART.IRQ), func(irq.Ack) error {
		if _, err := b.console.Acknowledge(); err != nil {
			return err
		}
		b.uartIRQs.Add(1)
		return nil
	})
	b.registry.Register(irq.ID(b.cfg.RTC.IRQ), func(irq.Ack) error {
		if err := rearmAlarm(b.ports[0], b.cfg.RTC.Base, b.cfg.RTC.Alarm); err != nil {
			return err
		}
		b.alarms.Add(1)
		return nil
	})
	for _, id := range b.cfg.GIC.Shared {
		b.registry.Register(irq.ID(id), irq.Func(func() { b.spis.Add(1) }))
	}
}

// Tick advances the machine by one step: scripted events for this tick are
// applied, devices are polled, and every core with a signalled interrupt
// drains its CPU interface.
func (b *Board) Tick(ctx context.Context) error {
	if !b.up {
		return fmt.Errorf("board: tick before bring-up")
	}
	b.tick++
	for _, ev := range b.cfg.Scenario {
		if ev.Tick != b.tick {
			continue
		}
		if err := b.apply(ev); err != nil {
			return fmt.Errorf("board: tick %d %s event: %w", b.tick, ev.Kind, err)
		}
	}
	if err := b.chipset.Poll(ctx); err != nil {
		return fmt.Errorf("board: poll: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	for core, cpu := range b.cpus {
		if !b.gic.Pending(core) {
			continue
		}
		g.Go(func() error {
			if _, err := b.dispatcher.Drain(cpu, maxDrain); err != nil {
				return fmt.Errorf("board: core %d: %w", core, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run calls Tick n times. progress, if not nil, is called after each tick.
func (b *Board) Run(ctx context.Context, n int, progress func()) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Tick(ctx); err != nil {
			return err
		}
		if progress != nil {
			progress()
		}
	}
	return nil
}

func (b *Board) apply(ev Event) error {
	switch ev.Kind {
	case EventTimer:
		return b.timer.Fire(ev.Core)
	case EventSGI:
		return b.cpus[ev.Core].SendSGI(irq.ID(ev.ID), ev.Targets, gicv2.SGIToList)
	case EventSPI:
		return b.dist.SetPending(irq.ID(ev.ID))
	case EventPrint:
		_, err := io.WriteString(b.console, ev.Text)
		return err
	default:
		return fmt.Errorf("unknown event kind %s", ev.Kind)
	}
}

// Ticks returns the number of completed ticks.
func (b *Board) Ticks() int { return b.tick }

// Counters returns the handler counters.
func (b *Board) Counters() Counters {
	return Counters{
		TimerTicks: b.timers.Load(),
		SGIs:       b.sgis.Load(),
		UARTIRQs:   b.uartIRQs.Load(),
		RTCAlarms:  b.alarms.Load(),
		SPIs:       b.spis.Load(),
	}
}

// Close stops the chipset.
func (b *Board) Close() error {
	return b.chipset.Stop()
}

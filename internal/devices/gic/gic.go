// Package gic implements an ARM Generic Interrupt Controller v2 as a chipset
// device: a shared distributor, a banked private line set and a CPU interface
// per core, with priority arbitration, preemption and split EOI/deactivate.
package gic

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/intc/internal/chipset"
)

// Default frame placement (QEMU virt).
const (
	DefaultDistBase = 0x08000000
	DefaultCPUBase  = 0x08010000

	DistSize = 0x10000
	CPUSize  = 0x2000
)

// Distributor register offsets.
const (
	gicdCTLR       = 0x000
	gicdTYPER      = 0x004
	gicdIIDR       = 0x008
	gicdIGROUPR    = 0x080
	gicdISENABLER  = 0x100
	gicdICENABLER  = 0x180
	gicdISPENDR    = 0x200
	gicdICPENDR    = 0x280
	gicdISACTIVER  = 0x300
	gicdICACTIVER  = 0x380
	gicdIPRIORITYR = 0x400
	gicdITARGETSR  = 0x800
	gicdICFGR      = 0xC00
	gicdSGIR       = 0xF00
)

// CPU interface register offsets.
const (
	giccCTLR  = 0x0000
	giccPMR   = 0x0004
	giccBPR   = 0x0008
	giccIAR   = 0x000C
	giccEOIR  = 0x0010
	giccRPR   = 0x0014
	giccHPPIR = 0x0018
	giccAPR   = 0x00D0
	giccIIDR  = 0x00FC
	giccDIR   = 0x1000
)

const (
	spuriousID   = 1023
	idMask       = 0x3ff
	privateLines = 32
	sgiLines     = 16
	idlePriority = 0xff

	gicdIIDRValue = 0x0200043B
	giccIIDRValue = 0x0202043B

	giccCtlrEnable    = 1 << 0
	giccCtlrEOIModeS  = 1 << 9
	giccCtlrEOIModeNS = 1 << 10
	giccCtlrMask      = 0x7ff
)

// Config sizes the controller.
type Config struct {
	DistBase uint64
	CPUBase  uint64
	// Lines is rounded up to a multiple of 32 and capped at 1024.
	Lines int
	// CPUs is between 1 and 8.
	CPUs int
}

type line struct {
	enabled  bool
	latched  bool // pending from an edge or a software write
	level    bool // input level for level-sensitive lines
	active   bool
	edge     bool
	group    bool
	priority uint8
	targets  uint8
}

func (l *line) pending() bool {
	return l.latched || (!l.edge && l.level)
}

type running struct {
	id       uint32
	priority uint8
}

type cpuInterface struct {
	ctlr uint32
	pmr  uint32
	bpr  uint32
	apr  [4]uint32

	// stack of acknowledged interrupts whose priority has not been dropped
	stack []running

	private [privateLines]line
	// sgiSources[id] is the bitmask of cores with an SGI id pending here.
	sgiSources [sgiLines]uint8
}

// GIC is the emulated controller.
type GIC struct {
	mu sync.Mutex

	distBase uint64
	cpuBase  uint64
	nrLines  int

	ctlr   uint32
	shared []line
	cpus   []cpuInterface

	lines *chipset.LineSet
}

// New creates a controller from cfg.
func New(cfg Config) (*GIC, error) {
	if cfg.CPUs < 1 || cfg.CPUs > 8 {
		return nil, fmt.Errorf("gic: %d cpus out of range 1-8", cfg.CPUs)
	}
	lines := (cfg.Lines + 31) &^ 31
	if lines < privateLines {
		lines = privateLines
	}
	if lines > 1024 {
		return nil, fmt.Errorf("gic: %d lines exceeds 1024", cfg.Lines)
	}
	g := &GIC{
		distBase: cfg.DistBase,
		cpuBase:  cfg.CPUBase,
		nrLines:  lines,
		shared:   make([]line, lines-privateLines),
		cpus:     make([]cpuInterface, cfg.CPUs),
	}
	g.reset()
	return g, nil
}

// AttachLineSet lets the controller announce deactivations to line owners.
func (g *GIC) AttachLineSet(lines *chipset.LineSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lines = lines
}

// Lines returns the number of implemented interrupt ids.
func (g *GIC) Lines() int { return g.nrLines }

// CPUs returns the number of implemented CPU interfaces.
func (g *GIC) CPUs() int { return len(g.cpus) }

// Start implements chipset.ChangeDeviceState.
func (g *GIC) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (g *GIC) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (g *GIC) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reset()
	return nil
}

func (g *GIC) reset() {
	g.ctlr = 0
	for i := range g.shared {
		g.shared[i] = line{}
	}
	for c := range g.cpus {
		cpu := &g.cpus[c]
		*cpu = cpuInterface{bpr: 2}
		for id := 0; id < sgiLines; id++ {
			cpu.private[id].edge = true
		}
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (g *GIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{
			{Address: g.distBase, Size: DistSize},
			{Address: g.cpuBase, Size: CPUSize},
		},
		Handler: g,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (g *GIC) SupportsPollDevice() *chipset.PollDevice {
	return nil
}

// lineFor returns the state of id as seen by cpu, or nil if unimplemented.
func (g *GIC) lineFor(cpu int, id uint32) *line {
	if id < privateLines {
		return &g.cpus[cpu].private[id]
	}
	if int(id) >= g.nrLines || id >= 1020 {
		return nil
	}
	return &g.shared[id-privateLines]
}

func (g *GIC) checkCPU(cpu int) error {
	if cpu < 0 || cpu >= len(g.cpus) {
		return fmt.Errorf("gic: access from unimplemented cpu %d", cpu)
	}
	return nil
}

// ReadMMIO implements chipset.MmioHandler.
func (g *GIC) ReadMMIO(ctx chipset.AccessContext, addr uint64, data []byte) error {
	if err := g.checkCPU(ctx.CPU); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	switch len(data) {
	case 4:
		if addr%4 != 0 {
			return fmt.Errorf("gic: unaligned read at 0x%x", addr)
		}
		v, err := g.readWord(ctx.CPU, addr)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(data, v)
	case 1:
		if !g.byteAccessible(addr) {
			return fmt.Errorf("gic: byte read of word register 0x%x", addr)
		}
		v, err := g.readWord(ctx.CPU, addr&^3)
		if err != nil {
			return err
		}
		data[0] = byte(v >> (8 * (addr & 3)))
	default:
		return fmt.Errorf("gic: unsupported read size %d", len(data))
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (g *GIC) WriteMMIO(ctx chipset.AccessContext, addr uint64, data []byte) error {
	if err := g.checkCPU(ctx.CPU); err != nil {
		return err
	}
	g.mu.Lock()
	var retired []uint32
	var err error
	switch len(data) {
	case 4:
		if addr%4 != 0 {
			err = fmt.Errorf("gic: unaligned write at 0x%x", addr)
			break
		}
		retired, err = g.writeWord(ctx.CPU, addr, binary.LittleEndian.Uint32(data))
	case 1:
		if !g.byteAccessible(addr) {
			err = fmt.Errorf("gic: byte write of word register 0x%x", addr)
			break
		}
		g.writeByte(ctx.CPU, addr, data[0])
	default:
		err = fmt.Errorf("gic: unsupported write size %d", len(data))
	}
	lines := g.lines
	g.mu.Unlock()

	// Owners react to retirement by changing line levels, which re-enters
	// the controller, so notify outside the lock.
	if lines != nil {
		for _, id := range retired {
			lines.BroadcastEOI(ctx.CPU, id)
		}
	}
	return err
}

func (g *GIC) byteAccessible(addr uint64) bool {
	if addr < g.distBase || addr >= g.distBase+DistSize {
		return false
	}
	off := addr - g.distBase
	return (off >= gicdIPRIORITYR && off < gicdIPRIORITYR+0x400) ||
		(off >= gicdITARGETSR && off < gicdITARGETSR+0x400)
}

func (g *GIC) readWord(cpu int, addr uint64) (uint32, error) {
	switch {
	case addr >= g.distBase && addr < g.distBase+DistSize:
		return g.readDist(cpu, addr-g.distBase), nil
	case addr >= g.cpuBase && addr < g.cpuBase+CPUSize:
		return g.readCPU(cpu, addr-g.cpuBase), nil
	}
	return 0, fmt.Errorf("gic: address 0x%x out of bounds", addr)
}

func (g *GIC) writeWord(cpu int, addr uint64, v uint32) ([]uint32, error) {
	switch {
	case addr >= g.distBase && addr < g.distBase+DistSize:
		g.writeDist(cpu, addr-g.distBase, v)
		return nil, nil
	case addr >= g.cpuBase && addr < g.cpuBase+CPUSize:
		return g.writeCPU(cpu, addr-g.cpuBase, v), nil
	}
	return nil, fmt.Errorf("gic: address 0x%x out of bounds", addr)
}

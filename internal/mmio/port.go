// Package mmio provides the 32-bit register access abstraction used by the
// interrupt-controller drivers, and a few implementations of it.
package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/intc/internal/chipset"
)

// Port is a strongly ordered, uncached 32-bit register window.
type Port interface {
	Read32(addr uint64) (uint32, error)
	Write32(addr uint64, value uint32) error
}

var errUnmapped = errors.New("no device mapped")

// FaultError reports a register access that the bus could not complete.
type FaultError struct {
	Addr  uint64
	Write bool
	Err   error
}

func (e *FaultError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("mmio: %s fault at 0x%x: %v", op, e.Addr, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Bus is the subset of *chipset.Chipset a BusPort needs.
type Bus interface {
	HandleMMIO(ctx chipset.AccessContext, addr uint64, data []byte, isWrite bool) error
}

// BusPort issues accesses on a chipset bus on behalf of one core.
type BusPort struct {
	bus Bus
	cpu int
}

// NewBusPort returns a Port that performs accesses as cpu.
func NewBusPort(bus Bus, cpu int) *BusPort {
	return &BusPort{bus: bus, cpu: cpu}
}

// CPU returns the core this port accesses the bus as.
func (p *BusPort) CPU() int { return p.cpu }

// Read32 implements Port.
func (p *BusPort) Read32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := p.bus.HandleMMIO(chipset.AccessContext{CPU: p.cpu}, addr, buf[:], false); err != nil {
		return 0, &FaultError{Addr: addr, Err: err}
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 implements Port.
func (p *BusPort) Write32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := p.bus.HandleMMIO(chipset.AccessContext{CPU: p.cpu}, addr, buf[:], true); err != nil {
		return &FaultError{Addr: addr, Write: true, Err: err}
	}
	return nil
}

// Window routes one address range to a Port.
type Window struct {
	Base uint64
	Size uint64
	Port Port
}

// Mux is a Port made of non-overlapping windows.
type Mux []Window

func (m Mux) find(addr uint64) (Port, bool) {
	for _, w := range m {
		if addr >= w.Base && addr+4 <= w.Base+w.Size {
			return w.Port, true
		}
	}
	return nil, false
}

// Read32 implements Port.
func (m Mux) Read32(addr uint64) (uint32, error) {
	p, ok := m.find(addr)
	if !ok {
		return 0, &FaultError{Addr: addr, Err: errUnmapped}
	}
	return p.Read32(addr)
}

// Write32 implements Port.
func (m Mux) Write32(addr uint64, value uint32) error {
	p, ok := m.find(addr)
	if !ok {
		return &FaultError{Addr: addr, Write: true, Err: errUnmapped}
	}
	return p.Write32(addr, value)
}

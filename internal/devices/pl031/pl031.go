// Package pl031 implements the ARM PrimeCell PL031 real time clock as an
// alarm source. The counter advances one second per poll tick, so alarms
// land on deterministic ticks.
package pl031

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/intc/internal/chipset"
)

// PL031 register offsets
const (
	PL031_DR   = 0x00 // Data Register (RO) - current counter value
	PL031_MR   = 0x04 // Match Register (RW)
	PL031_LR   = 0x08 // Load Register (RW)
	PL031_CR   = 0x0C // Control Register (RW)
	PL031_IMSC = 0x10 // Interrupt Mask Set/Clear (RW)
	PL031_RIS  = 0x14 // Raw Interrupt Status (RO)
	PL031_MIS  = 0x18 // Masked Interrupt Status (RO)
	PL031_ICR  = 0x1C // Interrupt Clear Register (WO)

	PL031_PERIPH_ID0 = 0xFE0
	PL031_PERIPH_ID1 = 0xFE4
	PL031_PERIPH_ID2 = 0xFE8
	PL031_PERIPH_ID3 = 0xFEC
	PL031_PCELL_ID0  = 0xFF0
	PL031_PCELL_ID1  = 0xFF4
	PL031_PCELL_ID2  = 0xFF8
	PL031_PCELL_ID3  = 0xFFC
)

const (
	PL031_CR_EN = 1 << 0 // RTC enable

	// PL031_INT_ALARM is the only interrupt bit.
	PL031_INT_ALARM = 1 << 0
)

// Default placement on QEMU virt; the RTC raises SPI 2 (id 34).
const (
	DefaultBase = 0x09010000
	DefaultSize = 0x1000
	DefaultIRQ  = 34
)

// PL031 is the emulated RTC.
type PL031 struct {
	mu sync.Mutex

	base uint64
	size uint64

	lr    uint32
	ticks uint32 // seconds since lr was loaded
	mr    uint32
	cr    uint32
	imsc  uint32
	ris   uint32

	irqLine chipset.LineInterrupt
}

// New creates an RTC at base. The counter starts enabled at zero.
func New(base uint64, irqLine chipset.LineInterrupt) *PL031 {
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}
	return &PL031{
		base:    base,
		size:    DefaultSize,
		cr:      PL031_CR_EN,
		irqLine: irqLine,
	}
}

// Start implements chipset.ChangeDeviceState.
func (p *PL031) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *PL031) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (p *PL031) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lr, p.ticks, p.mr, p.imsc, p.ris = 0, 0, 0, 0, 0
	p.cr = PL031_CR_EN
	p.updateInterrupt()
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *PL031) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{{Address: p.base, Size: p.size}},
		Handler: p,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (p *PL031) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: p}
}

// Poll advances the counter by one second and latches the alarm when the
// counter reaches the match value.
func (p *PL031) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cr&PL031_CR_EN == 0 {
		return nil
	}
	p.ticks++
	if p.mr != 0 && p.counter() == p.mr {
		p.ris |= PL031_INT_ALARM
		p.updateInterrupt()
	}
	return nil
}

func (p *PL031) counter() uint32 {
	return p.lr + p.ticks
}

// ReadMMIO implements chipset.MmioHandler.
func (p *PL031) ReadMMIO(ctx chipset.AccessContext, addr uint64, data []byte) error {
	if addr < p.base || addr+uint64(len(data)) > p.base+p.size {
		return fmt.Errorf("pl031: address 0x%x out of bounds", addr)
	}
	offset := addr - p.base
	for i := range data {
		data[i] = p.readByte(offset + uint64(i))
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (p *PL031) WriteMMIO(ctx chipset.AccessContext, addr uint64, data []byte) error {
	if addr < p.base || addr+uint64(len(data)) > p.base+p.size {
		return fmt.Errorf("pl031: address 0x%x out of bounds", addr)
	}
	offset := addr - p.base
	if len(data) != 4 || offset%4 != 0 {
		return fmt.Errorf("pl031: unsupported write of %d bytes at 0x%x", len(data), offset)
	}
	p.writeRegister(offset, binary.LittleEndian.Uint32(data))
	return nil
}

func (p *PL031) readByte(offset uint64) byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var value uint32
	switch offset &^ 3 {
	case PL031_DR:
		value = p.counter()
	case PL031_MR:
		value = p.mr
	case PL031_LR:
		value = p.lr
	case PL031_CR:
		value = p.cr
	case PL031_IMSC:
		value = p.imsc
	case PL031_RIS:
		value = p.ris
	case PL031_MIS:
		value = p.ris & p.imsc
	case PL031_PERIPH_ID0:
		value = 0x31
	case PL031_PERIPH_ID1:
		value = 0x10
	case PL031_PERIPH_ID2:
		value = 0x04
	case PL031_PCELL_ID0:
		value = 0x0D
	case PL031_PCELL_ID1:
		value = 0xF0
	case PL031_PCELL_ID2:
		value = 0x05
	case PL031_PCELL_ID3:
		value = 0xB1
	}
	return byte(value >> ((offset & 3) * 8))
}

func (p *PL031) writeRegister(offset uint64, value uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case PL031_MR:
		p.mr = value
	case PL031_LR:
		p.lr = value
		p.ticks = 0
	case PL031_CR:
		// The enable bit cannot be cleared once set.
		p.cr |= value & PL031_CR_EN
	case PL031_IMSC:
		p.imsc = value & PL031_INT_ALARM
		p.updateInterrupt()
	case PL031_ICR:
		p.ris &^= value
		p.updateInterrupt()
	}
}

func (p *PL031) updateInterrupt() {
	p.irqLine.SetLevel(p.ris&p.imsc != 0)
}

var (
	_ chipset.ChipsetDevice     = (*PL031)(nil)
	_ chipset.MmioHandler       = (*PL031)(nil)
	_ chipset.ChangeDeviceState = (*PL031)(nil)
)

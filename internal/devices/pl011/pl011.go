// Package pl011 implements the transmit side of an ARM PrimeCell PL011 UART.
package pl011

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/intc/internal/chipset"
)

const (
	pl011RegDR   = 0x00
	pl011RegRSR  = 0x04
	pl011RegFR   = 0x18
	pl011RegIBRD = 0x24
	pl011RegFBRD = 0x28
	pl011RegLCRH = 0x2c
	pl011RegCR   = 0x30
	pl011RegIFLS = 0x34
	pl011RegIMSC = 0x38
	pl011RegRIS  = 0x3c
	pl011RegMIS  = 0x40
	pl011RegICR  = 0x44
	pl011RegDMAC = 0x48

	pl011FlagTxFull  = 1 << 5
	pl011FlagRxEmpty = 1 << 4
	pl011FlagTxEmpty = 1 << 7

	pl011CrUARTEN = 1 << 0
	pl011CrTXE    = 1 << 8

	pl011IntTX = 1 << 5
)

// Default placement on QEMU virt; the UART raises SPI 1 (id 33).
const (
	DefaultBase = 0x09000000
	DefaultSize = 0x1000
	DefaultIRQ  = 33
)

// PL011 is the emulated UART. Bytes written to DR while the transmitter is
// enabled go to the output writer.
type PL011 struct {
	base uint64
	size uint64

	out io.Writer
	irq chipset.LineInterrupt

	mu    sync.Mutex
	cr    uint32
	lcrh  uint32
	ibrd  uint32
	fbrd  uint32
	ifls  uint32
	imsc  uint32
	ris   uint32
	dmacr uint32

	// busyReads makes FR report a full FIFO for that many reads after
	// each transmitted byte.
	busyReads int
	busy      int
	dropped   int
}

// New creates a UART at base writing to out.
func New(base uint64, out io.Writer, irqLine chipset.LineInterrupt) *PL011 {
	if out == nil {
		out = io.Discard
	}
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}
	return &PL011{
		base: base,
		size: DefaultSize,
		out:  out,
		irq:  irqLine,
	}
}

// SetBusyReads makes the transmit FIFO report full for n status reads after
// every byte.
func (p *PL011) SetBusyReads(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busyReads = n
}

// Dropped returns the number of bytes written while the transmitter was off.
func (p *PL011) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Start implements chipset.ChangeDeviceState.
func (p *PL011) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *PL011) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (p *PL011) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cr, p.lcrh, p.ibrd, p.fbrd, p.ifls, p.imsc, p.ris, p.dmacr = 0, 0, 0, 0, 0, 0, 0, 0
	p.busy = 0
	p.updateInterrupt()
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *PL011) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{{Address: p.base, Size: p.size}},
		Handler: p,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (p *PL011) SupportsPollDevice() *chipset.PollDevice { return nil }

// ReadMMIO implements chipset.MmioHandler.
func (p *PL011) ReadMMIO(ctx chipset.AccessContext, addr uint64, data []byte) error {
	if err := p.checkBounds(addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("pl011: unsupported read size %d", len(data))
	}

	p.mu.Lock()
	value := p.readRegister(addr - p.base)
	p.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:len(data)])
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (p *PL011) WriteMMIO(ctx chipset.AccessContext, addr uint64, data []byte) error {
	if err := p.checkBounds(addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("pl011: unsupported write size %d", len(data))
	}
	var value uint32
	for i := 0; i < len(data); i++ {
		value |= uint32(data[i]) << (8 * i)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeRegister(addr-p.base, value)
}

func (p *PL011) checkBounds(addr uint64, size int) error {
	if addr < p.base || addr+uint64(size) > p.base+p.size {
		return fmt.Errorf("pl011: access out of range (addr=0x%x size=%d)", addr, size)
	}
	return nil
}

func (p *PL011) readRegister(offset uint64) uint32 {
	switch offset {
	case pl011RegFR:
		if p.busy > 0 {
			p.busy--
			return pl011FlagTxFull | pl011FlagRxEmpty
		}
		return pl011FlagTxEmpty | pl011FlagRxEmpty
	case pl011RegIBRD:
		return p.ibrd
	case pl011RegFBRD:
		return p.fbrd
	case pl011RegLCRH:
		return p.lcrh
	case pl011RegCR:
		return p.cr
	case pl011RegIFLS:
		return p.ifls
	case pl011RegIMSC:
		return p.imsc
	case pl011RegRIS:
		return p.ris
	case pl011RegMIS:
		return p.ris & p.imsc
	case pl011RegDMAC:
		return p.dmacr
	default:
		return 0
	}
}

func (p *PL011) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case pl011RegDR:
		if p.cr&(pl011CrUARTEN|pl011CrTXE) != pl011CrUARTEN|pl011CrTXE {
			p.dropped++
			return nil
		}
		if _, err := p.out.Write([]byte{byte(value)}); err != nil {
			return fmt.Errorf("pl011: write output: %w", err)
		}
		p.busy = p.busyReads
		p.ris |= pl011IntTX
		p.updateInterrupt()
	case pl011RegRSR:
		// writes clear errors; no receive path is modelled
	case pl011RegIBRD:
		p.ibrd = value
	case pl011RegFBRD:
		p.fbrd = value
	case pl011RegLCRH:
		p.lcrh = value
	case pl011RegCR:
		p.cr = value
	case pl011RegIFLS:
		p.ifls = value
	case pl011RegIMSC:
		p.imsc = value & 0x7ff
		p.updateInterrupt()
	case pl011RegICR:
		p.ris &^= value
		p.updateInterrupt()
	case pl011RegDMAC:
		p.dmacr = value
	}
	return nil
}

func (p *PL011) updateInterrupt() {
	p.irq.SetLevel(p.ris&p.imsc != 0)
}

var _ chipset.ChipsetDevice = (*PL011)(nil)

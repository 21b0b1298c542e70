// Package uart drives a PL011 UART through an mmio.Port. It is transmit only
// and polls the FIFO status before every byte, which makes it usable before
// interrupts are set up.
package uart

import (
	"fmt"
	"sync"

	"github.com/tinyrange/intc/internal/mmio"
)

const (
	regDR    = 0x00
	regRSR   = 0x04
	regFR    = 0x18
	regLCRH  = 0x2c
	regCR    = 0x30
	regIMSC  = 0x38
	regMIS   = 0x40
	regICR   = 0x44
	frTXFF   = 1 << 5
	lcrhWLEN = 0x3 << 5
	crUARTEN = 1 << 0
	crTXE    = 1 << 8
	crRXE    = 1 << 9

	// TXInterrupt is the transmit bit in IMSC, MIS and ICR.
	TXInterrupt = 1 << 5
)

// DefaultSpin bounds how many status reads PutByte performs before giving up.
const DefaultSpin = 1 << 16

// UART is a PL011 transmitter.
type UART struct {
	port mmio.Port
	base uint64
	spin int

	mu sync.Mutex
}

// New returns a driver for the UART at base. Init must be called before
// writing.
func New(port mmio.Port, base uint64) *UART {
	return &UART{port: port, base: base, spin: DefaultSpin}
}

// SetSpin changes the FIFO polling bound. Zero or less means unbounded.
func (u *UART) SetSpin(n int) { u.spin = n }

// Init clears errors, disables the UART, selects 8N1 with the FIFO off and
// enables the transmitter and receiver.
func (u *UART) Init() error {
	steps := []struct {
		off uint64
		v   uint32
	}{
		{regRSR, 0},
		{regCR, 0},
		{regLCRH, lcrhWLEN},
		{regCR, crUARTEN | crTXE | crRXE},
	}
	for _, s := range steps {
		if err := u.port.Write32(u.base+s.off, s.v); err != nil {
			return fmt.Errorf("uart: init: %w", err)
		}
	}
	return nil
}

// PutByte waits for room in the transmit FIFO and sends b.
func (u *UART) PutByte(b byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.putByte(b)
}

func (u *UART) putByte(b byte) error {
	for i := 0; ; i++ {
		fr, err := u.port.Read32(u.base + regFR)
		if err != nil {
			return fmt.Errorf("uart: read status: %w", err)
		}
		if fr&frTXFF == 0 {
			break
		}
		if u.spin > 0 && i >= u.spin {
			return fmt.Errorf("uart: transmit fifo stuck full")
		}
	}
	if err := u.port.Write32(u.base+regDR, uint32(b)); err != nil {
		return fmt.Errorf("uart: write data: %w", err)
	}
	return nil
}

// Write implements io.Writer. The whole buffer is sent under one lock so
// concurrent log lines do not interleave.
func (u *UART) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, b := range p {
		if err := u.putByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// EnableInterrupts sets the interrupt mask.
func (u *UART) EnableInterrupts(mask uint32) error {
	if err := u.port.Write32(u.base+regIMSC, mask); err != nil {
		return fmt.Errorf("uart: set mask: %w", err)
	}
	return nil
}

// Acknowledge reads the masked status and clears every bit it reports. It
// returns the bits that were set.
func (u *UART) Acknowledge() (uint32, error) {
	mis, err := u.port.Read32(u.base + regMIS)
	if err != nil {
		return 0, fmt.Errorf("uart: read status: %w", err)
	}
	if mis == 0 {
		return 0, nil
	}
	if err := u.port.Write32(u.base+regICR, mis); err != nil {
		return 0, fmt.Errorf("uart: clear status: %w", err)
	}
	return mis, nil
}

package pl011

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/intc/internal/chipset"
)

type levelRecorder struct {
	levels []bool
}

func (r *levelRecorder) SetLevel(high bool) { r.levels = append(r.levels, high) }
func (r *levelRecorder) PulseInterrupt()    {}

func (r *levelRecorder) last() bool {
	if len(r.levels) == 0 {
		return false
	}
	return r.levels[len(r.levels)-1]
}

func write32(t *testing.T, p *PL011, off uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := p.WriteMMIO(chipset.AccessContext{}, DefaultBase+off, buf[:]); err != nil {
		t.Fatalf("write 0x%x: %v", off, err)
	}
}

func read32(t *testing.T, p *PL011, off uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := p.ReadMMIO(chipset.AccessContext{}, DefaultBase+off, buf[:]); err != nil {
		t.Fatalf("read 0x%x: %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func TestTransmitRequiresEnable(t *testing.T) {
	var out bytes.Buffer
	p := New(DefaultBase, &out, nil)

	write32(t, p, pl011RegDR, 'x')
	if out.Len() != 0 || p.Dropped() != 1 {
		t.Fatalf("disabled UART emitted %q, dropped %d", out.String(), p.Dropped())
	}

	write32(t, p, pl011RegCR, pl011CrUARTEN|pl011CrTXE)
	for _, b := range []byte("ok") {
		write32(t, p, pl011RegDR, uint32(b))
	}
	if out.String() != "ok" {
		t.Fatalf("output = %q", out.String())
	}
	if got := read32(t, p, pl011RegCR); got != pl011CrUARTEN|pl011CrTXE {
		t.Fatalf("CR = 0x%x", got)
	}
}

func TestBusyReads(t *testing.T) {
	p := New(DefaultBase, nil, nil)
	p.SetBusyReads(2)
	write32(t, p, pl011RegCR, pl011CrUARTEN|pl011CrTXE)

	if fr := read32(t, p, pl011RegFR); fr&pl011FlagTxFull != 0 {
		t.Fatalf("FIFO full before any transmit")
	}
	write32(t, p, pl011RegDR, 'a')
	for i := 0; i < 2; i++ {
		if fr := read32(t, p, pl011RegFR); fr&pl011FlagTxFull == 0 {
			t.Fatalf("read %d: FIFO not busy", i)
		}
	}
	if fr := read32(t, p, pl011RegFR); fr&pl011FlagTxFull != 0 || fr&pl011FlagTxEmpty == 0 {
		t.Fatalf("FIFO still busy: 0x%x", fr)
	}
}

func TestTransmitInterrupt(t *testing.T) {
	line := &levelRecorder{}
	p := New(DefaultBase, nil, line)
	write32(t, p, pl011RegCR, pl011CrUARTEN|pl011CrTXE)

	write32(t, p, pl011RegDR, 'a')
	if line.last() {
		t.Fatalf("masked interrupt raised the line")
	}
	if ris := read32(t, p, pl011RegRIS); ris&pl011IntTX == 0 {
		t.Fatalf("RIS = 0x%x", ris)
	}

	write32(t, p, pl011RegIMSC, pl011IntTX)
	if !line.last() {
		t.Fatalf("unmasking a raised interrupt left the line low")
	}
	if mis := read32(t, p, pl011RegMIS); mis != pl011IntTX {
		t.Fatalf("MIS = 0x%x", mis)
	}

	write32(t, p, pl011RegICR, pl011IntTX)
	if line.last() {
		t.Fatalf("ICR did not lower the line")
	}
	if mis := read32(t, p, pl011RegMIS); mis != 0 {
		t.Fatalf("MIS after clear = 0x%x", mis)
	}
}

func TestAccessChecks(t *testing.T) {
	p := New(DefaultBase, nil, nil)
	buf := make([]byte, 4)
	if err := p.ReadMMIO(chipset.AccessContext{}, DefaultBase+DefaultSize-2, buf); err == nil {
		t.Fatalf("expected error for access past the end")
	}
	if err := p.ReadMMIO(chipset.AccessContext{}, DefaultBase, make([]byte, 8)); err == nil {
		t.Fatalf("expected error for 8-byte access")
	}
	b := []byte{0}
	if err := p.ReadMMIO(chipset.AccessContext{}, DefaultBase+pl011RegFR, b); err != nil {
		t.Fatal(err)
	}
	if b[0]&pl011FlagRxEmpty == 0 {
		t.Fatalf("byte read of FR = 0x%x", b[0])
	}
}

func TestReset(t *testing.T) {
	line := &levelRecorder{}
	p := New(DefaultBase, nil, line)
	write32(t, p, pl011RegCR, pl011CrUARTEN|pl011CrTXE)
	write32(t, p, pl011RegIMSC, pl011IntTX)
	write32(t, p, pl011RegDR, 'a')
	if !line.last() {
		t.Fatalf("line not raised")
	}
	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	if line.last() || read32(t, p, pl011RegCR) != 0 || read32(t, p, pl011RegIMSC) != 0 {
		t.Fatalf("reset left state behind")
	}
}

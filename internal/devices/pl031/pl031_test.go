package pl031

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/intc/internal/chipset"
)

type level struct{ high bool }

func (l *level) SetLevel(high bool) { l.high = high }
func (l *level) PulseInterrupt()    {}

func write(t *testing.T, p *PL031, off uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := p.WriteMMIO(chipset.AccessContext{}, DefaultBase+off, buf[:]); err != nil {
		t.Fatalf("write 0x%x: %v", off, err)
	}
}

func read(t *testing.T, p *PL031, off uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := p.ReadMMIO(chipset.AccessContext{}, DefaultBase+off, buf[:]); err != nil {
		t.Fatalf("read 0x%x: %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func TestCounterFollowsPolls(t *testing.T) {
	p := New(DefaultBase, nil)
	write(t, p, PL031_LR, 100)
	for i := 0; i < 5; i++ {
		if err := p.Poll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if v := read(t, p, PL031_DR); v != 105 {
		t.Fatalf("DR = %d, want 105", v)
	}
	write(t, p, PL031_LR, 7)
	if v := read(t, p, PL031_DR); v != 7 {
		t.Fatalf("DR after load = %d", v)
	}
}

func TestAlarm(t *testing.T) {
	line := &level{}
	p := New(DefaultBase, line)
	write(t, p, PL031_MR, 2)
	write(t, p, PL031_IMSC, PL031_INT_ALARM)

	ctx := context.Background()
	p.Poll(ctx)
	if line.high || read(t, p, PL031_RIS) != 0 {
		t.Fatalf("alarm before match")
	}
	p.Poll(ctx)
	if !line.high || read(t, p, PL031_MIS) != PL031_INT_ALARM {
		t.Fatalf("alarm not raised at match")
	}
	// Stays latched past the match until cleared.
	p.Poll(ctx)
	if !line.high {
		t.Fatalf("alarm dropped without clear")
	}
	write(t, p, PL031_ICR, PL031_INT_ALARM)
	if line.high || read(t, p, PL031_RIS) != 0 {
		t.Fatalf("ICR did not clear the alarm")
	}
}

func TestMaskedAlarmKeepsRawStatus(t *testing.T) {
	line := &level{}
	p := New(DefaultBase, line)
	write(t, p, PL031_MR, 1)
	p.Poll(context.Background())
	if line.high {
		t.Fatalf("masked alarm raised the line")
	}
	if read(t, p, PL031_RIS) != PL031_INT_ALARM || read(t, p, PL031_MIS) != 0 {
		t.Fatalf("status = %x/%x", read(t, p, PL031_RIS), read(t, p, PL031_MIS))
	}
	write(t, p, PL031_IMSC, PL031_INT_ALARM)
	if !line.high {
		t.Fatalf("unmasking a raised alarm left the line low")
	}
}

func TestIdentification(t *testing.T) {
	p := New(DefaultBase, nil)
	ids := []uint32{
		read(t, p, PL031_PERIPH_ID0), read(t, p, PL031_PERIPH_ID1),
		read(t, p, PL031_PCELL_ID0), read(t, p, PL031_PCELL_ID3),
	}
	want := []uint32{0x31, 0x10, 0x0d, 0xb1}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("id registers = %x, want %x", ids, want)
		}
	}
	if err := p.WriteMMIO(chipset.AccessContext{}, DefaultBase+PL031_MR, []byte{1}); err == nil {
		t.Fatalf("byte write accepted")
	}
	if err := p.ReadMMIO(chipset.AccessContext{}, DefaultBase+DefaultSize, make([]byte, 4)); err == nil {
		t.Fatalf("read past the end accepted")
	}
}

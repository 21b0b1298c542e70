package uart

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/intc/internal/chipset"
	"github.com/tinyrange/intc/internal/devices/pl011"
	"github.com/tinyrange/intc/internal/mmio"
)

const base = pl011.DefaultBase

func newUART(t *testing.T) (*UART, *pl011.PL011, *mmio.Recorder, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	dev := pl011.New(base, &out, nil)
	b := chipset.NewBuilder()
	if err := b.RegisterDevice("uart", dev); err != nil {
		t.Fatal(err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	rec := mmio.NewRecorder(mmio.NewBusPort(cs, 0), 0)
	return New(rec, base), dev, rec, &out
}

func TestInitSequence(t *testing.T) {
	u, _, rec, _ := newUART(t)
	if err := u.Init(); err != nil {
		t.Fatal(err)
	}
	want := []mmio.Access{
		{Kind: mmio.KindWrite, Addr: base + regRSR, Value: 0},
		{Kind: mmio.KindWrite, Addr: base + regCR, Value: 0},
		{Kind: mmio.KindWrite, Addr: base + regLCRH, Value: 0x60},
		{Kind: mmio.KindWrite, Addr: base + regCR, Value: 0x301},
	}
	got := rec.Accesses()
	if len(got) != len(want) {
		t.Fatalf("accesses = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("access %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWritePollsBeforeEveryByte(t *testing.T) {
	u, dev, rec, out := newUART(t)
	if err := u.Init(); err != nil {
		t.Fatal(err)
	}
	dev.SetBusyReads(3)
	rec.Reset()

	n, err := fmt.Fprint(u, "hi")
	if err != nil || n != 2 {
		t.Fatalf("wrote %d, %v", n, err)
	}
	if out.String() != "hi" {
		t.Fatalf("output = %q", out.String())
	}
	// First byte: one status read. Second byte: three busy reads then one free.
	var reads int
	for _, a := range rec.Accesses() {
		if a.Kind == mmio.KindRead && a.Addr == base+regFR {
			reads++
		}
	}
	if reads != 5 {
		t.Fatalf("status reads = %d, want 5", reads)
	}
}

func TestPutByteGivesUpWhenStuck(t *testing.T) {
	u, dev, _, _ := newUART(t)
	if err := u.Init(); err != nil {
		t.Fatal(err)
	}
	dev.SetBusyReads(100)
	u.SetSpin(10)
	if err := u.PutByte('a'); err != nil {
		t.Fatal(err)
	}
	if err := u.PutByte('b'); err == nil {
		t.Fatalf("expected stuck FIFO error")
	}
}

func TestBytesBeforeInitAreDropped(t *testing.T) {
	u, dev, _, out := newUART(t)
	if err := u.PutByte('a'); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 || dev.Dropped() != 1 {
		t.Fatalf("output %q, dropped %d", out.String(), dev.Dropped())
	}
}

func TestAcknowledge(t *testing.T) {
	u, _, rec, _ := newUART(t)
	if err := u.Init(); err != nil {
		t.Fatal(err)
	}
	if err := u.EnableInterrupts(TXInterrupt); err != nil {
		t.Fatal(err)
	}
	if bits, err := u.Acknowledge(); err != nil || bits != 0 {
		t.Fatalf("idle acknowledge = 0x%x, %v", bits, err)
	}
	if err := u.PutByte('a'); err != nil {
		t.Fatal(err)
	}
	rec.Reset()
	bits, err := u.Acknowledge()
	if err != nil {
		t.Fatal(err)
	}
	if bits != TXInterrupt {
		t.Fatalf("acknowledged 0x%x", bits)
	}
	if w := rec.Writes(base + regICR); len(w) != 1 || w[0] != TXInterrupt {
		t.Fatalf("ICR writes %v", w)
	}
}

type brokenPort struct{}

var errBroken = errors.New("no device")

func (brokenPort) Read32(uint64) (uint32, error) { return 0, errBroken }
func (brokenPort) Write32(uint64, uint32) error  { return errBroken }

func TestErrorsWrapPortFaults(t *testing.T) {
	u := New(brokenPort{}, base)
	if err := u.Init(); !errors.Is(err, errBroken) {
		t.Fatalf("Init error = %v", err)
	}
	if n, err := u.Write([]byte("x")); n != 0 || !errors.Is(err, errBroken) {
		t.Fatalf("Write = %d, %v", n, err)
	}
}

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/intc/internal/irq"
)

func TestStyle(t *testing.T) {
	color := &printer{color: true}
	for _, sgr := range []string{sgrBold, sgrGreen, sgrRed, sgrDim} {
		got := color.style(sgr, "core")
		if !strings.HasPrefix(got, "\x1b[") || !strings.HasSuffix(got, ansi.ResetStyle) {
			t.Fatalf("style %q produced %q", sgr, got)
		}
		if ansi.Strip(got) != "core" {
			t.Fatalf("styled text %q strips to %q", got, ansi.Strip(got))
		}
	}
	if sgrBold != "\x1b[1m" {
		t.Fatalf("bold = %q", sgrBold)
	}
	plain := &printer{}
	if got := plain.style(sgrBold, "core"); got != "core" {
		t.Fatalf("colourless style = %q", got)
	}
}

func TestTableAlignsStyledCells(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf, color: true}
	p.table([][]string{
		{p.style(sgrBold, "CORE"), "STATE"},
		{"0", p.style(sgrGreen, "delivery")},
	})
	lines := strings.Split(strings.TrimRight(ansi.Strip(buf.String()), "\n"), "\n")
	want := []string{"CORE  STATE", "0     delivery"}
	if len(lines) != len(want) {
		t.Fatalf("table = %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("row %d = %q, want %q", i, lines[i], want[i])
		}
	}

	buf.Reset()
	p.color = false
	p.table([][]string{{sgrRed + "x" + ansi.ResetStyle, "y"}})
	if buf.String() != "x  y\n" {
		t.Fatalf("colourless table = %q", buf.String())
	}
}

func TestFormatIDs(t *testing.T) {
	if got := formatIDs(nil); got != "-" {
		t.Fatalf("empty = %q", got)
	}
	if got := formatIDs([]irq.ID{27, 30, 33}); got != "27,30,33" {
		t.Fatalf("ids = %q", got)
	}
}

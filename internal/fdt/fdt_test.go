package fdt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func sampleTree() *Node {
	return NewNode("",
		String("compatible", "linux,dummy-virt"),
		U32("#address-cells", 2),
		U32("#size-cells", 2),
	).Add(
		NewNode("intc@8000000",
			String("compatible", "arm,cortex-a15-gic"),
			U32("#interrupt-cells", 3),
			Empty("interrupt-controller"),
			U64("reg", 0x08000000, 0x10000, 0x08010000, 0x2000),
		),
		NewNode("chosen", String("stdout-path", "/pl011@9000000")),
	)
}

func TestRoundTrip(t *testing.T) {
	blob, err := Encode(sampleTree())
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.BigEndian.Uint32(blob); got != magic {
		t.Fatalf("magic = 0x%x", got)
	}
	if got := binary.BigEndian.Uint32(blob[4:]); int(got) != len(blob) {
		t.Fatalf("totalsize = %d, blob is %d bytes", got, len(blob))
	}
	if got := binary.BigEndian.Uint32(blob[20:]); got != version {
		t.Fatalf("version = %d", got)
	}

	root, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	compareNodes(t, "/", root, sampleTree())
}

func compareNodes(t *testing.T, path string, got, want *Node) {
	t.Helper()
	if len(got.Props) != len(want.Props) {
		t.Fatalf("%s: %d props, want %d", path, len(got.Props), len(want.Props))
	}
	for i, p := range want.Props {
		if got.Props[i].Name != p.Name || !bytes.Equal(got.Props[i].Value, p.Value) {
			t.Fatalf("%s: prop %d = %q %x, want %q %x", path, i, got.Props[i].Name, got.Props[i].Value, p.Name, p.Value)
		}
	}
	if len(got.Children) != len(want.Children) {
		t.Fatalf("%s: %d children, want %d", path, len(got.Children), len(want.Children))
	}
	for i, c := range want.Children {
		if got.Children[i].Name != c.Name {
			t.Fatalf("%s: child %d = %q, want %q", path, i, got.Children[i].Name, c.Name)
		}
		compareNodes(t, path+c.Name+"/", got.Children[i], c)
	}
}

func TestLookupAndDecodeValues(t *testing.T) {
	root := sampleTree()
	gic := root.Lookup("/intc@8000000")
	if gic == nil {
		t.Fatalf("intc node not found")
	}
	reg, ok := gic.Prop("reg")
	if !ok {
		t.Fatalf("reg missing")
	}
	cells, err := reg.Cells()
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{0, 0x08000000, 0, 0x10000, 0, 0x08010000, 0, 0x2000}
	if len(cells) != len(want) {
		t.Fatalf("cells = %x", cells)
	}
	for i := range want {
		if cells[i] != want[i] {
			t.Fatalf("cells = %x, want %x", cells, want)
		}
	}
	compat, _ := gic.Prop("compatible")
	if s := compat.Strings(); len(s) != 1 || s[0] != "arm,cortex-a15-gic" {
		t.Fatalf("compatible = %q", s)
	}
	if root.Lookup("/intc@8000000/missing") != nil {
		t.Fatalf("lookup of missing node succeeded")
	}
	if root.Lookup("/") != root {
		t.Fatalf("lookup of / did not return root")
	}
	if _, err := String("odd", "x").Cells(); err == nil {
		t.Fatalf("expected error decoding 2 bytes as cells")
	}
}

func TestEncodeRejectsMalformedTrees(t *testing.T) {
	dup := NewNode("", U32("a", 1), U32("a", 2))
	if _, err := Encode(dup); err == nil {
		t.Fatalf("duplicate property accepted")
	}
	unnamed := NewNode("").Add(NewNode(""))
	if _, err := Encode(unnamed); err == nil {
		t.Fatalf("unnamed child accepted")
	}
	if _, err := Encode(nil); err == nil {
		t.Fatalf("nil root accepted")
	}
}

func TestDecodeRejectsCorruptBlobs(t *testing.T) {
	blob, err := Encode(sampleTree())
	if err != nil {
		t.Fatal(err)
	}
	bad := append([]byte(nil), blob...)
	bad[0] = 0
	if _, err := Decode(bad); err == nil {
		t.Fatalf("bad magic accepted")
	}
	if _, err := Decode(blob[:len(blob)-8]); err == nil {
		t.Fatalf("truncated blob accepted")
	}
	if _, err := Decode(blob[:10]); err == nil {
		t.Fatalf("short header accepted")
	}
}

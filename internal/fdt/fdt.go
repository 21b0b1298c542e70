// Package fdt encodes and decodes flattened device tree blobs (version 17).
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Prop is one property. Value holds the big-endian encoded payload.
type Prop struct {
	Name  string
	Value []byte
}

// U32 builds a property of 32-bit cells.
func U32(name string, cells ...uint32) Prop {
	v := make([]byte, 4*len(cells))
	for i, c := range cells {
		binary.BigEndian.PutUint32(v[4*i:], c)
	}
	return Prop{Name: name, Value: v}
}

// U64 builds a property of 64-bit values, each as two cells.
func U64(name string, values ...uint64) Prop {
	v := make([]byte, 8*len(values))
	for i, x := range values {
		binary.BigEndian.PutUint64(v[8*i:], x)
	}
	return Prop{Name: name, Value: v}
}

// String builds a string-list property.
func String(name string, values ...string) Prop {
	var buf bytes.Buffer
	for _, s := range values {
		buf.WriteString(s)
		buf.WriteByte(0)
	}
	return Prop{Name: name, Value: buf.Bytes()}
}

// Empty builds a boolean property.
func Empty(name string) Prop {
	return Prop{Name: name}
}

// Cells decodes the value as 32-bit cells.
func (p Prop) Cells() ([]uint32, error) {
	if len(p.Value)%4 != 0 {
		return nil, fmt.Errorf("fdt: property %q is %d bytes, not a cell list", p.Name, len(p.Value))
	}
	out := make([]uint32, len(p.Value)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(p.Value[4*i:])
	}
	return out, nil
}

// Strings decodes the value as a string list.
func (p Prop) Strings() []string {
	if len(p.Value) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(p.Value), "\x00"), "\x00")
}

// Node is a device tree node. Properties keep their insertion order.
type Node struct {
	Name     string
	Props    []Prop
	Children []*Node
}

// NewNode returns a node with the given properties.
func NewNode(name string, props ...Prop) *Node {
	return &Node{Name: name, Props: props}
}

// Add appends children and returns n.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Prop returns the property called name.
func (n *Node) Prop(name string) (Prop, bool) {
	for _, p := range n.Props {
		if p.Name == name {
			return p, true
		}
	}
	return Prop{}, false
}

// Child returns the direct child called name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Lookup resolves a slash separated path below n.
func (n *Node) Lookup(path string) *Node {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if cur = cur.Child(part); cur == nil {
			return nil
		}
	}
	return cur
}

type encoder struct {
	structs bytes.Buffer
	strs    bytes.Buffer
	offsets map[string]uint32
}

// Encode serializes the tree rooted at root. The root's name is ignored.
func Encode(root *Node) ([]byte, error) {
	if root == nil {
		return nil, fmt.Errorf("fdt: nil root")
	}
	e := &encoder{offsets: make(map[string]uint32)}
	if err := e.node(root, true); err != nil {
		return nil, err
	}
	e.token(tokenEnd)
	return e.blob(), nil
}

func (e *encoder) node(n *Node, root bool) error {
	name := n.Name
	if root {
		name = ""
	} else if name == "" {
		return fmt.Errorf("fdt: unnamed node")
	}
	e.token(tokenBeginNode)
	e.structs.WriteString(name)
	e.structs.WriteByte(0)
	e.align()

	seen := make(map[string]bool, len(n.Props))
	for _, p := range n.Props {
		if seen[p.Name] {
			return fmt.Errorf("fdt: node %q: duplicate property %q", n.Name, p.Name)
		}
		seen[p.Name] = true
		e.token(tokenProp)
		e.u32(uint32(len(p.Value)))
		e.u32(e.stringOffset(p.Name))
		e.structs.Write(p.Value)
		e.align()
	}
	for _, c := range n.Children {
		if err := e.node(c, false); err != nil {
			return err
		}
	}
	e.token(tokenEndNode)
	return nil
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(e.strs.Len())
	e.strs.WriteString(name)
	e.strs.WriteByte(0)
	e.offsets[name] = off
	return off
}

func (e *encoder) token(t uint32) { e.u32(t) }

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.structs.Write(b[:])
}

func (e *encoder) align() {
	for e.structs.Len()%4 != 0 {
		e.structs.WriteByte(0)
	}
}

func (e *encoder) blob() []byte {
	const rsvmap = 16 // one empty reservation entry
	offStruct := headerSize + rsvmap
	offStrings := offStruct + e.structs.Len()
	total := offStrings + e.strs.Len()

	out := make([]byte, total)
	hdr := []uint32{
		magic,
		uint32(total),
		uint32(offStruct),
		uint32(offStrings),
		headerSize,
		version,
		lastCompVer,
		0,
		uint32(e.strs.Len()),
		uint32(e.structs.Len()),
	}
	for i, v := range hdr {
		binary.BigEndian.PutUint32(out[4*i:], v)
	}
	copy(out[offStruct:], e.structs.Bytes())
	copy(out[offStrings:], e.strs.Bytes())
	return out
}

// Decode parses a blob produced by Encode or by another FDT writer.
func Decode(blob []byte) (*Node, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("fdt: blob too short")
	}
	be := binary.BigEndian
	if be.Uint32(blob[0:]) != magic {
		return nil, fmt.Errorf("fdt: bad magic 0x%x", be.Uint32(blob[0:]))
	}
	total := be.Uint32(blob[4:])
	offStruct := be.Uint32(blob[8:])
	offStrings := be.Uint32(blob[12:])
	sizeStrings := be.Uint32(blob[32:])
	sizeStruct := be.Uint32(blob[36:])
	if uint64(total) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return nil, fmt.Errorf("fdt: header offsets out of range")
	}
	d := decoder{
		s:    blob[offStruct : offStruct+sizeStruct],
		strs: blob[offStrings : offStrings+sizeStrings],
	}
	return d.tree()
}

type decoder struct {
	s    []byte
	pos  int
	strs []byte
}

func (d *decoder) next() (uint32, error) {
	if d.pos+4 > len(d.s) {
		return 0, fmt.Errorf("fdt: truncated structure block")
	}
	v := binary.BigEndian.Uint32(d.s[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) skipAlign() {
	d.pos = (d.pos + 3) &^ 3
}

func (d *decoder) cstring(buf []byte, at int) (string, int, error) {
	end := bytes.IndexByte(buf[at:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("fdt: unterminated string")
	}
	return string(buf[at : at+end]), at + end + 1, nil
}

func (d *decoder) tree() (*Node, error) {
	var stack []*Node
	var root *Node
	for {
		tok, err := d.next()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenBeginNode:
			name, pos, err := d.cstring(d.s, d.pos)
			if err != nil {
				return nil, err
			}
			d.pos = pos
			d.skipAlign()
			n := &Node{Name: name}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("fdt: multiple root nodes")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case tokenEndNode:
			if len(stack) == 0 {
				return nil, fmt.Errorf("fdt: unbalanced end node")
			}
			stack = stack[:len(stack)-1]
		case tokenProp:
			if len(stack) == 0 {
				return nil, fmt.Errorf("fdt: property outside node")
			}
			size, err := d.next()
			if err != nil {
				return nil, err
			}
			nameOff, err := d.next()
			if err != nil {
				return nil, err
			}
			if d.pos+int(size) > len(d.s) || int(nameOff) >= len(d.strs) {
				return nil, fmt.Errorf("fdt: property out of range")
			}
			name, _, err := d.cstring(d.strs, int(nameOff))
			if err != nil {
				return nil, err
			}
			value := append([]byte(nil), d.s[d.pos:d.pos+int(size)]...)
			d.pos += int(size)
			d.skipAlign()
			n := stack[len(stack)-1]
			n.Props = append(n.Props, Prop{Name: name, Value: value})
		case tokenNop:
		case tokenEnd:
			if len(stack) != 0 || root == nil {
				return nil, fmt.Errorf("fdt: structure ended inside a node")
			}
			return root, nil
		default:
			return nil, fmt.Errorf("fdt: unknown token 0x%x", tok)
		}
	}
}

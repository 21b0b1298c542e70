package gic

// bitBank returns the first id covered by a 1-bit-per-line register at off
// relative to base, or false if off is outside the bank.
func bitBank(off, base uint64) (uint32, bool) {
	if off < base || off >= base+0x80 {
		return 0, false
	}
	return uint32(off-base) * 8, true
}

func (g *GIC) readDist(cpu int, off uint64) uint32 {
	switch off {
	case gicdCTLR:
		return g.ctlr
	case gicdTYPER:
		return uint32(g.nrLines/32-1) | uint32(len(g.cpus)-1)<<5
	case gicdIIDR:
		return gicdIIDRValue
	case gicdSGIR:
		return 0
	}

	if first, ok := bitBank(off, gicdIGROUPR); ok {
		return g.collectBits(cpu, first, func(l *line) bool { return l.group })
	}
	if first, ok := bitBank(off, gicdISENABLER); ok {
		return g.collectBits(cpu, first, func(l *line) bool { return l.enabled })
	}
	if first, ok := bitBank(off, gicdICENABLER); ok {
		return g.collectBits(cpu, first, func(l *line) bool { return l.enabled })
	}
	if first, ok := bitBank(off, gicdISPENDR); ok {
		return g.collectBits(cpu, first, func(l *line) bool { return l.pending() })
	}
	if first, ok := bitBank(off, gicdICPENDR); ok {
		return g.collectBits(cpu, first, func(l *line) bool { return l.pending() })
	}
	if first, ok := bitBank(off, gicdISACTIVER); ok {
		return g.collectBits(cpu, first, func(l *line) bool { return l.active })
	}
	if first, ok := bitBank(off, gicdICACTIVER); ok {
		return g.collectBits(cpu, first, func(l *line) bool { return l.active })
	}

	if off >= gicdIPRIORITYR && off < gicdIPRIORITYR+0x400 {
		first := uint32(off - gicdIPRIORITYR)
		return g.collectBytes(cpu, first, func(l *line) uint8 { return l.priority })
	}
	if off >= gicdITARGETSR && off < gicdITARGETSR+0x400 {
		first := uint32(off - gicdITARGETSR)
		if first < privateLines {
			// Private targets are read-only and report the reading core.
			self := uint32(1) << uint(cpu)
			return self | self<<8 | self<<16 | self<<24
		}
		return g.collectBytes(cpu, first, func(l *line) uint8 { return l.targets })
	}
	if off >= gicdICFGR && off < gicdICFGR+0x100 {
		first := uint32(off-gicdICFGR) * 4
		var v uint32
		for i := uint32(0); i < 16; i++ {
			if l := g.lineFor(cpu, first+i); l != nil && l.edge {
				v |= 0x2 << (2 * i)
			}
		}
		return v
	}
	return 0
}

func (g *GIC) collectBits(cpu int, first uint32, get func(*line) bool) uint32 {
	var v uint32
	for i := uint32(0); i < 32; i++ {
		if l := g.lineFor(cpu, first+i); l != nil && get(l) {
			v |= 1 << i
		}
	}
	return v
}

func (g *GIC) collectBytes(cpu int, first uint32, get func(*line) uint8) uint32 {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		if l := g.lineFor(cpu, first+i); l != nil {
			v |= uint32(get(l)) << (8 * i)
		}
	}
	return v
}

func (g *GIC) applyBits(cpu int, first uint32, v uint32, set func(*line)) {
	for i := uint32(0); i < 32; i++ {
		if v&(1<<i) == 0 {
			continue
		}
		if l := g.lineFor(cpu, first+i); l != nil {
			set(l)
		}
	}
}

func (g *GIC) writeDist(cpu int, off uint64, v uint32) {
	switch off {
	case gicdCTLR:
		g.ctlr = v & 0x3
		return
	case gicdSGIR:
		g.sendSGI(cpu, v)
		return
	}

	if first, ok := bitBank(off, gicdIGROUPR); ok {
		for i := uint32(0); i < 32; i++ {
			if l := g.lineFor(cpu, first+i); l != nil {
				l.group = v&(1<<i) != 0
			}
		}
		return
	}
	if first, ok := bitBank(off, gicdISENABLER); ok {
		g.applyBits(cpu, first, v, func(l *line) { l.enabled = true })
		return
	}
	if first, ok := bitBank(off, gicdICENABLER); ok {
		g.applyBits(cpu, first, v, func(l *line) { l.enabled = false })
		return
	}
	if first, ok := bitBank(off, gicdISPENDR); ok {
		g.applyBits(cpu, first, v, func(l *line) { l.latched = true })
		return
	}
	if first, ok := bitBank(off, gicdICPENDR); ok {
		g.applyBits(cpu, first, v, func(l *line) { l.latched = false })
		if first == 0 {
			for i := uint32(0); i < sgiLines; i++ {
				if v&(1<<i) != 0 {
					g.cpus[cpu].sgiSources[i] = 0
				}
			}
		}
		return
	}
	if first, ok := bitBank(off, gicdISACTIVER); ok {
		g.applyBits(cpu, first, v, func(l *line) { l.active = true })
		return
	}
	if first, ok := bitBank(off, gicdICACTIVER); ok {
		g.applyBits(cpu, first, v, func(l *line) { l.active = false })
		return
	}

	if off >= gicdIPRIORITYR && off < gicdIPRIORITYR+0x400 ||
		off >= gicdITARGETSR && off < gicdITARGETSR+0x400 {
		for i := uint64(0); i < 4; i++ {
			g.writeByte(cpu, g.distBase+off+i, byte(v>>(8*i)))
		}
		return
	}
	if off >= gicdICFGR && off < gicdICFGR+0x100 {
		first := uint32(off-gicdICFGR) * 4
		for i := uint32(0); i < 16; i++ {
			id := first + i
			if id < sgiLines {
				continue
			}
			if l := g.lineFor(cpu, id); l != nil {
				l.edge = v&(0x2<<(2*i)) != 0
			}
		}
	}
}

// writeByte handles the byte-addressable priority and target banks.
func (g *GIC) writeByte(cpu int, addr uint64, b byte) {
	off := addr - g.distBase
	switch {
	case off >= gicdIPRIORITYR && off < gicdIPRIORITYR+0x400:
		if l := g.lineFor(cpu, uint32(off-gicdIPRIORITYR)); l != nil {
			l.priority = b
		}
	case off >= gicdITARGETSR && off < gicdITARGETSR+0x400:
		id := uint32(off - gicdITARGETSR)
		if id < privateLines {
			return
		}
		if l := g.lineFor(cpu, id); l != nil {
			l.targets = b & g.cpuMask()
		}
	}
}

func (g *GIC) cpuMask() uint8 {
	return uint8(1<<uint(len(g.cpus)) - 1)
}

func (g *GIC) sendSGI(cpu int, v uint32) {
	id := v & 0xf
	var targets uint8
	switch (v >> 24) & 0x3 {
	case 0:
		targets = uint8(v >> 16)
	case 1:
		targets = g.cpuMask() &^ (1 << uint(cpu))
	case 2:
		targets = 1 << uint(cpu)
	default:
		return
	}
	targets &= g.cpuMask()
	for c := range g.cpus {
		if targets&(1<<uint(c)) != 0 {
			g.cpus[c].sgiSources[id] |= 1 << uint(cpu)
			g.cpus[c].private[id].latched = true
		}
	}
}

package gic

// groupPriority masks off the subpriority bits selected by the binary point.
// With BPR=0 only bit 0 is subpriority.
func groupPriority(p uint8, bpr uint32) uint8 {
	return p &^ uint8(1<<(bpr+1)-1)
}

func (c *cpuInterface) runningPriority() uint8 {
	if len(c.stack) == 0 {
		return idlePriority
	}
	return c.stack[len(c.stack)-1].priority
}

// highestPending selects the line cpu would acknowledge next. Ties on
// priority go to the lowest id. It returns spuriousID when nothing can be
// signalled.
func (g *GIC) highestPending(cpu int) (uint32, *line) {
	iface := &g.cpus[cpu]
	if g.ctlr&0x1 == 0 || iface.ctlr&giccCtlrEnable == 0 {
		return spuriousID, nil
	}

	best := uint32(spuriousID)
	var bestLine *line
	consider := func(id uint32, l *line) {
		if !l.enabled || l.active || !l.pending() {
			return
		}
		if bestLine == nil || l.priority < bestLine.priority {
			best, bestLine = id, l
		}
	}
	for id := uint32(0); id < privateLines; id++ {
		consider(id, &iface.private[id])
	}
	bit := uint8(1) << uint(cpu)
	for i := range g.shared {
		if g.shared[i].targets&bit != 0 {
			consider(uint32(i)+privateLines, &g.shared[i])
		}
	}
	if bestLine == nil {
		return spuriousID, nil
	}
	if uint32(bestLine.priority) >= iface.pmr {
		return spuriousID, nil
	}
	running := iface.runningPriority()
	if running != idlePriority && groupPriority(bestLine.priority, iface.bpr) >= groupPriority(running, iface.bpr) {
		return spuriousID, nil
	}
	return best, bestLine
}

func (g *GIC) acknowledge(cpu int) uint32 {
	iface := &g.cpus[cpu]
	id, l := g.highestPending(cpu)
	if l == nil {
		return spuriousID
	}
	raw := id
	if id < sgiLines {
		sources := iface.sgiSources[id]
		for src := uint32(0); src < 8; src++ {
			if sources&(1<<src) != 0 {
				raw |= src << 10
				sources &^= 1 << src
				break
			}
		}
		iface.sgiSources[id] = sources
		l.latched = sources != 0
	} else {
		l.latched = false
	}
	l.active = true
	iface.stack = append(iface.stack, running{id: id, priority: l.priority})
	return raw
}

// dropPriority removes id from the running stack.
func (iface *cpuInterface) dropPriority(id uint32) bool {
	for i := len(iface.stack) - 1; i >= 0; i-- {
		if iface.stack[i].id == id {
			iface.stack = append(iface.stack[:i], iface.stack[i+1:]...)
			return true
		}
	}
	return false
}

func (g *GIC) deactivate(cpu int, id uint32) bool {
	l := g.lineFor(cpu, id)
	if l == nil || !l.active {
		return false
	}
	l.active = false
	return true
}

func (g *GIC) readCPU(cpu int, off uint64) uint32 {
	iface := &g.cpus[cpu]
	switch off {
	case giccCTLR:
		return iface.ctlr
	case giccPMR:
		return iface.pmr
	case giccBPR:
		return iface.bpr
	case giccIAR:
		return g.acknowledge(cpu)
	case giccRPR:
		return uint32(iface.runningPriority())
	case giccHPPIR:
		id, _ := g.highestPending(cpu)
		return id
	case giccIIDR:
		return giccIIDRValue
	}
	if off >= giccAPR && off < giccAPR+16 {
		return iface.apr[(off-giccAPR)/4]
	}
	return 0
}

// writeCPU returns the ids deactivated by the write.
func (g *GIC) writeCPU(cpu int, off uint64, v uint32) []uint32 {
	iface := &g.cpus[cpu]
	switch off {
	case giccCTLR:
		iface.ctlr = v & giccCtlrMask
	case giccPMR:
		iface.pmr = v & 0xff
	case giccBPR:
		iface.bpr = v & 0x7
	case giccEOIR:
		id := v & idMask
		if !iface.dropPriority(id) {
			return nil
		}
		if iface.ctlr&(giccCtlrEOIModeS|giccCtlrEOIModeNS) == 0 && g.deactivate(cpu, id) {
			return []uint32{id}
		}
	case giccDIR:
		id := v & idMask
		if g.deactivate(cpu, id) {
			return []uint32{id}
		}
	default:
		if off >= giccAPR && off < giccAPR+16 {
			iface.apr[(off-giccAPR)/4] = v
		}
	}
	return nil
}

package irq

import (
	"sort"
	"sync"
)

// FoldAffinity collapses a target register word into a core mask.
//
// Read-only target registers report the reading core in one byte lane. The
// fold ORs the upper lanes down (>>16, then >>8) so that whichever lane is
// populated ends up in the low byte.
func FoldAffinity(word uint32) uint8 {
	word |= word >> 16
	word |= word >> 8
	return uint8(word)
}

// ProbeAffinity folds words in order and stops at the first non-zero result.
// It returns zero if every word folds to zero.
func ProbeAffinity(words []uint32) uint8 {
	for _, w := range words {
		if mask := FoldAffinity(w); mask != 0 {
			return mask
		}
	}
	return 0
}

// BroadcastTargets replicates a core mask into all four byte lanes of a
// target register word.
func BroadcastTargets(mask uint8) uint32 {
	w := uint32(mask)
	w |= w << 8
	w |= w << 16
	return w
}

// BroadcastPriority replicates a priority into all four byte lanes.
func BroadcastPriority(p Priority) uint32 {
	return BroadcastTargets(uint8(p))
}

// RoutingTable records the configuration software has programmed for each
// line. Writers are the distributor (init and reconfiguration) and each
// core's interface for its own private lines.
type RoutingTable struct {
	mu      sync.RWMutex
	shared  map[ID]LineConfig
	private map[int]map[ID]LineConfig
}

// NewRoutingTable returns an empty table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		shared:  make(map[ID]LineConfig),
		private: make(map[int]map[ID]LineConfig),
	}
}

// Set records cfg for a shared line.
func (t *RoutingTable) Set(id ID, cfg LineConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shared[id] = cfg
}

// Update applies fn to the recorded config for a shared line.
func (t *RoutingTable) Update(id ID, fn func(*LineConfig)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg := t.shared[id]
	fn(&cfg)
	t.shared[id] = cfg
}

// SetPrivate records cfg for a line banked on core.
func (t *RoutingTable) SetPrivate(core int, id ID, cfg LineConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bank := t.private[core]
	if bank == nil {
		bank = make(map[ID]LineConfig)
		t.private[core] = bank
	}
	bank[id] = cfg
}

// UpdatePrivate applies fn to the recorded config for a banked line.
func (t *RoutingTable) UpdatePrivate(core int, id ID, fn func(*LineConfig)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bank := t.private[core]
	if bank == nil {
		bank = make(map[ID]LineConfig)
		t.private[core] = bank
	}
	cfg := bank[id]
	fn(&cfg)
	bank[id] = cfg
}

// Lookup returns the config for id as seen from core. Private ids are looked
// up in core's bank.
func (t *RoutingTable) Lookup(core int, id ID) (LineConfig, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id.IsPrivate() {
		cfg, ok := t.private[core][id]
		return cfg, ok
	}
	cfg, ok := t.shared[id]
	return cfg, ok
}

// Shared returns the recorded shared line ids in ascending order.
func (t *RoutingTable) Shared() []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]ID, 0, len(t.shared))
	for id := range t.shared {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Enabled returns the enabled lines visible to core, ascending.
func (t *RoutingTable) Enabled(core int) []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []ID
	for id, cfg := range t.private[core] {
		if cfg.Enabled {
			ids = append(ids, id)
		}
	}
	for id, cfg := range t.shared {
		if cfg.Enabled && cfg.Targets&(1<<uint(core)) != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

package chipset

import "sync"

// PrivateInterruptSink is implemented by controllers that bank some lines per
// core (GIC PPIs). Lines allocated with AllocatePrivateLine are forwarded here.
type PrivateInterruptSink interface {
	SetPrivateIRQ(cpu int, line uint32, level bool)
}

// LineSet manages interrupt lines and EOI callbacks.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink

	lines map[lineKey]*lineState
	eoi   map[lineKey][]func()
}

// lineKey identifies a line; cpu is -1 for shared lines.
type lineKey struct {
	cpu  int
	line uint32
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[lineKey]*lineState),
		eoi:   make(map[lineKey][]func()),
	}
}

// AllocateLine returns a LineInterrupt handle for the given shared line.
func (l *LineSet) AllocateLine(line uint32) LineInterrupt {
	return l.allocate(lineKey{cpu: -1, line: line})
}

// AllocatePrivateLine returns a handle for a line banked on one core. If the
// sink does not bank lines the handle behaves like a shared line.
func (l *LineSet) AllocatePrivateLine(cpu int, line uint32) LineInterrupt {
	return l.allocate(lineKey{cpu: cpu, line: line})
}

func (l *LineSet) allocate(key lineKey) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[key]; !ok {
		l.lines[key] = &lineState{}
	}
	return &lineHandle{owner: l, key: key}
}

// RegisterEOICallback registers a callback run when the controller retires
// the given shared line.
func (l *LineSet) RegisterEOICallback(line uint32, fn func()) {
	l.registerEOI(lineKey{cpu: -1, line: line}, fn)
}

// RegisterPrivateEOICallback is RegisterEOICallback for a banked line.
func (l *LineSet) RegisterPrivateEOICallback(cpu int, line uint32, fn func()) {
	l.registerEOI(lineKey{cpu: cpu, line: line}, fn)
}

func (l *LineSet) registerEOI(key lineKey, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[key] = append(l.eoi[key], fn)
}

// BroadcastEOI notifies listeners that cpu retired line. Listeners on the
// shared line and on the cpu's banked copy both run.
func (l *LineSet) BroadcastEOI(cpu int, line uint32) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[lineKey{cpu: -1, line: line}]...)
	callbacks = append(callbacks, l.eoi[lineKey{cpu: cpu, line: line}]...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	key   lineKey
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.key, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.forward(h.key, true)
	h.owner.forward(h.key, false)
}

func (l *LineSet) setLevel(key lineKey, high bool) {
	l.mu.Lock()
	state := l.lines[key]
	if state == nil {
		state = &lineState{}
		l.lines[key] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.forward(key, high)
	}
}

func (l *LineSet) forward(key lineKey, high bool) {
	if key.cpu >= 0 {
		if private, ok := l.sink.(PrivateInterruptSink); ok {
			private.SetPrivateIRQ(key.cpu, key.line, high)
			return
		}
	}
	l.sink.SetIRQ(key.line, high)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}

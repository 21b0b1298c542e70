package mmio

import "sync"

// Kind distinguishes loads from stores in a recorded access.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindRead
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "invalid"
	}
}

// Access is one completed register access.
type Access struct {
	Kind  Kind
	CPU   int
	Addr  uint64
	Value uint32
}

// Recorder wraps a Port and remembers every access that went through it.
// Accesses can additionally be streamed to a TraceLog.
type Recorder struct {
	next Port
	cpu  int
	log  *TraceLog

	mu       sync.Mutex
	accesses []Access
}

// NewRecorder records accesses made through next. cpu is stamped on each record.
func NewRecorder(next Port, cpu int) *Recorder {
	return &Recorder{next: next, cpu: cpu}
}

// WithTrace streams every access to log as well.
func (r *Recorder) WithTrace(log *TraceLog) *Recorder {
	r.log = log
	return r
}

// Read32 implements Port.
func (r *Recorder) Read32(addr uint64) (uint32, error) {
	v, err := r.next.Read32(addr)
	if err != nil {
		return 0, err
	}
	r.record(Access{Kind: KindRead, CPU: r.cpu, Addr: addr, Value: v})
	return v, nil
}

// Write32 implements Port.
func (r *Recorder) Write32(addr uint64, value uint32) error {
	if err := r.next.Write32(addr, value); err != nil {
		return err
	}
	r.record(Access{Kind: KindWrite, CPU: r.cpu, Addr: addr, Value: value})
	return nil
}

func (r *Recorder) record(a Access) {
	r.mu.Lock()
	r.accesses = append(r.accesses, a)
	r.mu.Unlock()
	if r.log != nil {
		r.log.Record(a)
	}
}

// Accesses returns a copy of everything recorded so far.
func (r *Recorder) Accesses() []Access {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Access(nil), r.accesses...)
}

// Writes returns the values written to addr, in order.
func (r *Recorder) Writes(addr uint64) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint32
	for _, a := range r.accesses {
		if a.Kind == KindWrite && a.Addr == addr {
			out = append(out, a.Value)
		}
	}
	return out
}

// Reset forgets all recorded accesses.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accesses = r.accesses[:0]
}

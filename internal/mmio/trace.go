package mmio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// TraceLog is a thread-safe binary log of register accesses.
//
// Each record is a fixed 24 bytes:
//   - 2 bytes kind (0 = invalid, 1 = read, 2 = write)
//   - 2 bytes cpu
//   - 4 bytes value
//   - 8 bytes address
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Concurrent writers reserve space by atomically advancing the file offset,
// so records from different cores never interleave.
type TraceLog struct {
	w      TraceWriter
	offset atomic.Int64
	err    atomic.Pointer[error]
}

// TraceWriter is the storage a TraceLog writes to.
type TraceWriter interface {
	io.WriterAt
	io.Closer
}

const traceRecordSize = 24

// NewTraceLog writes records to w starting at offset zero.
func NewTraceLog(w TraceWriter) *TraceLog {
	return &TraceLog{w: w}
}

// CreateTraceFile truncates filename and returns a TraceLog writing to it.
func CreateTraceFile(filename string) (*TraceLog, error) {
	// Truncate to ensure successive runs don't leave stale trailing records.
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return NewTraceLog(f), nil
}

// Record appends one access. Write failures are sticky and reported by Close.
func (t *TraceLog) Record(a Access) {
	if t == nil {
		return
	}
	var rec [traceRecordSize]byte
	encodeRecord(rec[:], a, time.Now())
	off := t.offset.Add(traceRecordSize) - traceRecordSize
	if _, err := t.w.WriteAt(rec[:], off); err != nil {
		t.err.CompareAndSwap(nil, &err)
	}
}

// Len returns the number of records written.
func (t *TraceLog) Len() int {
	return int(t.offset.Load() / traceRecordSize)
}

// Close closes the underlying writer and returns the first write error, if any.
func (t *TraceLog) Close() error {
	var errs []error
	if p := t.err.Load(); p != nil {
		errs = append(errs, *p)
	}
	if err := t.w.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func encodeRecord(rec []byte, a Access, ts time.Time) {
	binary.LittleEndian.PutUint16(rec[0:2], uint16(a.Kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(a.CPU))
	binary.LittleEndian.PutUint32(rec[4:8], a.Value)
	binary.LittleEndian.PutUint64(rec[8:16], a.Addr)
	binary.LittleEndian.PutUint64(rec[16:24], uint64(ts.UnixNano()))
}

func decodeRecord(rec []byte) (Access, time.Time) {
	a := Access{
		Kind:  Kind(binary.LittleEndian.Uint16(rec[0:2])),
		CPU:   int(binary.LittleEndian.Uint16(rec[2:4])),
		Value: binary.LittleEndian.Uint32(rec[4:8]),
		Addr:  binary.LittleEndian.Uint64(rec[8:16]),
	}
	return a, time.Unix(0, int64(binary.LittleEndian.Uint64(rec[16:24])))
}

// ReadTrace calls fn for every record in r, in file order.
func ReadTrace(r io.Reader, fn func(ts time.Time, a Access) error) error {
	br := bufio.NewReader(r)
	var rec [traceRecordSize]byte
	for n := 0; ; n++ {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("mmio: trace record %d: %w", n, err)
		}
		a, ts := decodeRecord(rec[:])
		if a.Kind == KindInvalid {
			return fmt.Errorf("mmio: trace record %d: invalid kind", n)
		}
		if err := fn(ts, a); err != nil {
			return err
		}
	}
}

// TracePort streams every access made through it to a TraceLog without
// keeping history in memory.
type TracePort struct {
	next Port
	cpu  int
	log  *TraceLog
}

// NewTracePort returns a Port that logs accesses made as cpu to log.
func NewTracePort(next Port, cpu int, log *TraceLog) *TracePort {
	return &TracePort{next: next, cpu: cpu, log: log}
}

// Read32 implements Port.
func (p *TracePort) Read32(addr uint64) (uint32, error) {
	v, err := p.next.Read32(addr)
	if err != nil {
		return 0, err
	}
	p.log.Record(Access{Kind: KindRead, CPU: p.cpu, Addr: addr, Value: v})
	return v, nil
}

// Write32 implements Port.
func (p *TracePort) Write32(addr uint64, value uint32) error {
	if err := p.next.Write32(addr, value); err != nil {
		return err
	}
	p.log.Record(Access{Kind: KindWrite, CPU: p.cpu, Addr: addr, Value: value})
	return nil
}

//go:build linux

package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevMem maps a physical address window through /dev/mem. Accesses are
// performed as single aligned 32-bit loads and stores.
type DevMem struct {
	base uint64
	size uint64
	mem  []byte
	skew uint64
}

// OpenDevMem maps [base, base+size) of physical memory.
func OpenDevMem(base, size uint64) (*DevMem, error) {
	if size == 0 {
		return nil, fmt.Errorf("mmio: /dev/mem window at 0x%x has zero size", base)
	}
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open /dev/mem: %w", err)
	}
	defer f.Close()

	page := uint64(unix.Getpagesize())
	aligned := base &^ (page - 1)
	skew := base - aligned
	length := (skew + size + page - 1) &^ (page - 1)

	mem, err := unix.Mmap(int(f.Fd()), int64(aligned), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap 0x%x+0x%x: %w", aligned, length, err)
	}
	return &DevMem{base: base, size: size, mem: mem, skew: skew}, nil
}

func (d *DevMem) word(addr uint64) (*uint32, error) {
	if addr < d.base || addr+4 > d.base+d.size {
		return nil, &FaultError{Addr: addr, Err: fmt.Errorf("outside window 0x%x+0x%x", d.base, d.size)}
	}
	if addr%4 != 0 {
		return nil, &FaultError{Addr: addr, Err: fmt.Errorf("unaligned 32-bit access")}
	}
	off := d.skew + addr - d.base
	return (*uint32)(unsafe.Pointer(&d.mem[off])), nil
}

// Read32 implements Port.
func (d *DevMem) Read32(addr uint64) (uint32, error) {
	p, err := d.word(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// Write32 implements Port.
func (d *DevMem) Write32(addr uint64, value uint32) error {
	p, err := d.word(addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, value)
	return nil
}

// Close unmaps the window.
func (d *DevMem) Close() error {
	if d.mem == nil {
		return nil
	}
	err := unix.Munmap(d.mem)
	d.mem = nil
	return err
}

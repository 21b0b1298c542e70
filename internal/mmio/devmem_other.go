//go:build !linux

package mmio

import (
	"fmt"
	"runtime"
)

// DevMem is only available on Linux.
type DevMem struct{}

// OpenDevMem always fails on this platform.
func OpenDevMem(base, size uint64) (*DevMem, error) {
	return nil, fmt.Errorf("mmio: /dev/mem is not supported on %s", runtime.GOOS)
}

func (d *DevMem) Read32(addr uint64) (uint32, error) {
	return 0, &FaultError{Addr: addr, Err: fmt.Errorf("unsupported")}
}

func (d *DevMem) Write32(addr uint64, value uint32) error {
	return &FaultError{Addr: addr, Write: true, Err: fmt.Errorf("unsupported")}
}

func (d *DevMem) Close() error { return nil }

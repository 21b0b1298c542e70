package gicv2

import (
	"fmt"

	"github.com/tinyrange/intc/internal/irq"
	"github.com/tinyrange/intc/internal/mmio"
)

// Discover reads GICD_TYPER and derives the line and core counts. A port
// fault means the controller is missing or the address map is wrong; the
// returned error wraps irq.ErrControllerAbsent.
func Discover(port mmio.Port, layout Layout) (irq.Topology, error) {
	typer, err := port.Read32(layout.dist(GICD_TYPER))
	if err != nil {
		return irq.Topology{}, fmt.Errorf("gicv2: read GICD_TYPER: %w: %w", irq.ErrControllerAbsent, err)
	}
	return irq.Topology{
		Lines: int((typer&GICD_TYPE_LINE_NR)+1) * 32,
		Cores: int((typer&GICD_TYPE_CPU_NR)>>GICD_TYPE_CPU_NR_SHIFT) + 1,
	}, nil
}

// ProbeAffinity learns the calling core's target mask from the read-only
// GICD_ITARGETSR0..7 registers, which report the reading core rather than a
// stored value. The first register that folds to a non-zero mask wins; zero
// is returned on implementations that leave the registers empty.
func ProbeAffinity(port mmio.Port, layout Layout) (uint8, error) {
	for i := uint32(0); i < GICD_ITARGETSR_PROBE; i++ {
		word, err := port.Read32(layout.dist(GICD_ITARGETSR) + uint64(i)*4)
		if err != nil {
			return 0, fmt.Errorf("gicv2: read GICD_ITARGETSR%d: %w", i, err)
		}
		if mask := irq.FoldAffinity(word); mask != 0 {
			return mask, nil
		}
	}
	return 0, nil
}

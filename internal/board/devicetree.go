package board

import (
	"fmt"

	"github.com/tinyrange/intc/internal/fdt"
	"github.com/tinyrange/intc/internal/irq"
)

const (
	gicPhandle = 1

	// Interrupt specifier cells for arm,cortex-a15-gic.
	dtSPI       = 0
	dtPPI       = 1
	dtLevelHigh = 4
)

func (c Config) gicNodeName() string { return fmt.Sprintf("intc@%x", c.GIC.DistBase) }

func (c Config) uartNodeName() string { return fmt.Sprintf("pl011@%x", c.UART.Base) }

// DeviceTree describes the board's CPUs, interrupt controller, timer, UART
// and RTC as a device tree.
func (c Config) DeviceTree() *fdt.Node {
	root := fdt.NewNode("",
		fdt.String("compatible", "linux,dummy-virt"),
		fdt.U32("#address-cells", 2),
		fdt.U32("#size-cells", 2),
		fdt.U32("interrupt-parent", gicPhandle),
	)

	cpus := fdt.NewNode("cpus",
		fdt.U32("#address-cells", 1),
		fdt.U32("#size-cells", 0),
	)
	for i := 0; i < c.CPUs; i++ {
		cpus.Add(fdt.NewNode(fmt.Sprintf("cpu@%d", i),
			fdt.String("device_type", "cpu"),
			fdt.String("compatible", "arm,cortex-a57"),
			fdt.U32("reg", uint32(i)),
			fdt.String("enable-method", "psci"),
		))
	}

	intc := fdt.NewNode(c.gicNodeName(),
		fdt.String("compatible", "arm,cortex-a15-gic"),
		fdt.U32("#interrupt-cells", 3),
		fdt.Empty("interrupt-controller"),
		fdt.U64("reg", c.GIC.DistBase, 0x10000, c.GIC.CPUBase, 0x2000),
		fdt.U32("phandle", gicPhandle),
	)

	// PPI specifiers carry the set of cores in bits 8..15.
	ppiFlags := uint32(1<<c.CPUs-1)<<8 | dtLevelHigh
	ppi := func(id irq.ID) []uint32 {
		return []uint32{dtPPI, uint32(id) - 16, ppiFlags}
	}
	var timerCells []uint32
	for _, id := range []irq.ID{irq.SecurePhysicalTimer, irq.PhysicalTimer, irq.VirtualTimer, irq.HypervisorTimer} {
		timerCells = append(timerCells, ppi(id)...)
	}
	timer := fdt.NewNode("timer",
		fdt.String("compatible", "arm,armv8-timer"),
		fdt.U32("interrupts", timerCells...),
		fdt.Empty("always-on"),
	)

	serial := fdt.NewNode(c.uartNodeName(),
		fdt.String("compatible", "arm,pl011", "arm,primecell"),
		fdt.U64("reg", c.UART.Base, 0x1000),
		fdt.U32("interrupts", dtSPI, c.UART.IRQ-32, dtLevelHigh),
	)

	rtc := fdt.NewNode(fmt.Sprintf("pl031@%x", c.RTC.Base),
		fdt.String("compatible", "arm,pl031", "arm,primecell"),
		fdt.U64("reg", c.RTC.Base, 0x1000),
		fdt.U32("interrupts", dtSPI, c.RTC.IRQ-32, dtLevelHigh),
	)

	chosen := fdt.NewNode("chosen",
		fdt.String("stdout-path", "/"+c.uartNodeName()),
	)

	return root.Add(cpus, intc, timer, serial, rtc, chosen)
}

// DeviceTreeBlob encodes DeviceTree.
func (c Config) DeviceTreeBlob() ([]byte, error) {
	blob, err := fdt.Encode(c.DeviceTree())
	if err != nil {
		return nil, fmt.Errorf("board: device tree: %w", err)
	}
	return blob, nil
}

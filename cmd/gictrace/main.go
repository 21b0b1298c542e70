package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/intc/internal/irq/gicv2"
	"github.com/tinyrange/intc/internal/mmio"
)

func run() error {
	cpu := flag.Int("cpu", -1, "only show accesses made by this core (-1 for all)")
	writes := flag.Bool("writes", false, "only show writes")
	distBase := flag.Uint64("dist", gicv2.QEMUVirt.DistBase, "distributor base used to name registers")
	cpuBase := flag.Uint64("cpuif", gicv2.QEMUVirt.CPUBase, "cpu interface base used to name registers")
	limit := flag.Int("limit", 0, "stop after N entries (0 for unlimited)")
	count := flag.Bool("count", false, "print the number of matching records only")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `gictrace - print register access traces written by gicbringup -trace

USAGE:
  gictrace [flags] <filename>

OUTPUT FORMAT:
  TIMESTAMP cpuN read|write ADDRESS REGISTER VALUE

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	layout := gicv2.Layout{DistBase: *distBase, CPUBase: *cpuBase}
	n := 0
	errLimit := fmt.Errorf("limit reached")
	err = mmio.ReadTrace(f, func(ts time.Time, a mmio.Access) error {
		if *cpu >= 0 && a.CPU != *cpu {
			return nil
		}
		if *writes && a.Kind != mmio.KindWrite {
			return nil
		}
		n++
		if *count {
			return nil
		}
		name, ok := layout.Describe(a.Addr)
		if !ok {
			name = "-"
		}
		fmt.Printf("%s cpu%d %-5s 0x%08x %-16s 0x%08x\n",
			ts.Format(time.RFC3339Nano), a.CPU, a.Kind, a.Addr, name, a.Value)
		if *limit > 0 && n >= *limit {
			return errLimit
		}
		return nil
	})
	if err != nil && err != errLimit {
		return fmt.Errorf("read trace: %w", err)
	}
	if *count {
		fmt.Println(n)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gictrace: %v\n", err)
		os.Exit(1)
	}
}

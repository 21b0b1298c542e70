package irq

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Plan describes a full controller bring-up.
type Plan struct {
	// Distributor is initialized first, on the caller's goroutine, which
	// stands in for the primary core.
	Distributor Distributor
	// CPUs are initialized concurrently once the distributor is enabled.
	CPUs []CPUInterface
	// Private lines enabled on every core after its interface is up.
	Private []ID
	// Shared lines enabled on the distributor after all cores are up.
	Shared []ID

	Logger *slog.Logger
}

// BringUp runs the boot ordering: distributor on the primary core, then
// every core's CPU interface, then the line enables upper layers asked for.
// The first error aborts the remaining phases.
func BringUp(ctx context.Context, plan Plan) error {
	log := plan.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if plan.Distributor == nil {
		return fmt.Errorf("irq: bring-up plan has no distributor")
	}

	if err := plan.Distributor.Init(); err != nil {
		return fmt.Errorf("irq: distributor init: %w", err)
	}
	topo := plan.Distributor.Topology()
	log.Info("distributor enabled", "lines", topo.Lines, "cores", topo.Cores)

	if err := ctx.Err(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cpu := range plan.CPUs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := cpu.Init(); err != nil {
				return fmt.Errorf("irq: core %d cpu interface init: %w", cpu.Core(), err)
			}
			for _, id := range plan.Private {
				if err := cpu.EnableLine(id); err != nil {
					return fmt.Errorf("irq: core %d enable %s: %w", cpu.Core(), id, err)
				}
			}
			log.Debug("cpu interface enabled", "core", cpu.Core(), "private", len(plan.Private))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, id := range plan.Shared {
		if err := plan.Distributor.EnableLine(id); err != nil {
			return fmt.Errorf("irq: enable %s: %w", id, err)
		}
	}
	log.Info("interrupt controller up", "cores", len(plan.CPUs), "shared", len(plan.Shared))
	return nil
}

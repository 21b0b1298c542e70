package board

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/intc/internal/chipset"
	"github.com/tinyrange/intc/internal/devices/pl031"
	"github.com/tinyrange/intc/internal/mmio"
)

// lateLine forwards to a line bound after the device was created. Levels
// set before bind are dropped.
type lateLine struct {
	line atomic.Pointer[chipset.LineInterrupt]
}

func (l *lateLine) bind(line chipset.LineInterrupt) { l.line.Store(&line) }

func (l *lateLine) handle() chipset.LineInterrupt {
	return chipset.LineInterruptFromFunc(func(level bool) {
		if p := l.line.Load(); p != nil {
			(*p).SetLevel(level)
		}
	})
}

// armAlarm restarts the RTC counter at zero and unmasks a match every
// period seconds.
func armAlarm(port mmio.Port, base uint64, period uint32) error {
	steps := []struct {
		off uint64
		v   uint32
	}{
		{pl031.PL031_IMSC, 0},
		{pl031.PL031_ICR, pl031.PL031_INT_ALARM},
		{pl031.PL031_LR, 0},
		{pl031.PL031_MR, period},
		{pl031.PL031_CR, pl031.PL031_CR_EN},
		{pl031.PL031_IMSC, pl031.PL031_INT_ALARM},
	}
	for _, s := range steps {
		if err := port.Write32(base+s.off, s.v); err != nil {
			return fmt.Errorf("rtc: arm alarm: %w", err)
		}
	}
	return nil
}

// rearmAlarm clears the alarm and moves the match period seconds ahead.
func rearmAlarm(port mmio.Port, base uint64, period uint32) error {
	if err := port.Write32(base+pl031.PL031_ICR, pl031.PL031_INT_ALARM); err != nil {
		return fmt.Errorf("rtc: clear alarm: %w", err)
	}
	now, err := port.Read32(base + pl031.PL031_DR)
	if err != nil {
		return fmt.Errorf("rtc: read counter: %w", err)
	}
	if err := port.Write32(base+pl031.PL031_MR, now+period); err != nil {
		return fmt.Errorf("rtc: set match: %w", err)
	}
	return nil
}

package board

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes an emulated machine and the interrupt traffic to run on it.
type Config struct {
	Name  string      `yaml:"name"`
	CPUs  int         `yaml:"cpus"`
	GIC   GICConfig   `yaml:"gic"`
	UART  UARTConfig  `yaml:"uart"`
	RTC   RTCConfig   `yaml:"rtc"`
	Timer TimerConfig `yaml:"timer"`
	// Scenario is applied by Board.Tick, in order.
	Scenario []Event `yaml:"scenario,omitempty"`
}

// GICConfig places and sizes the interrupt controller.
type GICConfig struct {
	DistBase uint64 `yaml:"dist_base"`
	CPUBase  uint64 `yaml:"cpu_base"`
	Lines    int    `yaml:"lines"`
	// Shared lists extra SPIs enabled after bring-up.
	Shared []uint32 `yaml:"shared,omitempty"`
}

// UARTConfig places the PL011.
type UARTConfig struct {
	Base uint64 `yaml:"base"`
	IRQ  uint32 `yaml:"irq"`
	// Interrupts enables the transmit interrupt.
	Interrupts bool `yaml:"interrupts"`
	// BusyReads makes the FIFO report full after each byte.
	BusyReads int `yaml:"busy_reads,omitempty"`
}

// RTCConfig places the PL031 and sets its alarm.
type RTCConfig struct {
	Base uint64 `yaml:"base"`
	IRQ  uint32 `yaml:"irq"`
	// Alarm re-arms the RTC match every Alarm ticks; zero leaves the
	// alarm interrupt disabled.
	Alarm uint32 `yaml:"alarm"`
}

// TimerConfig configures the per-core timers.
type TimerConfig struct {
	ID uint32 `yaml:"id"`
	// Period in ticks; zero leaves the timers disarmed.
	Period uint64 `yaml:"period"`
}

// EventKind selects what an Event does.
type EventKind int

const (
	EventInvalid EventKind = iota
	// EventTimer fires Core's timer.
	EventTimer
	// EventSGI sends software interrupt ID from Core to Targets.
	EventSGI
	// EventSPI marks shared line ID pending.
	EventSPI
	// EventPrint writes Text to the console through the UART driver.
	EventPrint
)

var eventKindNames = map[EventKind]string{
	EventTimer: "timer",
	EventSGI:   "sgi",
	EventSPI:   "spi",
	EventPrint: "print",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// UnmarshalYAML implements yaml.Unmarshaler for EventKind.
func (k *EventKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	for kind, name := range eventKindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", s)
}

// MarshalYAML implements yaml.Marshaler for EventKind.
func (k EventKind) MarshalYAML() (any, error) {
	return k.String(), nil
}

// Event is one scripted stimulus.
type Event struct {
	Tick    int       `yaml:"tick"`
	Kind    EventKind `yaml:"kind"`
	Core    int       `yaml:"core"`
	ID      uint32    `yaml:"id,omitempty"`
	Targets uint8     `yaml:"targets,omitempty"`
	Text    string    `yaml:"text,omitempty"`
}

// Default returns the QEMU virt layout with two cores.
func Default() Config {
	return Config{
		Name: "virt",
		CPUs: 2,
		GIC: GICConfig{
			DistBase: 0x08000000,
			CPUBase:  0x08010000,
			Lines:    288,
		},
		UART: UARTConfig{
			Base: 0x09000000,
			IRQ:  33,
		},
		RTC: RTCConfig{
			Base: 0x09010000,
			IRQ:  34,
		},
		Timer: TimerConfig{
			ID:     30,
			Period: 4,
		},
	}
}

// Load reads a configuration file. Fields missing from the file keep their
// Default values.
func Load(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("board: read config: %w", err)
	}
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("board: %s: %w", filename, err)
	}
	return cfg, nil
}

// Decode parses a configuration on top of Default. Unknown keys are errors.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as YAML.
func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Validate checks the configuration for values the board cannot build.
func (c Config) Validate() error {
	var errs []error
	if c.CPUs < 1 || c.CPUs > 8 {
		errs = append(errs, fmt.Errorf("cpus %d out of range 1-8", c.CPUs))
	}
	if c.GIC.Lines < 32 || c.GIC.Lines > 1020 {
		errs = append(errs, fmt.Errorf("gic lines %d out of range 32-1020", c.GIC.Lines))
	}
	if c.GIC.DistBase == c.GIC.CPUBase {
		errs = append(errs, fmt.Errorf("gic distributor and cpu interface share base 0x%x", c.GIC.DistBase))
	}
	if c.Timer.ID < 16 || c.Timer.ID >= 32 {
		errs = append(errs, fmt.Errorf("timer id %d is not a PPI", c.Timer.ID))
	}
	if c.UART.IRQ < 32 || int(c.UART.IRQ) >= c.GIC.Lines {
		errs = append(errs, fmt.Errorf("uart irq %d is not an implemented SPI", c.UART.IRQ))
	}
	if c.RTC.IRQ < 32 || int(c.RTC.IRQ) >= c.GIC.Lines {
		errs = append(errs, fmt.Errorf("rtc irq %d is not an implemented SPI", c.RTC.IRQ))
	}
	if c.RTC.IRQ == c.UART.IRQ {
		errs = append(errs, fmt.Errorf("rtc and uart share irq %d", c.RTC.IRQ))
	}
	if c.RTC.Base == c.UART.Base {
		errs = append(errs, fmt.Errorf("rtc and uart share base 0x%x", c.RTC.Base))
	}
	for _, id := range c.GIC.Shared {
		if id < 32 || int(id) >= c.GIC.Lines {
			errs = append(errs, fmt.Errorf("shared line %d is not an implemented SPI", id))
		}
	}
	for i, ev := range c.Scenario {
		if err := c.validateEvent(ev); err != nil {
			errs = append(errs, fmt.Errorf("scenario[%d]: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("board: invalid config: %w", err)
	}
	return nil
}

func (c Config) validateEvent(ev Event) error {
	if ev.Tick < 0 {
		return fmt.Errorf("negative tick %d", ev.Tick)
	}
	if ev.Core < 0 || ev.Core >= c.CPUs {
		return fmt.Errorf("core %d out of range", ev.Core)
	}
	switch ev.Kind {
	case EventTimer, EventPrint:
	case EventSGI:
		if ev.ID >= 16 {
			return fmt.Errorf("sgi id %d out of range", ev.ID)
		}
	case EventSPI:
		if ev.ID < 32 || int(ev.ID) >= c.GIC.Lines {
			return fmt.Errorf("spi id %d out of range", ev.ID)
		}
	default:
		return fmt.Errorf("missing event kind")
	}
	return nil
}

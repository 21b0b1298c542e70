// Package irq is the controller-independent half of interrupt handling:
// line identities and attributes, the routing table, the handler registry,
// the dispatch protocol and the bring-up sequence. Controller generations
// (GICv2 today) live in subpackages and satisfy the interfaces here.
package irq

import (
	"errors"
	"fmt"
)

// ID is an interrupt line number as reported by the controller.
type ID uint32

const (
	// SGICount is the number of software-generated lines (0..15).
	SGICount = 16
	// PrivateCount is the number of per-core banked lines (SGIs and PPIs).
	PrivateCount = 32
	// FirstShared is the first globally routed line.
	FirstShared ID = PrivateCount

	// Spurious is acknowledged when nothing deliverable is pending.
	Spurious ID = 1023
	// firstSpecial is the lowest of the reserved ids 1020..1023.
	firstSpecial ID = 1020
)

// Timer PPIs on the ARM generic timer.
const (
	HypervisorTimer     ID = 26
	VirtualTimer        ID = 27
	SecurePhysicalTimer ID = 29
	PhysicalTimer       ID = 30
)

// IsSGI reports whether id is a software-generated line.
func (id ID) IsSGI() bool { return id < SGICount }

// IsPrivate reports whether id is banked per core.
func (id ID) IsPrivate() bool { return id < FirstShared }

// IsSpecial reports whether id is one of the reserved acknowledge values
// (1020..1023) that carry no interrupt.
func (id ID) IsSpecial() bool { return id >= firstSpecial }

func (id ID) String() string {
	switch {
	case id == Spurious:
		return "spurious"
	case id.IsSGI():
		return fmt.Sprintf("sgi%d", uint32(id))
	case id.IsPrivate():
		return fmt.Sprintf("ppi%d", uint32(id))
	default:
		return fmt.Sprintf("spi%d", uint32(id))
	}
}

// Trigger selects how a line asserts.
type Trigger uint8

const (
	TriggerLevel Trigger = iota
	TriggerEdge
)

func (t Trigger) String() string {
	if t == TriggerEdge {
		return "edge"
	}
	return "level"
}

// Group is the security group of a line.
type Group uint8

const (
	Group0 Group = iota
	Group1
)

// Priority orders lines; lower values are more urgent.
type Priority uint8

// DefaultPriority is programmed on every line at bring-up. Shared and
// private lines use the same value so they compare against each other.
const DefaultPriority Priority = 0xa0

// LineConfig is the software view of one interrupt line.
type LineConfig struct {
	Trigger  Trigger
	Priority Priority
	// Targets is the core affinity bitmask (bit n = core n).
	Targets uint8
	Group   Group
	Enabled bool
}

// LineState is LineConfig plus the transient state read back from hardware.
type LineState struct {
	LineConfig
	Pending bool
	Active  bool
}

// Topology is what discovery learns about a controller.
type Topology struct {
	// Lines is always a multiple of 32.
	Lines int
	Cores int
}

// Valid reports whether id names a line on this controller.
func (t Topology) Valid(id ID) bool {
	return int(id) < t.Lines && !id.IsSpecial()
}

// Ack is a pending acknowledgment: the id and the raw acknowledge word it was
// decoded from. The raw word must be handed back unchanged on retirement.
type Ack struct {
	ID  ID
	Raw uint32
}

// Spurious reports whether the acknowledge carried no interrupt.
func (a Ack) Spurious() bool { return a.ID.IsSpecial() }

var (
	// ErrControllerAbsent is returned when discovery cannot read the
	// controller. Bring-up must abort.
	ErrControllerAbsent = errors.New("interrupt controller absent")

	ErrDistributorNotReady = errors.New("distributor not enabled")
	ErrDistributorClaimed  = errors.New("distributor already claimed")
	ErrCoreClaimed         = errors.New("cpu interface already claimed")
	ErrAlreadyAcknowledged = errors.New("interrupt acknowledged twice without retirement")
	ErrNotAcknowledged     = errors.New("interrupt retired without acknowledge")
	ErrPrivateLine         = errors.New("line is banked per core")
	ErrSharedLine          = errors.New("line is shared")
	ErrInvalidLine         = errors.New("line out of range")
	ErrInvalidCore         = errors.New("core not implemented by the controller")
)

// Distributor is the shared half of a controller. Exactly one handle exists
// per controller and it must be initialized before any CPUInterface.
type Distributor interface {
	Init() error
	Topology() Topology
	EnableLine(id ID) error
	DisableLine(id ID) error
}

// CPUInterface is the per-core half of a controller. A value must only be
// used by the core it belongs to.
type CPUInterface interface {
	Core() int
	Init() error
	EnableLine(id ID) error
	DisableLine(id ID) error

	Acknowledge() (Ack, error)
	EndOfInterrupt(ack Ack) error
	Deactivate(ack Ack) error
}

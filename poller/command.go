package poller

import (
	"fmt"
	"time"

	"github.com/ArJKloek/FlowControl/dde"
)

// Priority orders user commands in the priority queue. Lower values run
// first; commands of equal priority run in submission order.
type Priority int

const (
	PriorityCritical   Priority = 1 // setpoints, safety stops
	PriorityHigh       Priority = 2 // fluid change, mode change
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// CommandKind selects which parameter a queued command writes.
type CommandKind string

const (
	KindSetFlow        CommandKind = "fset_flow"        // setpoint in engineering units
	KindSetPercent     CommandKind = "set_pct"          // raw setpoint 0..32000
	KindSetFluid       CommandKind = "set_fluid"        // fluidset index
	KindSetUserTag     CommandKind = "set_usertag"      // user tag
	KindSetControlMode CommandKind = "set_control_mode" // control mode
	KindWink           CommandKind = "wink"             // flash the display
)

// Command is one queued write for an address on the poller's port.
type Command struct {
	Address byte
	Kind    CommandKind
	Value   any

	// Timeout overrides the reply-latch timeout for async commands;
	// zero means the poller default.
	Timeout time.Duration
}

// ddeFor maps a command kind to the DDE number it writes. The wink command
// carries a fixed value; everything else writes Command.Value.
func (c Command) ddeFor() (int, any, error) {
	switch c.Kind {
	case KindSetFlow:
		return dde.DDEFSetpoint, c.Value, nil
	case KindSetPercent:
		return dde.DDESetpoint, c.Value, nil
	case KindSetFluid:
		return dde.DDEFluidIndex, c.Value, nil
	case KindSetUserTag:
		return dde.DDEUserTag, c.Value, nil
	case KindSetControlMode:
		return dde.DDEControlMode, c.Value, nil
	case KindWink:
		return dde.DDEWink, "9", nil
	default:
		return 0, nil, fmt.Errorf("unknown command kind %q", c.Kind)
	}
}

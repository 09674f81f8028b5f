// Package instrument provides the address-scoped view of one PROPAR device
// on a shared bus. An Instrument is a stateless facade: it resolves DDE
// numbers through the parameter database, stamps its address onto parameter
// descriptors and delegates every wire operation to the port's serialized
// master.
package instrument

import (
	"errors"
	"fmt"

	"github.com/ArJKloek/FlowControl/dde"
	"github.com/ArJKloek/FlowControl/propar"
)

// ErrInvalidAddress indicates an address outside the PROPAR range 1..247.
var ErrInvalidAddress = errors.New("invalid instrument address")

// ErrEmptyResponse indicates a reply that carried no parameter values.
var ErrEmptyResponse = errors.New("empty parameter response")

// Bus is what the facade needs from the port layer. master.SharedMaster
// satisfies it.
type Bus interface {
	Request(node byte, params []propar.Parameter) (*propar.Response, error)
	Send(node byte, cmd propar.Command, params []propar.ParameterValue) (*propar.Response, error)
	PortName() string
}

// Instrument is an ephemeral, address-scoped handle. It holds no connection
// state; concurrency and retries live in the port serializer.
type Instrument struct {
	bus     Bus
	address byte
	channel int
}

// New creates a facade for the instrument at the given address.
func New(bus Bus, address byte) (*Instrument, error) {
	return NewWithChannel(bus, address, 1)
}

// NewWithChannel creates a facade for a specific channel of a multi-channel
// instrument.
func NewWithChannel(bus Bus, address byte, channel int) (*Instrument, error) {
	if address < propar.MinAddress || address > propar.MaxAddress {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	if channel < 1 {
		return nil, fmt.Errorf("invalid channel %d", channel)
	}

	return &Instrument{bus: bus, address: address, channel: channel}, nil
}

// Address returns the instrument's PROPAR address.
func (in *Instrument) Address() byte { return in.address }

// Channel returns the instrument channel.
func (in *Instrument) Channel() int { return in.channel }

// Port returns the name of the serial port the instrument lives on.
func (in *Instrument) Port() string { return in.bus.PortName() }

// Read reads a single parameter by its bus location.
func (in *Instrument) Read(process, index byte, t propar.DataType) (any, error) {
	values, err := in.ReadParameters([]propar.Parameter{
		{Process: process, Index: index, Type: t},
	})
	if err != nil {
		return nil, err
	}

	return values[0], nil
}

// Write writes a single parameter by its bus location and waits for the
// instrument's ack.
func (in *Instrument) Write(process, index byte, t propar.DataType, value any) error {
	return in.WriteParameters([]propar.ParameterValue{
		{Parameter: propar.Parameter{Process: process, Index: index, Type: t}, Value: value},
	})
}

// ReadParameters reads several parameters in one chained request. Each
// descriptor is copied and stamped with this instrument's address before it
// is handed to the port layer; the caller's slice is never mutated.
// Values come back in descriptor order, reinterpreted to the requested
// client-side types.
func (in *Instrument) ReadParameters(params []propar.Parameter) ([]any, error) {
	stamped := make([]propar.Parameter, len(params))
	for i, p := range params {
		p.Node = in.address
		stamped[i] = p
	}

	rsp, err := in.bus.Request(in.address, stamped)
	if err != nil {
		return nil, in.wrap(err)
	}
	if len(rsp.Params) < len(params) {
		return nil, fmt.Errorf("%w: got %d of %d values on %s addr %d",
			ErrEmptyResponse, len(rsp.Params), len(params), in.bus.PortName(), in.address)
	}

	values := make([]any, len(params))
	for i := range params {
		values[i] = rsp.Params[i].Reinterpret(params[i].Type)
	}

	return values, nil
}

// WriteParameters writes several parameters in one chained message with
// ack. The same address-stamping rule as ReadParameters applies.
func (in *Instrument) WriteParameters(params []propar.ParameterValue) error {
	stamped := make([]propar.ParameterValue, len(params))
	for i, p := range params {
		p.Node = in.address
		stamped[i] = p
	}

	_, err := in.bus.Send(in.address, propar.CmdSendParmWithAck, stamped)

	return in.wrap(err)
}

// ReadDDE reads a parameter by its DDE number.
func (in *Instrument) ReadDDE(ddeNr int) (any, error) {
	entry, err := dde.Lookup(ddeNr)
	if err != nil {
		return nil, err
	}

	return in.Read(entry.Process, entry.Index, entry.Type)
}

// WriteDDE writes a parameter by its DDE number.
func (in *Instrument) WriteDDE(ddeNr int, value any) error {
	entry, err := dde.Lookup(ddeNr)
	if err != nil {
		return err
	}

	return in.Write(entry.Process, entry.Index, entry.Type, value)
}

// Measure reads the raw measure (0..32000 = 0..100%).
func (in *Instrument) Measure() (int, error) {
	v, err := in.ReadDDE(dde.DDEMeasure)
	if err != nil {
		return 0, err
	}
	n, _ := ToInt(v)
	return n, nil
}

// Setpoint reads the raw setpoint (0..32000 = 0..100%).
func (in *Instrument) Setpoint() (int, error) {
	v, err := in.ReadDDE(dde.DDESetpoint)
	if err != nil {
		return 0, err
	}
	n, _ := ToInt(v)
	return n, nil
}

// SetSetpoint writes the raw setpoint.
func (in *Instrument) SetSetpoint(value int) error {
	return in.WriteDDE(dde.DDESetpoint, value)
}

// SerialNumber reads the instrument's serial number.
func (in *Instrument) SerialNumber() (string, error) {
	v, err := in.ReadDDE(dde.DDESerialNumber)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// Wink asks the instrument to flash its display for identification.
func (in *Instrument) Wink() error {
	return in.WriteDDE(dde.DDEWink, "9")
}

// wrap adds the instrument's location to err.
func (in *Instrument) wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s addr %d: %w", in.bus.PortName(), in.address, err)
}

// Package dde holds the static parameter database that maps Bronkhorst DDE
// numbers to their PROPAR location: process number, parameter number and
// client-side type.
//
// DDE numbers are the stable, human-visible parameter identifiers used by
// the instrument API and the poller. The table here covers the parameters
// FlowControl polls, scans and writes; it is read-only shared state.
package dde

import (
	"errors"
	"fmt"

	"github.com/ArJKloek/FlowControl/propar"
)

// ErrUnknownParameter indicates a DDE number absent from the database.
var ErrUnknownParameter = errors.New("unknown DDE parameter")

// Well-known DDE numbers.
const (
	DDEMeasure      = 8   // measure, 0..32000 = 0..100%
	DDESetpoint     = 9   // setpoint, 0..32000 = 0..100%
	DDESlope        = 10  // setpoint slope
	DDEControlMode  = 12  // control mode
	DDEWink         = 23  // wink: flash the instrument display
	DDEFluidIndex   = 24  // fluidset index
	DDEFluidName    = 25  // fluidset name
	DDECapacity     = 21  // capacity at 100%
	DDEDeviceType   = 90  // device type string
	DDEModel        = 91  // model number
	DDESerialNumber = 92  // serial number
	DDEUserTag      = 115 // user tag
	DDECapacityUnit = 129 // capacity unit
	DDEIdentNr      = 175 // identification number
	DDEFMeasure     = 205 // measure in engineering units
	DDEFSetpoint    = 206 // setpoint in engineering units
)

// Entry is one parameter database record.
type Entry struct {
	DDE     int
	Name    string
	Process byte
	Index   byte
	Type    propar.DataType
}

// Parameter returns the entry's bus location as a propar descriptor with the
// node left unset; callers stamp the node before use.
func (e Entry) Parameter() propar.Parameter {
	return propar.Parameter{Process: e.Process, Index: e.Index, Type: e.Type}
}

var table = map[int]Entry{
	DDEMeasure:      {DDE: DDEMeasure, Name: "measure", Process: 1, Index: 0, Type: propar.TypeBSInt16},
	DDESetpoint:     {DDE: DDESetpoint, Name: "setpoint", Process: 1, Index: 1, Type: propar.TypeInt16},
	DDESlope:        {DDE: DDESlope, Name: "setpoint slope", Process: 1, Index: 2, Type: propar.TypeInt16},
	DDEControlMode:  {DDE: DDEControlMode, Name: "control mode", Process: 1, Index: 4, Type: propar.TypeInt8},
	DDEWink:         {DDE: DDEWink, Name: "wink", Process: 0, Index: 0, Type: propar.TypeString},
	DDECapacity:     {DDE: DDECapacity, Name: "capacity 100%", Process: 1, Index: 13, Type: propar.TypeFloat},
	DDEFluidIndex:   {DDE: DDEFluidIndex, Name: "fluidset index", Process: 1, Index: 16, Type: propar.TypeInt8},
	DDEFluidName:    {DDE: DDEFluidName, Name: "fluidset name", Process: 1, Index: 17, Type: propar.TypeString},
	DDEDeviceType:   {DDE: DDEDeviceType, Name: "device type", Process: 113, Index: 1, Type: propar.TypeString},
	DDEModel:        {DDE: DDEModel, Name: "model number", Process: 113, Index: 2, Type: propar.TypeString},
	DDESerialNumber: {DDE: DDESerialNumber, Name: "serial number", Process: 113, Index: 3, Type: propar.TypeString},
	DDEUserTag:      {DDE: DDEUserTag, Name: "user tag", Process: 113, Index: 6, Type: propar.TypeString},
	DDECapacityUnit: {DDE: DDECapacityUnit, Name: "capacity unit", Process: 1, Index: 31, Type: propar.TypeString},
	DDEIdentNr:      {DDE: DDEIdentNr, Name: "identification number", Process: 113, Index: 12, Type: propar.TypeInt8},
	DDEFMeasure:     {DDE: DDEFMeasure, Name: "fmeasure", Process: 33, Index: 0, Type: propar.TypeFloat},
	DDEFSetpoint:    {DDE: DDEFSetpoint, Name: "fsetpoint", Process: 33, Index: 3, Type: propar.TypeFloat},
}

// Lookup returns the database entry for a DDE number.
func Lookup(ddeNr int) (Entry, error) {
	e, ok := table[ddeNr]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %d", ErrUnknownParameter, ddeNr)
	}
	return e, nil
}

// MustLookup is Lookup for statically-known DDE numbers; it panics on a
// number absent from the table.
func MustLookup(ddeNr int) Entry {
	e, err := Lookup(ddeNr)
	if err != nil {
		panic(err)
	}
	return e
}

// Parameters resolves a list of DDE numbers into propar descriptors, in
// order. It fails on the first unknown number.
func Parameters(ddeNrs ...int) ([]propar.Parameter, error) {
	params := make([]propar.Parameter, 0, len(ddeNrs))
	for _, nr := range ddeNrs {
		e, err := Lookup(nr)
		if err != nil {
			return nil, err
		}
		params = append(params, e.Parameter())
	}
	return params, nil
}

// Device type identification numbers as reported by DDE 175.
const (
	IdentDMFC = 7
	IdentDMFM = 8
	IdentDEPC = 9
	IdentDEPM = 10
	IdentDLFC = 12
	IdentDLFM = 13
)

var identNames = map[int]string{
	IdentDMFC: "DMFC",
	IdentDMFM: "DMFM",
	IdentDEPC: "DEPC",
	IdentDEPM: "DEPM",
	IdentDLFC: "DLFC",
	IdentDLFM: "DLFM",
}

// DeviceTypeName maps an identification number to its device family name.
// Unknown numbers format as "Unknown(id)".
func DeviceTypeName(ident int) string {
	if name, ok := identNames[ident]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", ident)
}

package manager

import (
	"fmt"

	"github.com/ArJKloek/FlowControl/dde"
	"github.com/ArJKloek/FlowControl/event"
	"github.com/ArJKloek/FlowControl/instrument"
)

// Scan address range. Regular instrument addresses live in 1..127.
const (
	ScanFirstAddress byte = 1
	ScanLastAddress  byte = 127
)

// scanDDEs is the identity bundle read from each responder.
var scanDDEs = []int{
	dde.DDEUserTag,
	dde.DDEFluidName,
	dde.DDECapacity,
	dde.DDECapacityUnit,
	dde.DDEFluidIndex,
	dde.DDEFSetpoint,
	dde.DDEModel,
	dde.DDEIdentNr,
}

// ScanResult describes one instrument found on a bus. Fields that could not
// be read carry defaults so the instrument stays usable for control.
type ScanResult struct {
	Port    string
	Address byte

	UserTag    string
	Fluid      string
	Capacity   float64
	Unit       string
	FluidIndex int
	FSetpoint  float64
	Model      string
	IdentNr    int
	DeviceType string
}

// Scan sweeps a port for PROPAR instruments: every address in the scan range
// (1..127 unless narrowed by WithScanRange) is probed with a device-type read, and each responder's identity bundle is
// collected. An instrument is kept even when parts of the bundle cannot be
// read, so the user retains control over it.
func (m *Manager) Scan(port string) ([]ScanResult, error) {
	s, err := m.Master(port)
	if err != nil {
		return nil, err
	}

	first, last := m.scanFirst, m.scanLast

	m.logger.Info("scanning port", "port", port, "first", first, "last", last)

	var results []ScanResult
	for addr := first; addr <= last; addr++ {
		// probe with a throwaway facade; only responders enter the registry
		in, err := instrument.New(s, addr)
		if err != nil {
			return results, err
		}

		// presence probe: a device-type read that fails means nobody is
		// listening at this address
		if _, err := in.ReadDDE(dde.DDEDeviceType); err != nil {
			continue
		}

		results = append(results, m.scanInstrument(in, port, addr))
	}

	m.logger.Info("scan finished", "port", port, "found", len(results))

	return results, nil
}

// scanInstrument collects one responder's identity bundle, substituting
// defaults for anything unreadable.
func (m *Manager) scanInstrument(in *instrument.Instrument, port string, addr byte) ScanResult {
	res := ScanResult{
		Port:       port,
		Address:    addr,
		UserTag:    fmt.Sprintf("Instrument_%d", addr),
		Fluid:      "Unknown",
		Capacity:   100.0,
		Unit:       "ml/min",
		FSetpoint:  0.0,
		Model:      fmt.Sprintf("Unknown_Model_Addr%d", addr),
		IdentNr:    -1,
		DeviceType: "Unknown",
	}

	values := m.readBundle(in, port, addr)

	if v, ok := values[dde.DDEUserTag].(string); ok && v != "" {
		res.UserTag = v
	}
	if v, ok := values[dde.DDEFluidName].(string); ok && v != "" {
		res.Fluid = v
	}
	if v, ok := instrument.ToFloat64(values[dde.DDECapacity]); ok {
		res.Capacity = v
	}
	if v, ok := values[dde.DDECapacityUnit].(string); ok && v != "" {
		res.Unit = v
	}
	if v, ok := instrument.ToInt(values[dde.DDEFluidIndex]); ok {
		res.FluidIndex = v
	}
	if v, ok := instrument.ToFloat64(values[dde.DDEFSetpoint]); ok {
		res.FSetpoint = v
	}
	if v, ok := values[dde.DDEModel].(string); ok && v != "" {
		res.Model = v
	}
	if v, ok := instrument.ToInt(values[dde.DDEIdentNr]); ok {
		res.IdentNr = v
		res.DeviceType = dde.DeviceTypeName(v)
	}

	return res
}

// readBundle reads the scan bundle in one chained request, falling back to
// per-parameter reads when the batch fails. Missing entries are simply
// absent from the returned map.
func (m *Manager) readBundle(in *instrument.Instrument, port string, addr byte) map[int]any {
	values := make(map[int]any, len(scanDDEs))

	params, err := dde.Parameters(scanDDEs...)
	if err != nil {
		return values
	}

	batch, err := in.ReadParameters(params)
	if err == nil {
		for i, nr := range scanDDEs {
			values[nr] = batch[i]
		}
		return values
	}

	m.logger.Warn("bundle read failed, retrying per parameter",
		"port", port, "address", addr, "error", err)

	for _, nr := range scanDDEs {
		v, err := in.ReadDDE(nr)
		if err != nil {
			m.sink.Publish(event.ErrorEvent{
				TS:        nowFunc(),
				Port:      port,
				Address:   addr,
				ErrorType: "scan_parameter_missing",
				Message:   err.Error(),
				Details:   fmt.Sprintf("dde %d", nr),
			})
			continue
		}
		values[nr] = v
	}

	return values
}

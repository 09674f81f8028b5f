package dde

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ArJKloek/FlowControl/propar"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		dde     int
		process byte
		index   byte
		typ     propar.DataType
	}{
		{dde: DDEMeasure, process: 1, index: 0, typ: propar.TypeBSInt16},
		{dde: DDESetpoint, process: 1, index: 1, typ: propar.TypeInt16},
		{dde: DDECapacity, process: 1, index: 13, typ: propar.TypeFloat},
		{dde: DDEFluidName, process: 1, index: 17, typ: propar.TypeString},
		{dde: DDEFMeasure, process: 33, index: 0, typ: propar.TypeFloat},
		{dde: DDEFSetpoint, process: 33, index: 3, typ: propar.TypeFloat},
		{dde: DDEIdentNr, process: 113, index: 12, typ: propar.TypeInt8},
	}

	for _, tt := range tests {
		e, err := Lookup(tt.dde)
		require.NoError(t, err)
		require.Equal(t, tt.dde, e.DDE)
		require.Equal(t, tt.process, e.Process)
		require.Equal(t, tt.index, e.Index)
		require.Equal(t, tt.typ, e.Type)
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup(9999)
	require.ErrorIs(t, err, ErrUnknownParameter)
}

func TestParameters(t *testing.T) {
	params, err := Parameters(DDEFMeasure, DDEFluidName)
	require.NoError(t, err)
	require.Len(t, params, 2)

	// node is left for the caller to stamp
	require.Zero(t, params[0].Node)
	require.Equal(t, byte(33), params[0].Process)
	require.Equal(t, byte(1), params[1].Process)

	_, err = Parameters(DDEFMeasure, 9999)
	require.ErrorIs(t, err, ErrUnknownParameter)
}

func TestPollAndScanBundlesResolve(t *testing.T) {
	// the bundles the poller and the scanner depend on must all resolve
	for _, dde := range []int{205, 25, 8, 9, 206, 21, 90, 175, 115, 129, 24, 91} {
		_, err := Lookup(dde)
		require.NoError(t, err, "dde %d", dde)
	}
}

func TestDeviceTypeName(t *testing.T) {
	require.Equal(t, "DMFC", DeviceTypeName(7))
	require.Equal(t, "DLFM", DeviceTypeName(13))
	require.Equal(t, "Unknown(42)", DeviceTypeName(42))
}

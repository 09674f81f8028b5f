package poller

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ArJKloek/FlowControl/dde"
	"github.com/ArJKloek/FlowControl/event"
	"github.com/ArJKloek/FlowControl/health"
	"github.com/ArJKloek/FlowControl/propar"
)

// fakeClock drives the poller and the health monitor in simulated time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// writeRecord is one WriteDDE call observed by a fake device.
type writeRecord struct {
	dde   int
	value any
}

// fakeDevice is a scriptable Device.
type fakeDevice struct {
	mu       sync.Mutex
	values   []any
	readErr  error
	writeErr error
	reads    int
	writes   []writeRecord
}

// healthyValues returns a poll bundle for a device of the given ident at
// the given fmeasure and capacity.
func healthyValues(ident int8, fmeasure, capacity float32) []any {
	return []any{
		fmeasure,         // 205 fMeasure
		"air",            // 25 fluid name
		int16(16000),     // 8 measure
		uint16(16000),    // 9 setpoint
		float32(50.0),    // 206 fSetpoint
		capacity,         // 21 capacity
		"DMFC",           // 90 device type
		ident,            // 175 ident nr
	}
}

func (d *fakeDevice) ReadParameters(params []propar.Parameter) ([]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reads++
	if d.readErr != nil {
		return nil, d.readErr
	}

	out := make([]any, len(params))
	copy(out, d.values)
	return out, nil
}

func (d *fakeDevice) WriteDDE(ddeNr int, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.writeErr != nil {
		return d.writeErr
	}
	d.writes = append(d.writes, writeRecord{dde: ddeNr, value: value})
	return nil
}

func (d *fakeDevice) readCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

func (d *fakeDevice) writeLog() []writeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]writeRecord, len(d.writes))
	copy(out, d.writes)
	return out
}

// sliceSink collects events for assertions.
type sliceSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *sliceSink) Publish(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sliceSink) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *sliceSink) measurements() []event.Measurement {
	var out []event.Measurement
	for _, ev := range s.all() {
		if m, ok := ev.(event.Measurement); ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *sliceSink) skips() []event.ValidationSkip {
	var out []event.ValidationSkip
	for _, ev := range s.all() {
		if m, ok := ev.(event.ValidationSkip); ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *sliceSink) recoveries() []event.ConnectionRecovery {
	var out []event.ConnectionRecovery
	for _, ev := range s.all() {
		if m, ok := ev.(event.ConnectionRecovery); ok {
			out = append(out, m)
		}
	}
	return out
}

// testHarness wires a poller to fakes in simulated time.
type testHarness struct {
	poller  *Poller
	clock   *fakeClock
	sink    *sliceSink
	monitor *health.Monitor

	mu      sync.Mutex
	devices map[byte]*fakeDevice
}

func newHarness(t *testing.T, opts ...PollerOption) *testHarness {
	t.Helper()

	h := &testHarness{
		clock:   newFakeClock(),
		sink:    &sliceSink{},
		devices: make(map[byte]*fakeDevice),
	}

	h.monitor = health.NewMonitor(nil)
	h.monitor.SetClock(h.clock.now)

	factory := func(address byte) (Device, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		dev, ok := h.devices[address]
		if !ok {
			dev = &fakeDevice{values: healthyValues(dde.IdentDMFM, 45.5, 100.0)}
			h.devices[address] = dev
		}
		return dev, nil
	}

	h.poller = New("/dev/ttyUSB0", factory, h.monitor, h.sink, opts...)
	h.poller.now = h.clock.now
	h.poller.sleep = func(time.Duration) {}

	return h
}

func (h *testHarness) device(address byte) *fakeDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[address]
	if !ok {
		dev = &fakeDevice{values: healthyValues(dde.IdentDMFM, 45.5, 100.0)}
		h.devices[address] = dev
	}
	return dev
}

func TestPeriodicPollEmitsMeasurement(t *testing.T) {
	h := newHarness(t)
	h.poller.AddNode(3, 100*time.Millisecond)

	h.poller.tick()

	ms := h.sink.measurements()
	require.Len(t, ms, 1)
	require.Equal(t, "/dev/ttyUSB0", ms[0].Port)
	require.Equal(t, byte(3), ms[0].Address)
	require.InDelta(t, 45.5, ms[0].FMeasure, 1e-6)
	require.InDelta(t, 50.0, ms[0].FSetpoint, 1e-6)
	require.Equal(t, 16000, ms[0].Measure)
	require.Equal(t, 16000, ms[0].Setpoint)
	require.Equal(t, "air", ms[0].Fluid)
	require.InDelta(t, 100.0, ms[0].Capacity, 1e-6)
	require.Equal(t, "DMFC", ms[0].DeviceType)
}

func TestPollRespectsPeriod(t *testing.T) {
	h := newHarness(t)
	h.poller.AddNode(3, 100*time.Millisecond)

	h.poller.tick() // due immediately on add
	require.Equal(t, 1, h.device(3).readCount())

	h.poller.tick() // not due yet
	require.Equal(t, 1, h.device(3).readCount())

	h.clock.advance(100 * time.Millisecond)
	h.poller.tick()
	require.Equal(t, 2, h.device(3).readCount())
}

func TestAddNodeStaggersFirstPolls(t *testing.T) {
	h := newHarness(t)
	h.poller.AddNode(1, 100*time.Millisecond)
	h.poller.AddNode(2, 100*time.Millisecond)
	h.poller.AddNode(3, 100*time.Millisecond)

	h.poller.tick()
	require.Equal(t, 1, h.device(1).readCount())
	require.Equal(t, 0, h.device(2).readCount())

	h.clock.advance(20 * time.Millisecond)
	h.poller.tick()
	require.Equal(t, 1, h.device(2).readCount())
	require.Equal(t, 0, h.device(3).readCount())

	h.clock.advance(20 * time.Millisecond)
	h.poller.tick()
	require.Equal(t, 1, h.device(3).readCount())
}

func TestDMFCValidationSkip(t *testing.T) {
	h := newHarness(t)

	// a DMFC reporting 160 over a capacity of 100 is suppressed
	h.device(3).values = healthyValues(dde.IdentDMFC, 160.0, 100.0)
	h.poller.AddNode(3, 100*time.Millisecond)
	h.poller.tick()

	require.Empty(t, h.sink.measurements())
	skips := h.sink.skips()
	require.Len(t, skips, 1)
	require.Equal(t, "dmfc_capacity_exceeded", skips[0].Kind)
	require.InDelta(t, 160.0, skips[0].Value, 1e-6)
	require.InDelta(t, 150.0, skips[0].Threshold, 1e-6)
}

func TestDMFCValidationBoundary(t *testing.T) {
	h := newHarness(t)

	// exactly 1.5x capacity is still emitted; suppression needs strictly more
	h.device(3).values = healthyValues(dde.IdentDMFC, 150.0, 100.0)
	h.poller.AddNode(3, 100*time.Millisecond)
	h.poller.tick()

	require.Len(t, h.sink.measurements(), 1)
	require.Empty(t, h.sink.skips())
}

func TestNonDMFCNotValidated(t *testing.T) {
	h := newHarness(t)

	// same wild reading on a DMFM (ident 8) passes through
	h.device(3).values = healthyValues(dde.IdentDMFM, 160.0, 100.0)
	h.poller.AddNode(3, 100*time.Millisecond)
	h.poller.tick()

	require.Len(t, h.sink.measurements(), 1)
	require.Empty(t, h.sink.skips())
}

func TestQuarantineSkipsNode(t *testing.T) {
	h := newHarness(t)
	h.device(5).readErr = errors.New("bad file descriptor")
	h.poller.AddNode(5, 10*time.Millisecond)
	h.poller.AddNode(6, 10*time.Millisecond)

	// drive ten consecutive failures on address 5
	for i := 0; i < health.QuarantineThreshold; i++ {
		h.clock.advance(20 * time.Millisecond)
		h.poller.tick()
	}
	require.Equal(t, health.QuarantineThreshold, h.device(5).readCount())
	require.True(t, h.monitor.Quarantined("/dev/ttyUSB0", 5))

	// while quarantined, address 5 is skipped and address 6 keeps polling
	before5 := h.device(5).readCount()
	before6 := h.device(6).readCount()
	for i := 0; i < 5; i++ {
		h.clock.advance(20 * time.Millisecond)
		h.poller.tick()
	}
	require.Equal(t, before5, h.device(5).readCount())
	require.Equal(t, before6+5, h.device(6).readCount())

	// after the quarantine window the address re-enters rotation
	h.clock.advance(health.QuarantineDuration)
	h.device(5).readErr = nil
	h.poller.tick()
	require.Equal(t, before5+1, h.device(5).readCount())
}

func TestRecoveryEventAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.device(3).readErr = errors.New("timeout waiting for answer")
	h.poller.AddNode(3, 10*time.Millisecond)

	h.poller.tick()
	require.Empty(t, h.sink.recoveries())

	h.device(3).readErr = nil
	h.clock.advance(20 * time.Millisecond)
	h.poller.tick()

	recs := h.sink.recoveries()
	require.Len(t, recs, 1)
	require.Equal(t, byte(3), recs[0].Address)
	require.Equal(t, 1, recs[0].RecoveriesTotal)
}

func TestPriorityCommandsRunFirstInOrder(t *testing.T) {
	h := newHarness(t)

	h.poller.QueuePriority(Command{Address: 3, Kind: KindSetFluid, Value: 2}, PriorityHigh)
	h.poller.QueuePriority(Command{Address: 3, Kind: KindSetFlow, Value: 12.5}, PriorityCritical)
	h.poller.QueuePriority(Command{Address: 3, Kind: KindSetUserTag, Value: "rig-1"}, PriorityBackground)

	h.poller.tick()

	writes := h.device(3).writeLog()
	require.Len(t, writes, 3)
	require.Equal(t, dde.DDEFSetpoint, writes[0].dde) // critical first
	require.Equal(t, dde.DDEFluidIndex, writes[1].dde)
	require.Equal(t, dde.DDEUserTag, writes[2].dde)
}

func TestPriorityDrainBoundedPerTick(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 7; i++ {
		h.poller.QueuePriority(Command{Address: 3, Kind: KindSetPercent, Value: i}, PriorityNormal)
	}

	h.poller.tick()
	require.Len(t, h.device(3).writeLog(), 5)

	h.poller.tick()
	require.Len(t, h.device(3).writeLog(), 7)
}

func TestAsyncCommandsAreReplyGated(t *testing.T) {
	h := newHarness(t)

	h.poller.QueueAsync(Command{Address: 3, Kind: KindSetFlow, Value: 50.0})
	h.poller.QueueAsync(Command{Address: 3, Kind: KindSetFlow, Value: 60.0})

	// first tick starts and latches the first command only
	h.poller.tick()
	require.Len(t, h.device(3).writeLog(), 1)

	// the latch releases the slot, so the next tick starts the second
	h.poller.tick()
	require.Len(t, h.device(3).writeLog(), 2)
}

func TestAsyncTimeoutFreesSlot(t *testing.T) {
	h := newHarness(t)
	h.poller.QueueAsync(Command{Address: 3, Kind: KindSetFlow, Value: 60.0})

	// an in-flight command that never latched blocks the slot
	h.poller.inflight = &inflightAsync{
		cmd:       Command{Address: 3, Kind: KindSetFlow, Value: 50.0},
		startedAt: h.clock.now(),
		timeout:   DefaultAsyncTimeout,
	}

	h.poller.tick()
	require.Empty(t, h.device(3).writeLog(), "no command may start before the reply or timeout")

	h.clock.advance(DefaultAsyncTimeout)
	h.poller.tick()
	require.Len(t, h.device(3).writeLog(), 1)

	var timeouts int
	for _, ev := range h.sink.all() {
		if e, ok := ev.(event.ErrorEvent); ok && e.ErrorType == "async_timeout" {
			timeouts++
		}
	}
	require.Equal(t, 1, timeouts)
}

func TestAsyncFailureFreesSlot(t *testing.T) {
	h := newHarness(t)
	h.device(3).writeErr = errors.New("timeout waiting for answer")

	h.poller.QueueAsync(Command{Address: 3, Kind: KindSetFlow, Value: 50.0})
	h.poller.tick()
	require.Nil(t, h.poller.inflight)

	// the slot is free for the next command
	h.device(3).writeErr = nil
	h.poller.QueueAsync(Command{Address: 3, Kind: KindSetFlow, Value: 60.0})
	h.poller.tick()
	require.Len(t, h.device(3).writeLog(), 1)
}

func TestAsyncPerCommandTimeoutOverride(t *testing.T) {
	h := newHarness(t)

	h.poller.QueueAsync(Command{Address: 3, Kind: KindSetFlow, Value: 50.0, Timeout: time.Second})
	h.poller.tick()

	require.NotNil(t, h.poller.inflight)
	require.Equal(t, time.Second, h.poller.inflight.timeout)
}

func TestInvalidCommandKind(t *testing.T) {
	h := newHarness(t)

	h.poller.QueuePriority(Command{Address: 3, Kind: "bogus"}, PriorityNormal)
	h.poller.tick()

	require.Empty(t, h.device(3).writeLog())

	var invalid int
	for _, ev := range h.sink.all() {
		if e, ok := ev.(event.ErrorEvent); ok && e.ErrorType == "invalid_command" {
			invalid++
		}
	}
	require.Equal(t, 1, invalid)
}

func TestRemoveNodeStopsPolling(t *testing.T) {
	h := newHarness(t)
	h.poller.AddNode(3, 10*time.Millisecond)

	h.poller.tick()
	require.Equal(t, 1, h.device(3).readCount())

	h.poller.RemoveNode(3)
	h.clock.advance(time.Second)
	h.poller.tick()
	require.Equal(t, 1, h.device(3).readCount())
	require.Empty(t, h.poller.Nodes())
}

func TestRescheduleIsDriftFree(t *testing.T) {
	h := newHarness(t)
	h.poller.AddNode(3, 100*time.Millisecond)

	h.poller.tick()
	require.Equal(t, 1, h.device(3).readCount())

	// a long stall must not cause a burst of catch-up polls
	h.clock.advance(time.Second)
	h.poller.tick()
	require.Equal(t, 2, h.device(3).readCount())

	h.poller.tick()
	require.Equal(t, 2, h.device(3).readCount(), "no catch-up burst")

	h.clock.advance(100 * time.Millisecond)
	h.poller.tick()
	require.Equal(t, 3, h.device(3).readCount())
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	// run the loop in real time for this test
	h.poller.sleep = func(time.Duration) { time.Sleep(100 * time.Microsecond) }

	h.poller.QueuePriority(Command{Address: 3, Kind: KindSetFlow, Value: 1.0}, PriorityCritical)
	h.poller.Start()

	require.Eventually(t, func() bool {
		return len(h.device(3).writeLog()) == 1
	}, time.Second, time.Millisecond)

	h.poller.Stop()
	h.poller.Stop() // idempotent
}

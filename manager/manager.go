// Package manager is the process-wide registry that owns FlowControl's
// per-port resources: one serialized master and one poller per serial port,
// plus the shared health ledger and the telemetry sink.
//
// A Manager is injected at startup; nothing in FlowControl keeps global
// state. Ports are materialized lazily on first use and torn down by Close.
// Instrument facades are ephemeral views cached per (port, address).
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/ArJKloek/FlowControl/event"
	"github.com/ArJKloek/FlowControl/health"
	"github.com/ArJKloek/FlowControl/instrument"
	"github.com/ArJKloek/FlowControl/logger"
	"github.com/ArJKloek/FlowControl/master"
	"github.com/ArJKloek/FlowControl/poller"
	"github.com/ArJKloek/FlowControl/propar"
)

// nowFunc stamps outgoing events; replaced in tests.
var nowFunc = time.Now

type instKey struct {
	port    string
	address byte
}

// Manager owns every port-scoped resource in the process.
type Manager struct {
	logger  logger.Logger
	sink    event.Sink
	monitor *health.Monitor

	masterOpts []master.Option
	pollerOpts []poller.PollerOption

	scanFirst byte
	scanLast  byte

	mu          sync.Mutex
	masters     map[string]*master.SharedMaster
	pollers     map[string]*poller.Poller
	instruments map[instKey]*instrument.Instrument
	closed      bool
}

// ManagerOption mutates a Manager during New.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithSink sets the telemetry sink shared by every poller.
func WithSink(sink event.Sink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithMasterOptions forwards options to every port configuration the
// manager creates. Tests use it to substitute fake serial openers.
func WithMasterOptions(opts ...master.Option) ManagerOption {
	return func(m *Manager) { m.masterOpts = opts }
}

// WithPollerOptions forwards options to every poller the manager creates.
func WithPollerOptions(opts ...poller.PollerOption) ManagerOption {
	return func(m *Manager) { m.pollerOpts = opts }
}

// WithScanRange narrows the address sweep performed by Scan, for buses
// whose population is known to live in a sub-range.
func WithScanRange(first, last byte) ManagerOption {
	return func(m *Manager) {
		m.scanFirst = first
		m.scanLast = last
	}
}

// New creates an empty registry.
func New(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:      logger.GetLogger(),
		sink:        event.NopSink{},
		scanFirst:   ScanFirstAddress,
		scanLast:    ScanLastAddress,
		masters:     make(map[string]*master.SharedMaster),
		pollers:     make(map[string]*poller.Poller),
		instruments: make(map[instKey]*instrument.Instrument),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.monitor = health.NewMonitor(m.logger)

	return m
}

// Health returns the shared health ledger.
func (m *Manager) Health() *health.Monitor {
	return m.monitor
}

// Master returns the serialized master for a port, opening it on first use.
func (m *Manager) Master(port string) (*master.SharedMaster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.masterLocked(port)
}

func (m *Manager) masterLocked(port string) (*master.SharedMaster, error) {
	if m.closed {
		return nil, fmt.Errorf("manager is closed")
	}

	if s, ok := m.masters[port]; ok {
		return s, nil
	}

	opts := append([]master.Option{master.WithLogger(m.logger)}, m.masterOpts...)
	cfg, err := master.NewConfig(port, opts...)
	if err != nil {
		return nil, err
	}

	s, err := master.NewSharedMaster(cfg)
	if err != nil {
		return nil, err
	}

	m.masters[port] = s
	m.logger.Info("port registered", "port", port)

	return s, nil
}

// Instrument returns the facade for an address on a port, creating the port
// resources as needed.
func (m *Manager) Instrument(port string, address byte) (*instrument.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.instrumentLocked(port, address)
}

func (m *Manager) instrumentLocked(port string, address byte) (*instrument.Instrument, error) {
	if m.closed {
		return nil, fmt.Errorf("manager is closed")
	}

	key := instKey{port: port, address: address}
	if in, ok := m.instruments[key]; ok {
		return in, nil
	}

	s, err := m.masterLocked(port)
	if err != nil {
		return nil, err
	}

	in, err := instrument.New(s, address)
	if err != nil {
		return nil, err
	}

	m.instruments[key] = in

	return in, nil
}

// Poller returns the poller for a port, creating and starting it on first
// use.
func (m *Manager) Poller(port string) (*poller.Poller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pollerLocked(port)
}

func (m *Manager) pollerLocked(port string) (*poller.Poller, error) {
	if m.closed {
		return nil, fmt.Errorf("manager is closed")
	}

	if p, ok := m.pollers[port]; ok {
		return p, nil
	}

	if _, err := m.masterLocked(port); err != nil {
		return nil, err
	}

	factory := func(address byte) (poller.Device, error) {
		return m.Instrument(port, address)
	}

	opts := append([]poller.PollerOption{poller.WithLogger(m.logger)}, m.pollerOpts...)
	p := poller.New(port, factory, m.monitor, m.sink, opts...)
	p.Start()

	m.pollers[port] = p

	return p, nil
}

// ReadDDE reads one parameter by DDE number from an instrument.
func (m *Manager) ReadDDE(port string, address byte, ddeNr int) (any, error) {
	in, err := m.Instrument(port, address)
	if err != nil {
		return nil, err
	}
	return in.ReadDDE(ddeNr)
}

// WriteDDE writes one parameter by DDE number to an instrument.
func (m *Manager) WriteDDE(port string, address byte, ddeNr int, value any) error {
	in, err := m.Instrument(port, address)
	if err != nil {
		return err
	}
	return in.WriteDDE(ddeNr, value)
}

// ReadParameters performs a chained multi-parameter read.
func (m *Manager) ReadParameters(port string, address byte, params []propar.Parameter) ([]any, error) {
	in, err := m.Instrument(port, address)
	if err != nil {
		return nil, err
	}
	return in.ReadParameters(params)
}

// WriteParameters performs a chained multi-parameter write with ack.
func (m *Manager) WriteParameters(port string, address byte, params []propar.ParameterValue) error {
	in, err := m.Instrument(port, address)
	if err != nil {
		return err
	}
	return in.WriteParameters(params)
}

// QueuePriority enqueues a command on a port's priority queue.
func (m *Manager) QueuePriority(port string, cmd poller.Command, prio poller.Priority) error {
	p, err := m.Poller(port)
	if err != nil {
		return err
	}
	p.QueuePriority(cmd, prio)
	return nil
}

// QueueAsync enqueues a reply-gated asynchronous command on a port.
func (m *Manager) QueueAsync(port string, cmd poller.Command) error {
	p, err := m.Poller(port)
	if err != nil {
		return err
	}
	p.QueueAsync(cmd)
	return nil
}

// ForceReconnect tears the port's driver down and rebuilds it: cached
// instruments are released, the recreation epoch is bumped and a
// ConnectionRecovery event is emitted for every polled address.
func (m *Manager) ForceReconnect(port string) error {
	m.mu.Lock()

	s, ok := m.masters[port]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown port %s", port)
	}

	for key := range m.instruments {
		if key.port == port {
			delete(m.instruments, key)
		}
	}

	p := m.pollers[port]
	m.mu.Unlock()

	if p != nil {
		p.ReleaseDevices()
	}

	if err := s.Reconnect(); err != nil {
		return err
	}

	m.logger.Info("port reconnected", "port", port, "epoch", s.Epoch())

	if p != nil {
		for _, addr := range p.Nodes() {
			total := m.monitor.ForceRecovery(port, addr)
			m.sink.Publish(event.ConnectionRecovery{
				TS:              nowFunc(),
				Port:            port,
				Address:         addr,
				RecoveriesTotal: total,
			})
		}
	}

	return nil
}

// Close stops every poller and closes every port. The manager cannot be
// reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pollers := make([]*poller.Poller, 0, len(m.pollers))
	for _, p := range m.pollers {
		pollers = append(pollers, p)
	}
	masters := make([]*master.SharedMaster, 0, len(m.masters))
	for _, s := range m.masters {
		masters = append(masters, s)
	}
	m.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}

	var firstErr error
	for _, s := range masters {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Package poller runs one cooperative scheduling loop per serial port. Each
// tick drains a bounded number of priority commands, advances at most one
// reply-gated asynchronous command, and performs the periodic batched reads
// for every address that is due and not quarantined.
//
// Producers enqueue commands from any goroutine through thread-safe queues;
// all bus traffic happens on the poller goroutine, so per-address state
// needs no locking beyond the node table.
package poller

import (
	"sync"
	"time"

	"github.com/ArJKloek/FlowControl/dde"
	"github.com/ArJKloek/FlowControl/event"
	"github.com/ArJKloek/FlowControl/health"
	"github.com/ArJKloek/FlowControl/instrument"
	"github.com/ArJKloek/FlowControl/internal/queue"
	"github.com/ArJKloek/FlowControl/logger"
	"github.com/ArJKloek/FlowControl/propar"
)

// Scheduling defaults.
const (
	DefaultPeriod       = 500 * time.Millisecond
	DefaultIdleSleep    = time.Millisecond
	DefaultAsyncTimeout = 400 * time.Millisecond

	// maxPriorityPerTick bounds how many priority commands one tick may
	// drain before periodic polling gets a turn.
	maxPriorityPerTick = 5

	// addStagger spaces the first poll of newly added nodes to avoid a
	// burst when a whole bus is registered at once.
	addStagger = 20 * time.Millisecond

	// dmfcCapacityFactor is the over-capacity factor beyond which a DMFC
	// measurement is considered bogus and suppressed.
	dmfcCapacityFactor = 1.5
)

// Device is the per-address operation surface the poller drives.
// instrument.Instrument satisfies it.
type Device interface {
	ReadParameters(params []propar.Parameter) ([]any, error)
	WriteDDE(ddeNr int, value any) error
}

// DeviceFactory builds the Device for an address on the poller's port.
type DeviceFactory func(address byte) (Device, error)

// pollDDEs is the periodic read bundle, in emission order.
var pollDDEs = []int{
	dde.DDEFMeasure,
	dde.DDEFluidName,
	dde.DDEMeasure,
	dde.DDESetpoint,
	dde.DDEFSetpoint,
	dde.DDECapacity,
	dde.DDEDeviceType,
	dde.DDEIdentNr,
}

type nodeEntry struct {
	period  time.Duration
	nextDue time.Time
}

// inflightAsync is the single async command slot.
type inflightAsync struct {
	cmd       Command
	startedAt time.Time
	timeout   time.Duration
	latched   bool
}

// Poller schedules all traffic for one port.
type Poller struct {
	port    string
	devices DeviceFactory
	health  *health.Monitor
	sink    event.Sink
	logger  logger.Logger

	defaultPeriod time.Duration
	idleSleep     time.Duration
	asyncTimeout  time.Duration

	prioQ  *queue.Priority[Command]
	asyncQ *queue.FIFO[Command]

	mu    sync.Mutex
	nodes map[byte]*nodeEntry
	cache map[byte]Device

	// poller-goroutine state
	inflight *inflightAsync
	bundle   []propar.Parameter

	stop chan struct{}
	done chan struct{}

	// injectable time sources for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// PollerOption mutates a Poller during New.
type PollerOption func(*Poller)

// WithDefaultPeriod sets the poll period for nodes added without one.
func WithDefaultPeriod(d time.Duration) PollerOption {
	return func(p *Poller) { p.defaultPeriod = d }
}

// WithIdleSleep sets the per-tick yield slice.
func WithIdleSleep(d time.Duration) PollerOption {
	return func(p *Poller) { p.idleSleep = d }
}

// WithAsyncTimeout sets the default reply-latch timeout.
func WithAsyncTimeout(d time.Duration) PollerOption {
	return func(p *Poller) { p.asyncTimeout = d }
}

// WithLogger sets the poller's logger.
func WithLogger(l logger.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// New creates a poller for one port. devices builds per-address facades,
// monitor keeps the health ledger and sink receives telemetry.
func New(port string, devices DeviceFactory, monitor *health.Monitor, sink event.Sink, opts ...PollerOption) *Poller {
	p := &Poller{
		port:          port,
		devices:       devices,
		health:        monitor,
		sink:          sink,
		logger:        logger.GetLogger(),
		defaultPeriod: DefaultPeriod,
		idleSleep:     DefaultIdleSleep,
		asyncTimeout:  DefaultAsyncTimeout,
		prioQ:         queue.NewPriority[Command](),
		asyncQ:        queue.NewFIFO[Command](),
		nodes:         make(map[byte]*nodeEntry),
		cache:         make(map[byte]Device),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		now:           time.Now,
		sleep:         time.Sleep,
	}

	if sink == nil {
		p.sink = event.NopSink{}
	}

	bundle, err := dde.Parameters(pollDDEs...)
	if err != nil {
		// the poll bundle is static; a miss is a programming error
		panic(err)
	}
	p.bundle = bundle

	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("port", port)

	return p
}

// AddNode registers an address for periodic polling. A zero period uses the
// poller default. First polls of freshly added nodes are staggered to avoid
// a burst.
func (p *Poller) AddNode(address byte, period time.Duration) {
	if period <= 0 {
		period = p.defaultPeriod
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.nodes[address]; ok {
		return
	}

	p.nodes[address] = &nodeEntry{
		period:  period,
		nextDue: p.now().Add(time.Duration(len(p.nodes)) * addStagger),
	}
}

// RemoveNode unregisters an address from periodic polling.
func (p *Poller) RemoveNode(address byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.nodes, address)
}

// Nodes returns the registered addresses.
func (p *Poller) Nodes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, 0, len(p.nodes))
	for addr := range p.nodes {
		out = append(out, addr)
	}
	return out
}

// QueuePriority enqueues a command on the priority queue. Priority commands
// are drained before anything else each tick.
func (p *Poller) QueuePriority(cmd Command, prio Priority) {
	p.prioQ.Enqueue(int(prio), cmd)
}

// QueueAsync enqueues a reply-gated asynchronous command. Only one async
// command is in flight at a time; the next starts when the previous one's
// reply latch is set or its timeout elapses.
func (p *Poller) QueueAsync(cmd Command) {
	p.asyncQ.Enqueue(cmd)
}

// Start launches the scheduling loop.
func (p *Poller) Start() {
	go p.run()
}

// Stop terminates the scheduling loop and waits for it to exit.
func (p *Poller) Stop() {
	select {
	case <-p.stop:
		return // already stopped
	default:
	}
	close(p.stop)
	<-p.done
}

func (p *Poller) run() {
	defer close(p.done)

	p.logger.Debug("poller started")

	for {
		select {
		case <-p.stop:
			p.logger.Debug("poller stopped")
			return
		default:
		}

		p.tick()
		p.sleep(p.idleSleep)
	}
}

// tick runs one scheduler iteration: priority commands, then the async
// slot, then periodic polling.
func (p *Poller) tick() {
	p.drainPriority()
	p.advanceAsync()
	p.pollDue()
}

// drainPriority executes up to maxPriorityPerTick queued priority commands.
func (p *Poller) drainPriority() {
	for i := 0; i < maxPriorityPerTick; i++ {
		cmd, ok := p.prioQ.Dequeue()
		if !ok {
			return
		}
		_ = p.execCommand(cmd)
	}
}

// advanceAsync progresses the single async slot: finish the in-flight
// command when its latch is set or its timeout has elapsed, then start the
// next queued one.
func (p *Poller) advanceAsync() {
	if ifl := p.inflight; ifl != nil {
		switch {
		case ifl.latched:
			p.inflight = nil
		case p.now().Sub(ifl.startedAt) >= ifl.timeout:
			p.logger.Warn("async command timed out",
				"address", ifl.cmd.Address,
				"kind", string(ifl.cmd.Kind),
				"timeout", ifl.timeout,
			)
			p.sink.Publish(event.ErrorEvent{
				TS:        p.now(),
				Port:      p.port,
				Address:   ifl.cmd.Address,
				ErrorType: "async_timeout",
				Message:   "async command timed out waiting for reply",
				Details:   string(ifl.cmd.Kind),
			})
			p.inflight = nil
		default:
			return // still waiting
		}
	}

	cmd, ok := p.asyncQ.Dequeue()
	if !ok {
		return
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = p.asyncTimeout
	}

	ifl := &inflightAsync{cmd: cmd, startedAt: p.now(), timeout: timeout}
	p.inflight = ifl

	// the write below runs on behalf of the in-flight command, so its
	// success sets the reply latch
	if err := p.execCommand(cmd); err == nil {
		ifl.latched = true
	} else {
		// the command failed outright; free the slot for the next one
		p.inflight = nil
	}
}

// pollDue performs the periodic batched read for every node that is due and
// not quarantined.
func (p *Poller) pollDue() {
	now := p.now()

	p.mu.Lock()
	due := make([]byte, 0, len(p.nodes))
	for addr, entry := range p.nodes {
		if !entry.nextDue.After(now) {
			due = append(due, addr)
		}
	}
	p.mu.Unlock()

	for _, addr := range due {
		if p.health.Quarantined(p.port, addr) {
			p.reschedule(addr, now)
			continue
		}

		p.pollNode(addr)
		p.reschedule(addr, p.now())
	}
}

// reschedule advances a node's next due time drift-free: whole periods are
// added until the due time is in the future.
func (p *Poller) reschedule(address byte, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.nodes[address]
	if !ok {
		return
	}

	for !entry.nextDue.After(now) {
		entry.nextDue = entry.nextDue.Add(entry.period)
	}
}

// pollNode reads the poll bundle from one address and emits a Measurement,
// or a ValidationSkip when device-specific validation rejects the reading.
func (p *Poller) pollNode(address byte) {
	dev, err := p.device(address)
	if err != nil {
		p.recordFailure(address, err)
		return
	}

	values, err := dev.ReadParameters(p.bundle)
	if err != nil {
		p.recordFailure(address, err)
		return
	}

	p.recordSuccess(address)

	fmeasure, _ := instrument.ToFloat64(values[0])
	fluid, _ := values[1].(string)
	measure, _ := instrument.ToInt(values[2])
	setpoint, _ := instrument.ToInt(values[3])
	fsetpoint, _ := instrument.ToFloat64(values[4])
	capacity, _ := instrument.ToFloat64(values[5])
	deviceType, _ := values[6].(string)
	ident, _ := instrument.ToInt(values[7])

	// DMFCs occasionally report wild over-capacity spikes on fluid
	// changes; suppress those instead of feeding them downstream.
	if ident == dde.IdentDMFC && capacity > 0 && fmeasure > dmfcCapacityFactor*capacity {
		p.sink.Publish(event.ValidationSkip{
			TS:        p.now(),
			Port:      p.port,
			Address:   address,
			Kind:      "dmfc_capacity_exceeded",
			Value:     fmeasure,
			Capacity:  capacity,
			Threshold: dmfcCapacityFactor * capacity,
			Reason:    "fMeasure exceeds 1.5x capacity on a DMFC",
		})
		return
	}

	p.sink.Publish(event.Measurement{
		TS:         p.now(),
		Port:       p.port,
		Address:    address,
		FMeasure:   fmeasure,
		FSetpoint:  fsetpoint,
		Measure:    measure,
		Setpoint:   setpoint,
		Fluid:      fluid,
		Capacity:   capacity,
		DeviceType: deviceType,
	})
}

// execCommand performs one queued write and updates health accounting.
func (p *Poller) execCommand(cmd Command) error {
	ddeNr, value, err := cmd.ddeFor()
	if err != nil {
		p.logger.Error("dropping invalid command", "error", err, "address", cmd.Address)
		p.sink.Publish(event.ErrorEvent{
			TS:        p.now(),
			Port:      p.port,
			Address:   cmd.Address,
			ErrorType: "invalid_command",
			Message:   err.Error(),
		})
		return err
	}

	dev, err := p.device(cmd.Address)
	if err != nil {
		p.recordFailure(cmd.Address, err)
		return err
	}

	if err := dev.WriteDDE(ddeNr, value); err != nil {
		p.recordFailure(cmd.Address, err)
		return err
	}

	p.recordSuccess(cmd.Address)

	return nil
}

// device returns the cached facade for an address, building it on first
// use.
func (p *Poller) device(address byte) (Device, error) {
	p.mu.Lock()
	dev, ok := p.cache[address]
	p.mu.Unlock()
	if ok {
		return dev, nil
	}

	dev, err := p.devices(address)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[address] = dev
	p.mu.Unlock()

	return dev, nil
}

// ReleaseDevices drops the poller's cached facades so the next operations
// rebuild them, used after a forced port reconnect.
func (p *Poller) ReleaseDevices() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache = make(map[byte]Device)
}

// recordFailure pushes a classified failure into the health ledger and
// emits an ErrorEvent.
func (p *Poller) recordFailure(address byte, err error) {
	class, quarantined := p.health.RecordFailure(p.port, address, err)

	p.logger.Warn("operation failed",
		"address", address,
		"class", class.String(),
		"quarantined", quarantined,
		"error", err,
	)

	p.sink.Publish(event.ErrorEvent{
		TS:        p.now(),
		Port:      p.port,
		Address:   address,
		ErrorType: class.String(),
		Message:   err.Error(),
	})
}

// recordSuccess updates the health ledger and emits a ConnectionRecovery
// when the success ends a failure streak.
func (p *Poller) recordSuccess(address byte) {
	recovered, total := p.health.RecordSuccess(p.port, address)
	if !recovered {
		return
	}

	p.sink.Publish(event.ConnectionRecovery{
		TS:              p.now(),
		Port:            p.port,
		Address:         address,
		RecoveriesTotal: total,
	})
}

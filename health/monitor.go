package health

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ArJKloek/FlowControl/logger"
)

// Accounting thresholds.
const (
	// QuarantineThreshold is the consecutive-error count at which an
	// address is quarantined.
	QuarantineThreshold = 10

	// QuarantineDuration is how long a quarantined address is skipped.
	QuarantineDuration = 60 * time.Second

	// QuietReset is the error-free interval after which an address's
	// consecutive-error count resets on its own.
	QuietReset = 30 * time.Second
)

// Key identifies one instrument address on one port.
type Key struct {
	Port    string
	Address byte
}

// Stats is a point-in-time snapshot of one address's health record.
type Stats struct {
	ConsecutiveErrors int
	Quarantined       bool
	QuarantinedUntil  time.Time
	Recoveries        int
	LastRecovery      time.Time
	Uptime            time.Duration
}

type entry struct {
	mu sync.Mutex

	consecutive      int
	lastErrorAt      time.Time
	quarantinedUntil time.Time

	// hadFailure marks that the next success counts as a recovery.
	hadFailure bool

	recoveries     int
	lastRecoveryAt time.Time
	uptimeOrigin   time.Time // zero until the address is first seen healthy
}

// Monitor tracks per-address communication health for all ports.
// It is safe for concurrent use from poller loops and caller threads.
type Monitor struct {
	entries *xsync.MapOf[Key, *entry]
	logger  logger.Logger

	// now is the monotonic-friendly clock; replaced in tests.
	now func() time.Time
}

// NewMonitor creates an empty health monitor.
func NewMonitor(l logger.Logger) *Monitor {
	if l == nil {
		l = logger.GetLogger()
	}
	return &Monitor{
		entries: xsync.NewMapOf[Key, *entry](),
		logger:  l,
		now:     time.Now,
	}
}

// SetClock replaces the monitor's clock. Tests use it to simulate the
// passage of quarantine and quiet-reset intervals.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Monitor) entryFor(port string, address byte) *entry {
	e, _ := m.entries.LoadOrCompute(Key{Port: port, Address: address}, func() *entry {
		return &entry{}
	})
	return e
}

// RecordFailure classifies err, increments the address's consecutive-error
// count and quarantines the address when the threshold is reached.
// It returns the error class and whether the address is now quarantined.
func (m *Monitor) RecordFailure(port string, address byte, err error) (ErrorClass, bool) {
	class := Classify(err)
	now := m.now()

	e := m.entryFor(port, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetIfQuietLocked(now)

	e.consecutive++
	e.lastErrorAt = now
	e.hadFailure = true

	if e.consecutive >= QuarantineThreshold && now.After(e.quarantinedUntil) {
		e.quarantinedUntil = now.Add(QuarantineDuration)
		m.logger.Warn("address quarantined",
			"port", port,
			"address", address,
			"consecutiveErrors", e.consecutive,
			"until", e.quarantinedUntil,
			"class", class.String(),
		)
	}

	return class, now.Before(e.quarantinedUntil)
}

// RecordSuccess resets the address's consecutive-error count and lifts any
// quarantine. When the success follows a failure it counts as a recovery.
// It returns whether a recovery was recorded and the recovery total.
func (m *Monitor) RecordSuccess(port string, address byte) (bool, int) {
	now := m.now()

	e := m.entryFor(port, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutive = 0
	e.quarantinedUntil = time.Time{}

	if e.uptimeOrigin.IsZero() {
		e.uptimeOrigin = now
	}

	if !e.hadFailure {
		return false, e.recoveries
	}

	e.hadFailure = false
	e.recoveries++
	e.lastRecoveryAt = now
	m.logger.Info("address recovered",
		"port", port,
		"address", address,
		"recoveries", e.recoveries,
	)

	return true, e.recoveries
}

// ForceRecovery records a recovery without a preceding bus exchange, used
// when a port is forcibly reconnected. It clears the error state and
// returns the new recovery total.
func (m *Monitor) ForceRecovery(port string, address byte) int {
	now := m.now()

	e := m.entryFor(port, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutive = 0
	e.quarantinedUntil = time.Time{}
	e.hadFailure = false
	e.recoveries++
	e.lastRecoveryAt = now
	if e.uptimeOrigin.IsZero() {
		e.uptimeOrigin = now
	}

	return e.recoveries
}

// Quarantined reports whether the address is currently quarantined.
func (m *Monitor) Quarantined(port string, address byte) bool {
	now := m.now()

	e := m.entryFor(port, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetIfQuietLocked(now)

	return now.Before(e.quarantinedUntil)
}

// ConsecutiveErrors returns the address's current consecutive-error count,
// applying the quiet-interval reset first.
func (m *Monitor) ConsecutiveErrors(port string, address byte) int {
	now := m.now()

	e := m.entryFor(port, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetIfQuietLocked(now)

	return e.consecutive
}

// Snapshot returns a copy of the address's health record.
func (m *Monitor) Snapshot(port string, address byte) Stats {
	now := m.now()

	e := m.entryFor(port, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetIfQuietLocked(now)

	st := Stats{
		ConsecutiveErrors: e.consecutive,
		Quarantined:       now.Before(e.quarantinedUntil),
		QuarantinedUntil:  e.quarantinedUntil,
		Recoveries:        e.recoveries,
		LastRecovery:      e.lastRecoveryAt,
	}
	if !e.uptimeOrigin.IsZero() {
		st.Uptime = now.Sub(e.uptimeOrigin)
	}

	return st
}

// resetIfQuietLocked clears the consecutive-error count when no error has
// been observed for the quiet interval. Caller holds e.mu.
func (e *entry) resetIfQuietLocked(now time.Time) {
	if e.consecutive > 0 && !e.lastErrorAt.IsZero() && now.Sub(e.lastErrorAt) >= QuietReset {
		e.consecutive = 0
	}
}

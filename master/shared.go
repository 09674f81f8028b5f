package master

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ArJKloek/FlowControl/logger"
	"github.com/ArJKloek/FlowControl/propar"
)

// retryDelays is the progressive backoff ladder for recoverable failures:
// up to three retries after the initial attempt.
var retryDelays = [...]time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	300 * time.Millisecond,
}

// SharedStats tracks serialized operations on one port.
type SharedStats struct {
	TotalOperations           uint64
	SuccessfulOperations      uint64
	FailedOperations          uint64
	ConcurrentAttemptsBlocked uint64
	LongestOperationMs        int64
}

// SharedMaster is the per-port serialization layer: a mutual-exclusion gate
// in front of a Master, with retry, statistics and master recreation on
// fatal errors.
//
// Exported operations acquire the gate once and release it when they
// return; internal helpers assume the gate is held, so helper methods can
// build on public behavior without re-acquiring.
type SharedMaster struct {
	cfg    *Config
	logger logger.Logger

	mu     sync.Mutex
	master *Master // nil after a fatal open failure, reopened lazily

	epoch atomic.Uint64

	total   atomic.Uint64
	success atomic.Uint64
	failed  atomic.Uint64
	blocked atomic.Uint64
	longest atomic.Int64 // milliseconds

	// sleep is the retry backoff sleeper; replaced in tests.
	sleep func(time.Duration)
}

// NewSharedMaster opens the port described by cfg behind a serialization
// gate.
func NewSharedMaster(cfg *Config) (*SharedMaster, error) {
	s := &SharedMaster{
		cfg:    cfg,
		logger: cfg.logger.With("port", cfg.portName),
		sleep:  cfg.retrySleep,
	}

	m, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	s.master = m

	return s, nil
}

// Request performs a serialized parameter read against node.
func (s *SharedMaster) Request(node byte, params []propar.Parameter) (*propar.Response, error) {
	return s.execute(func(m *Master) (*propar.Response, error) {
		return m.Request(node, params)
	})
}

// Send performs a serialized parameter write against node.
func (s *SharedMaster) Send(node byte, cmd propar.Command, params []propar.ParameterValue) (*propar.Response, error) {
	return s.execute(func(m *Master) (*propar.Response, error) {
		return m.Send(node, cmd, params)
	})
}

// Epoch returns the port's recreation epoch. It increases every time the
// underlying master is rebuilt, invalidating stale handles.
func (s *SharedMaster) Epoch() uint64 {
	return s.epoch.Load()
}

// PortName returns the serial port this master serializes.
func (s *SharedMaster) PortName() string {
	return s.cfg.portName
}

// Stats returns a snapshot of the port's operation statistics.
func (s *SharedMaster) Stats() SharedStats {
	return SharedStats{
		TotalOperations:           s.total.Load(),
		SuccessfulOperations:      s.success.Load(),
		FailedOperations:          s.failed.Load(),
		ConcurrentAttemptsBlocked: s.blocked.Load(),
		LongestOperationMs:        s.longest.Load(),
	}
}

// Reconnect forcibly rebuilds the underlying master and bumps the
// recreation epoch. Pending transactions on the old handle fail with
// ErrPortLost.
func (s *SharedMaster) Reconnect() error {
	s.acquire()
	defer s.mu.Unlock()

	return s.recreateLocked()
}

// Close shuts the port down. The next operation reopens the port lazily and
// bumps the recreation epoch.
func (s *SharedMaster) Close() error {
	s.acquire()
	defer s.mu.Unlock()

	if s.master == nil {
		return nil
	}

	err := s.master.Close()
	s.master = nil

	return err
}

// acquire takes the gate, counting attempts that found it busy.
func (s *SharedMaster) acquire() {
	if s.mu.TryLock() {
		return
	}
	s.blocked.Add(1)
	s.mu.Lock()
}

// execute runs op under the gate with the retry ladder. Each attempt counts
// as one operation in the statistics; a recoverable failure sleeps and
// retries, a PortLost failure additionally rebuilds the master first.
func (s *SharedMaster) execute(op func(*Master) (*propar.Response, error)) (*propar.Response, error) {
	s.acquire()
	defer s.mu.Unlock()

	start := time.Now()
	defer s.recordDuration(start)

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			s.sleep(retryDelays[attempt-1])
			s.logger.Debug("retrying operation", "attempt", attempt+1)
		}

		m, err := s.masterLocked()
		if err != nil {
			lastErr = err
			continue
		}

		s.total.Add(1)
		rsp, err := op(m)
		if err == nil {
			s.success.Add(1)
			return rsp, nil
		}

		s.failed.Add(1)
		lastErr = err

		if !retryable(err) {
			break
		}

		if errors.Is(err, ErrPortLost) {
			if recErr := s.recreateLocked(); recErr != nil {
				s.logger.Error("failed to recreate master", "error", recErr)
			}
		}
	}

	return nil, lastErr
}

// masterLocked returns the current master, reopening the port if a prior
// fatal error left it closed. Caller holds the gate.
func (s *SharedMaster) masterLocked() (*Master, error) {
	if s.master != nil {
		return s.master, nil
	}

	m, err := Open(s.cfg)
	if err != nil {
		return nil, err
	}

	s.master = m
	s.epoch.Add(1)
	s.logger.Info("master reopened", "epoch", s.epoch.Load())

	return m, nil
}

// recreateLocked closes and reopens the underlying master, bumping the
// epoch so stale pending slots are abandoned. Caller holds the gate.
func (s *SharedMaster) recreateLocked() error {
	if s.master != nil {
		_ = s.master.Close()
		s.master = nil
	}

	_, err := s.masterLocked()

	return err
}

func (s *SharedMaster) recordDuration(start time.Time) {
	elapsed := time.Since(start).Milliseconds()
	for {
		cur := s.longest.Load()
		if elapsed <= cur || s.longest.CompareAndSwap(cur, elapsed) {
			return
		}
	}
}

// retryable reports whether the serializer should retry after err:
// transport loss, response timeout and frame/message parse failures are
// recoverable; status errors and caller mistakes are not.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrPortLost),
		errors.Is(err, ErrTimeoutAnswer),
		errors.Is(err, propar.ErrMalformedMessage),
		errors.Is(err, propar.ErrTruncatedValue):
		return true
	default:
		return false
	}
}

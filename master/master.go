package master

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ArJKloek/FlowControl/internal/pool"
	"github.com/ArJKloek/FlowControl/logger"
	"github.com/ArJKloek/FlowControl/propar"
)

// Master drives one serial handle. It allocates sequence numbers, frames
// and writes requests, and runs a receive worker that reassembles frames
// and completes the pending request whose sequence number matches.
//
// Master methods may be called concurrently, but the bus itself is
// half-duplex: SharedMaster is the component that guarantees only one
// transaction is outstanding per port. Master enforces only the write
// guard, not full transaction exclusivity.
type Master struct {
	cfg    *Config
	logger logger.Logger
	port   SerialPort

	writeMu sync.Mutex
	seq     atomic.Uint32
	pending *xsync.MapOf[byte, *pendingRequest]

	closed   atomic.Bool
	recvDone chan struct{}

	stats DriverStats
}

// pendingRequest is one in-flight transaction waiting for its reply.
type pendingRequest struct {
	node byte
	ch   chan propar.Message
}

// DriverStats counts wire-level events on one port handle.
type DriverStats struct {
	FramesSent      atomic.Uint64
	FramesReceived  atomic.Uint64
	MalformedFrames atomic.Uint64
	UnknownSeq      atomic.Uint64
	Timeouts        atomic.Uint64
}

// Open opens the serial handle described by cfg and starts the receive
// worker.
func Open(cfg *Config) (*Master, error) {
	port, err := cfg.opener(cfg.portName, cfg.baudRate)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.portName, err)
	}

	if err := port.SetReadTimeout(cfg.byteTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.portName, err)
	}

	m := &Master{
		cfg:      cfg,
		logger:   cfg.logger.With("port", cfg.portName),
		port:     port,
		pending:  xsync.NewMapOf[byte, *pendingRequest](),
		recvDone: make(chan struct{}),
	}

	go m.receiveLoop()

	m.logger.Debug("master opened", "baud", cfg.baudRate)

	return m, nil
}

// Close shuts the receive worker down, closes the serial handle and fails
// every pending transaction with ErrPortLost.
func (m *Master) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := m.port.Close()
	<-m.recvDone
	m.failAllPending()

	return err
}

// Stats returns the driver's wire-level counters.
func (m *Master) Stats() *DriverStats {
	return &m.stats
}

// Request asks node for the given parameters and returns the decoded
// response. All parameters travel in one chained message.
func (m *Master) Request(node byte, params []propar.Parameter) (*propar.Response, error) {
	msg, err := propar.BuildRequest(m.nextSeq(), node, params)
	if err != nil {
		return nil, err
	}

	return m.transact(msg)
}

// Send writes the given parameter values to node. CmdSendParmWithAck waits
// for the status reply; CmdSendParm and CmdSendParmBroadcast return as soon
// as the message is on the wire.
func (m *Master) Send(node byte, cmd propar.Command, params []propar.ParameterValue) (*propar.Response, error) {
	if cmd == propar.CmdSendParmBroadcast {
		node = propar.HostNode
	}

	msg, err := propar.BuildSend(m.nextSeq(), node, cmd, params)
	if err != nil {
		return nil, err
	}

	if cmd != propar.CmdSendParmWithAck {
		return nil, m.write(msg)
	}

	return m.transact(msg)
}

// nextSeq returns the next outbound sequence number, wrapping modulo 256.
func (m *Master) nextSeq() byte {
	return byte(m.seq.Add(1))
}

// write frames msg and puts it on the wire under the write guard.
func (m *Master) write(msg propar.Message) error {
	if m.closed.Load() {
		return ErrClosed
	}

	frame := propar.Frame(msg.Encode())

	m.writeMu.Lock()
	_, err := m.port.Write(frame)
	m.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: write: %w", ErrPortLost, err)
	}

	m.stats.FramesSent.Add(1)

	return nil
}

// transact sends msg and blocks until the matching response arrives or the
// response timeout expires.
func (m *Master) transact(msg propar.Message) (*propar.Response, error) {
	req := &pendingRequest{node: msg.Node, ch: make(chan propar.Message, 1)}
	m.pending.Store(msg.Seq, req)
	defer m.pending.Delete(msg.Seq)

	if err := m.write(msg); err != nil {
		return nil, err
	}

	timer := pool.GetTimer(m.cfg.responseTimeout)
	defer pool.PutTimer(timer)

	select {
	case reply, ok := <-req.ch:
		if !ok {
			return nil, ErrPortLost
		}
		rsp, err := propar.ParseResponse(reply)
		if err != nil {
			return nil, err
		}
		if rsp.Status != nil {
			if stErr := rsp.Status.Err(); stErr != nil {
				return rsp, stErr
			}
		}
		return rsp, nil

	case <-timer.C:
		m.stats.Timeouts.Add(1)
		return nil, fmt.Errorf("%w: node %d seq %d after %v",
			ErrTimeoutAnswer, msg.Node, msg.Seq, m.cfg.responseTimeout)
	}
}

// receiveLoop is the port's receive worker: it reads raw bytes, feeds the
// frame decoder and dispatches completed frames.
func (m *Master) receiveLoop() {
	defer close(m.recvDone)

	decoder := propar.NewDecoder(m.handleFrame)
	decoder.NonPropar = func(b byte) {
		m.logger.Debug("non-propar byte on wire", "byte", fmt.Sprintf("0x%02X", b))
	}

	buf := make([]byte, 256)
	var seenMalformed uint64
	for {
		n, err := m.port.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
		}
		if malformed := decoder.MalformedFrames(); malformed > seenMalformed {
			m.stats.MalformedFrames.Add(malformed - seenMalformed)
			seenMalformed = malformed
		}

		if err != nil {
			if !m.closed.Load() {
				m.logger.Error("receive worker stopped", "error", err)
				m.failAllPending()
			}
			return
		}
		if m.closed.Load() {
			return
		}
	}
}

// handleFrame parses one completed frame body and routes it to the pending
// request with the matching sequence number.
func (m *Master) handleFrame(body []byte) {
	msg, err := propar.ParseMessage(body)
	if err != nil {
		m.stats.MalformedFrames.Add(1)
		m.logger.Debug("dropping malformed frame", "error", err, "len", len(body))
		return
	}

	m.stats.FramesReceived.Add(1)

	req, ok := m.pending.Load(msg.Seq)
	if !ok {
		m.stats.UnknownSeq.Add(1)
		m.logger.Debug("dropping frame with unknown sequence", "seq", msg.Seq, "node", msg.Node)
		return
	}

	if !req.accepts(msg) {
		m.stats.UnknownSeq.Add(1)
		m.logger.Debug("dropping frame with mismatched node",
			"seq", msg.Seq, "node", msg.Node, "want", req.node)
		return
	}

	m.pending.Delete(msg.Seq)

	select {
	case req.ch <- msg:
	default:
		// a late duplicate for a transaction that already completed
	}
}

// accepts reports whether msg completes this pending request: the node must
// match, except that a status reply may come back addressed to the host
// after a broadcast.
func (req *pendingRequest) accepts(msg propar.Message) bool {
	if req.node == msg.Node {
		return true
	}
	if cmd, err := msg.Command(); err == nil && cmd == propar.CmdStatus {
		return req.node == propar.HostNode
	}
	return false
}

// failAllPending closes every pending request channel so waiting callers
// observe ErrPortLost.
func (m *Master) failAllPending() {
	m.pending.Range(func(seq byte, req *pendingRequest) bool {
		m.pending.Delete(seq)
		close(req.ch)
		return true
	})
}

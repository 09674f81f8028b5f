package master

import (
	"errors"
	"sync"
	"time"

	"github.com/ArJKloek/FlowControl/propar"
)

// fakePort is an in-memory SerialPort with a scriptable instrument on the
// far end. Frames written to the port are decoded and handed to onMessage;
// whatever onMessage queues with respond comes back through Read.
type fakePort struct {
	mu          sync.Mutex
	rx          []byte
	notify      chan struct{}
	readTimeout time.Duration
	closed      bool

	writes   []propar.Message
	writeErr error

	// onMessage simulates the instrument; may be nil.
	onMessage func(msg propar.Message)

	dec *propar.Decoder
}

func newFakePort() *fakePort {
	fp := &fakePort{
		notify:      make(chan struct{}, 1),
		readTimeout: time.Millisecond,
	}
	fp.dec = propar.NewDecoder(func(body []byte) {
		msg, err := propar.ParseMessage(body)
		if err != nil {
			return
		}
		fp.mu.Lock()
		fp.writes = append(fp.writes, msg)
		handler := fp.onMessage
		fp.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	})
	return fp
}

func (fp *fakePort) Read(p []byte) (int, error) {
	deadline := time.After(fp.readTimeout)
	for {
		fp.mu.Lock()
		if fp.closed {
			fp.mu.Unlock()
			return 0, errors.New("port is closed")
		}
		if len(fp.rx) > 0 {
			n := copy(p, fp.rx)
			fp.rx = fp.rx[n:]
			fp.mu.Unlock()
			return n, nil
		}
		fp.mu.Unlock()

		select {
		case <-fp.notify:
		case <-deadline:
			return 0, nil
		}
	}
}

func (fp *fakePort) Write(p []byte) (int, error) {
	fp.mu.Lock()
	err := fp.writeErr
	closed := fp.closed
	fp.mu.Unlock()

	if closed {
		return 0, errors.New("port is closed")
	}
	if err != nil {
		return 0, err
	}

	fp.dec.Feed(p)

	return len(p), nil
}

func (fp *fakePort) Close() error {
	fp.mu.Lock()
	fp.closed = true
	fp.mu.Unlock()

	select {
	case fp.notify <- struct{}{}:
	default:
	}

	return nil
}

func (fp *fakePort) SetReadTimeout(t time.Duration) error {
	fp.readTimeout = t
	return nil
}

// respond queues a framed message for the master's receive worker.
func (fp *fakePort) respond(msg propar.Message) {
	fp.respondRaw(propar.Frame(msg.Encode()))
}

// respondRaw queues arbitrary bytes for the receive worker.
func (fp *fakePort) respondRaw(raw []byte) {
	fp.mu.Lock()
	fp.rx = append(fp.rx, raw...)
	fp.mu.Unlock()

	select {
	case fp.notify <- struct{}{}:
	default:
	}
}

// setWriteErr makes every subsequent write fail with err.
func (fp *fakePort) setWriteErr(err error) {
	fp.mu.Lock()
	fp.writeErr = err
	fp.mu.Unlock()
}

// sentMessages returns a copy of the decoded messages written so far.
func (fp *fakePort) sentMessages() []propar.Message {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	out := make([]propar.Message, len(fp.writes))
	copy(out, fp.writes)
	return out
}

// statusReply builds an OK status reply for msg.
func statusReply(msg propar.Message, code propar.StatusCode) propar.Message {
	return propar.Message{
		Seq:     msg.Seq,
		Node:    msg.Node,
		Payload: []byte{byte(propar.CmdStatus), byte(code), 0x00},
	}
}

// floatReply builds a SendParm reply carrying one float for msg.
func floatReply(msg propar.Message, process, index byte, bits uint32) propar.Message {
	payload := []byte{
		byte(propar.CmdSendParm),
		process & 0x7F,
		0x40 | (index & 0x1F),
		byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits),
	}
	return propar.Message{Seq: msg.Seq, Node: msg.Node, Payload: payload}
}

// testConfig builds a Config wired to the given fake port with short
// timeouts.
func testConfig(fp *fakePort, opts ...Option) *Config {
	base := []Option{
		WithOpener(func(string, int) (SerialPort, error) { return fp, nil }),
		WithByteTimeout(time.Millisecond),
		WithResponseTimeout(50 * time.Millisecond),
	}
	cfg, err := NewConfig("/dev/ttyFAKE", append(base, opts...)...)
	if err != nil {
		panic(err)
	}
	return cfg
}

package manager

import (
	"errors"
	"sync"
	"time"

	"github.com/ArJKloek/FlowControl/master"
	"github.com/ArJKloek/FlowControl/propar"
)

// paramKey locates one simulated parameter.
type paramKey struct {
	process byte
	index   byte
}

// simNode is one simulated instrument: its parameter store.
type simNode struct {
	values map[paramKey]any
}

// busSim simulates a PROPAR bus with a set of instruments. Every opened
// simPort shares the same nodes, so a recreated master talks to the same
// bus.
type busSim struct {
	mu    sync.Mutex
	nodes map[byte]*simNode
}

func newBusSim() *busSim {
	return &busSim{nodes: make(map[byte]*simNode)}
}

// addNode registers an instrument with its parameters.
func (b *busSim) addNode(address byte, values map[paramKey]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	store := make(map[paramKey]any, len(values))
	for k, v := range values {
		store[k] = v
	}
	b.nodes[address] = &simNode{values: store}
}

// value reads a stored parameter, for assertions.
func (b *busSim) value(address byte, key paramKey) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	node, ok := b.nodes[address]
	if !ok {
		return nil, false
	}
	v, ok := node.values[key]
	return v, ok
}

// open is the master.Opener for this bus.
func (b *busSim) open(string, int) (master.SerialPort, error) {
	return newSimPort(b), nil
}

// simPort is one serial handle onto the bus.
type simPort struct {
	bus *busSim

	mu          sync.Mutex
	rx          []byte
	notify      chan struct{}
	readTimeout time.Duration
	closed      bool

	dec *propar.Decoder
}

func newSimPort(bus *busSim) *simPort {
	sp := &simPort{
		bus:         bus,
		notify:      make(chan struct{}, 1),
		readTimeout: time.Millisecond,
	}
	sp.dec = propar.NewDecoder(func(body []byte) {
		msg, err := propar.ParseMessage(body)
		if err != nil {
			return
		}
		sp.handle(msg)
	})
	return sp
}

func (sp *simPort) Read(p []byte) (int, error) {
	deadline := time.After(sp.readTimeout)
	for {
		sp.mu.Lock()
		if sp.closed {
			sp.mu.Unlock()
			return 0, errors.New("port is closed")
		}
		if len(sp.rx) > 0 {
			n := copy(p, sp.rx)
			sp.rx = sp.rx[n:]
			sp.mu.Unlock()
			return n, nil
		}
		sp.mu.Unlock()

		select {
		case <-sp.notify:
		case <-deadline:
			return 0, nil
		}
	}
}

func (sp *simPort) Write(p []byte) (int, error) {
	sp.mu.Lock()
	closed := sp.closed
	sp.mu.Unlock()
	if closed {
		return 0, errors.New("port is closed")
	}

	sp.dec.Feed(p)
	return len(p), nil
}

func (sp *simPort) Close() error {
	sp.mu.Lock()
	sp.closed = true
	sp.mu.Unlock()

	select {
	case sp.notify <- struct{}{}:
	default:
	}
	return nil
}

func (sp *simPort) SetReadTimeout(t time.Duration) error {
	sp.readTimeout = t
	return nil
}

func (sp *simPort) reply(msg propar.Message) {
	raw := propar.Frame(msg.Encode())

	sp.mu.Lock()
	sp.rx = append(sp.rx, raw...)
	sp.mu.Unlock()

	select {
	case sp.notify <- struct{}{}:
	default:
	}
}

// handle answers one request the way an instrument would.
func (sp *simPort) handle(msg propar.Message) {
	cmd, err := msg.Command()
	if err != nil {
		return
	}

	sp.bus.mu.Lock()
	node, present := sp.bus.nodes[msg.Node]
	sp.bus.mu.Unlock()
	if !present {
		return // nobody home: the master times out
	}

	switch cmd {
	case propar.CmdRequestParm:
		sp.handleRequest(msg, node)
	case propar.CmdSendParmWithAck:
		sp.handleWrite(msg, node)
	case propar.CmdSendParm, propar.CmdSendParmBroadcast:
		// fire-and-forget: apply silently
		sp.applyWrite(msg, node)
	}
}

// reqParam is one parameter extracted from a request payload.
type reqParam struct {
	process  byte
	wireCode byte
	index    byte
}

// parseRequest walks a RequestParm payload's chained groups.
func parseRequest(payload []byte) []reqParam {
	var out []reqParam

	buf := payload[1:]
	moreGroups := true
	for moreGroups && len(buf) > 0 {
		proc := buf[0]
		moreGroups = proc&0x80 != 0
		proc &= 0x7F
		buf = buf[1:]

		moreParams := true
		for moreParams && len(buf) > 0 {
			idx := buf[0]
			moreParams = idx&0x80 != 0
			buf = buf[1:]

			out = append(out, reqParam{
				process:  proc,
				wireCode: idx & 0x60,
				index:    idx & 0x1F,
			})
		}
	}

	return out
}

// typeForValue picks the propar DataType that serializes v under the
// requested wire code.
func typeForValue(wireCode byte, v any) propar.DataType {
	switch wireCode {
	case 0x00:
		return propar.TypeInt8
	case 0x20:
		if _, ok := v.(int16); ok {
			return propar.TypeSInt16
		}
		return propar.TypeInt16
	case 0x40:
		switch v.(type) {
		case float32, float64:
			return propar.TypeFloat
		default:
			return propar.TypeInt32
		}
	default:
		return propar.TypeString
	}
}

func (sp *simPort) handleRequest(msg propar.Message, node *simNode) {
	reqs := parseRequest(msg.Payload)

	var pvs []propar.ParameterValue
	sp.bus.mu.Lock()
	for i, req := range reqs {
		v, ok := node.values[paramKey{process: req.process, index: req.index}]
		if !ok {
			sp.bus.mu.Unlock()
			sp.reply(propar.Message{
				Seq:     msg.Seq,
				Node:    msg.Node,
				Payload: []byte{byte(propar.CmdStatus), byte(propar.StatusParmNumber), byte(i)},
			})
			return
		}
		pvs = append(pvs, propar.ParameterValue{
			Parameter: propar.Parameter{
				Process: req.process,
				Index:   req.index,
				Type:    typeForValue(req.wireCode, v),
			},
			Value: v,
		})
	}
	sp.bus.mu.Unlock()

	reply, err := propar.BuildSend(msg.Seq, msg.Node, propar.CmdSendParm, pvs)
	if err != nil {
		return
	}
	sp.reply(reply)
}

func (sp *simPort) handleWrite(msg propar.Message, node *simNode) {
	if !sp.applyWrite(msg, node) {
		sp.reply(propar.Message{
			Seq:     msg.Seq,
			Node:    msg.Node,
			Payload: []byte{byte(propar.CmdStatus), byte(propar.StatusParmNumber), 0},
		})
		return
	}

	sp.reply(propar.Message{
		Seq:     msg.Seq,
		Node:    msg.Node,
		Payload: []byte{byte(propar.CmdStatus), byte(propar.StatusOK), 0},
	})
}

// applyWrite decodes a send payload and stores its values.
func (sp *simPort) applyWrite(msg propar.Message, node *simNode) bool {
	// a send payload has the same chained layout as a SendParm reply
	asReply := propar.Message{
		Seq:     msg.Seq,
		Node:    msg.Node,
		Payload: append([]byte{byte(propar.CmdSendParm)}, msg.Payload[1:]...),
	}
	rsp, err := propar.ParseResponse(asReply)
	if err != nil {
		return false
	}

	sp.bus.mu.Lock()
	defer sp.bus.mu.Unlock()

	for _, p := range rsp.Params {
		node.values[paramKey{process: p.Process, index: p.Index}] = p.Value
	}

	return true
}

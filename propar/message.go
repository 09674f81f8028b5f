package propar

import (
	"fmt"
	"math"
)

// Command is the first payload byte of a PROPAR message.
type Command byte

const (
	CmdStatus            Command = 0x00
	CmdSendParmWithAck   Command = 0x01
	CmdSendParm          Command = 0x02
	CmdSendParmBroadcast Command = 0x03
	CmdRequestParm       Command = 0x04
)

func (c Command) String() string {
	switch c {
	case CmdStatus:
		return "status"
	case CmdSendParmWithAck:
		return "send parameter with ack"
	case CmdSendParm:
		return "send parameter"
	case CmdSendParmBroadcast:
		return "send parameter broadcast"
	case CmdRequestParm:
		return "request parameter"
	default:
		return fmt.Sprintf("command 0x%02X", byte(c))
	}
}

// Node address bounds. HostNode is the local host's own address, used as the
// target of broadcast responses.
const (
	MinAddress byte = 1
	MaxAddress byte = 247
	HostNode   byte = 0x80
)

// Message is a PROPAR message: the frame body without the DLE envelope.
type Message struct {
	Seq     byte
	Node    byte
	Payload []byte
}

// Encode serializes the message head and payload: seq | node | len | payload.
func (m Message) Encode() []byte {
	out := make([]byte, 0, 3+len(m.Payload))
	out = append(out, m.Seq, m.Node, byte(len(m.Payload)))
	return append(out, m.Payload...)
}

// Command returns the command byte of the payload.
func (m Message) Command() (Command, error) {
	if len(m.Payload) == 0 {
		return 0, ErrMalformedMessage
	}
	return Command(m.Payload[0]), nil
}

// ParseMessage splits a frame body into a Message, validating that the
// length byte agrees with the body size.
func ParseMessage(body []byte) (Message, error) {
	if len(body) < 3 {
		return Message{}, fmt.Errorf("%w: body of %d bytes", ErrMalformedMessage, len(body))
	}
	if int(body[2]) != len(body)-3 {
		return Message{}, fmt.Errorf("%w: length byte %d, payload %d bytes",
			ErrMalformedMessage, body[2], len(body)-3)
	}

	msg := Message{Seq: body[0], Node: body[1]}
	msg.Payload = append(msg.Payload, body[3:]...)

	return msg, nil
}

// Parameter locates one instrument parameter on the bus.
//
// Node is the PROPAR address the parameter lives on. The instrument facade
// stamps it before a multi-parameter request is built; a single-parameter
// operation takes the node from the call itself.
type Parameter struct {
	Node    byte
	Process byte     // 0..127
	Index   byte     // parm_nr, 0..31
	Type    DataType // client-side type
}

// ParameterValue pairs a parameter with a value to write.
type ParameterValue struct {
	Parameter
	Value any
}

// indexByte packs the wire type code and the parameter number into the
// parameter index byte.
func (p Parameter) indexByte() byte {
	return p.Type.wireCode() | (p.Index & 0x1F)
}

// BuildRequest builds a RequestParm message asking node for the given
// parameters. Consecutive parameters with the same process number are
// chained into one group; groups are chained through the process byte.
func BuildRequest(seq, node byte, params []Parameter) (Message, error) {
	if len(params) == 0 {
		return Message{}, ErrEmptyRequest
	}

	payload := []byte{byte(CmdRequestParm)}
	for _, g := range groupByProcess(params) {
		payload = appendGroupHead(payload, g)
		for j, p := range g.params {
			idx := p.indexByte()
			if j < len(g.params)-1 {
				idx |= chainBit
			}
			payload = append(payload, idx)
		}
	}

	return Message{Seq: seq, Node: node, Payload: payload}, nil
}

// BuildSend builds a SendParm message writing the given values to node.
// cmd selects the delivery mode: with ack, fire-and-forget or broadcast.
// Chaining rules are identical to BuildRequest.
func BuildSend(seq, node byte, cmd Command, params []ParameterValue) (Message, error) {
	if len(params) == 0 {
		return Message{}, ErrEmptyRequest
	}
	switch cmd {
	case CmdSendParmWithAck, CmdSendParm, CmdSendParmBroadcast:
	default:
		return Message{}, fmt.Errorf("%w: %s is not a send command", ErrUnknownCommand, cmd)
	}

	bare := make([]Parameter, len(params))
	for i, p := range params {
		bare[i] = p.Parameter
	}

	payload := []byte{byte(cmd)}
	var err error
	pos := 0
	for _, g := range groupByProcess(bare) {
		payload = appendGroupHead(payload, g)
		for j := range g.params {
			idx := g.params[j].indexByte()
			if j < len(g.params)-1 {
				idx |= chainBit
			}
			payload = append(payload, idx)

			payload, err = AppendValue(payload, params[pos].Type, params[pos].Value)
			if err != nil {
				return Message{}, err
			}
			pos++
		}
	}

	return Message{Seq: seq, Node: node, Payload: payload}, nil
}

// group is a run of parameters sharing one process number.
type group struct {
	process byte
	last    bool
	params  []Parameter
}

func groupByProcess(params []Parameter) []group {
	var groups []group
	for _, p := range params {
		if n := len(groups); n > 0 && groups[n-1].process == p.Process {
			groups[n-1].params = append(groups[n-1].params, p)
			continue
		}
		groups = append(groups, group{process: p.Process, params: []Parameter{p}})
	}
	if len(groups) > 0 {
		groups[len(groups)-1].last = true
	}

	return groups
}

// appendGroupHead emits the group's process byte, with the process chain bit
// set when another group follows.
func appendGroupHead(payload []byte, g group) []byte {
	proc := g.process & 0x7F
	if !g.last {
		proc |= chainBit
	}
	return append(payload, proc)
}

// ResponseParam is one parameter carried in a SendParm response. Type is the
// generic wire type; callers that know the requested client-side type can
// reinterpret the value with Reinterpret.
type ResponseParam struct {
	Process byte
	Index   byte
	Type    DataType
	Value   any
}

// Reinterpret converts the generically-decoded value to the requested
// client-side type: wire words become signed when asked for, double words
// become floats when asked for.
func (p ResponseParam) Reinterpret(want DataType) any {
	switch want {
	case TypeSInt16, TypeBSInt16:
		if v, ok := p.Value.(uint16); ok {
			return int16(v)
		}
	case TypeFloat:
		if v, ok := p.Value.(uint32); ok {
			return math.Float32frombits(v)
		}
	}
	return p.Value
}

// Response is the decoded payload of a reply message.
type Response struct {
	Command Command
	Status  *Status         // set when Command is CmdStatus
	Process byte            // first process number, when Command is CmdSendParm
	Params  []ResponseParam // set when Command is CmdSendParm
}

// ParseResponse decodes a reply message's payload.
//
// A Status payload yields Response.Status. A SendParm payload yields the
// chained parameter list, decoded per the type bits each parameter carries.
// Any other command is surfaced as ErrUnknownCommand.
func ParseResponse(m Message) (*Response, error) {
	cmd, err := m.Command()
	if err != nil {
		return nil, err
	}

	switch cmd {
	case CmdStatus:
		return parseStatus(m.Payload)
	case CmdSendParm:
		return parseSendParm(m.Payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02X in reply", ErrUnknownCommand, byte(cmd))
	}
}

func parseStatus(payload []byte) (*Response, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: status payload of %d bytes", ErrMalformedMessage, len(payload))
	}

	st := &Status{Code: StatusCode(payload[1])}
	if len(payload) > 2 {
		st.Position = payload[2]
	}

	return &Response{Command: CmdStatus, Status: st}, nil
}

func parseSendParm(payload []byte) (*Response, error) {
	rsp := &Response{Command: CmdSendParm}

	buf := payload[1:]
	moreGroups := true
	for moreGroups {
		if len(buf) < 1 {
			return nil, fmt.Errorf("%w: missing process byte", ErrMalformedMessage)
		}
		proc := buf[0]
		moreGroups = proc&chainBit != 0
		proc &= 0x7F
		buf = buf[1:]

		if len(rsp.Params) == 0 {
			rsp.Process = proc
		}

		moreParams := true
		for moreParams {
			if len(buf) < 1 {
				return nil, fmt.Errorf("%w: missing parameter byte", ErrMalformedMessage)
			}
			idx := buf[0]
			moreParams = idx&chainBit != 0
			buf = buf[1:]

			t, err := typeFromWire(idx)
			if err != nil {
				return nil, err
			}

			val, n, err := decodeValue(t, buf)
			if err != nil {
				return nil, err
			}
			buf = buf[n:]

			rsp.Params = append(rsp.Params, ResponseParam{
				Process: proc,
				Index:   idx & 0x1F,
				Type:    t,
				Value:   val,
			})
		}
	}

	return rsp, nil
}

package propar

// Frame control bytes.
const (
	DLE byte = 0x10
	STX byte = 0x02
	ETX byte = 0x03
)

// Frame wraps a message body in a PROPAR frame: it prepends DLE STX, doubles
// every DLE inside the body, and appends DLE ETX.
func Frame(body []byte) []byte {
	// worst case: every body byte is a DLE
	out := make([]byte, 0, len(body)*2+4)
	out = append(out, DLE, STX)
	for _, b := range body {
		out = append(out, b)
		if b == DLE {
			out = append(out, DLE)
		}
	}
	out = append(out, DLE, ETX)

	return out
}

// decodeState enumerates the states of the streaming frame decoder.
type decodeState int

const (
	stateIdle decodeState = iota
	stateAfterDLE1
	stateInBody
	stateInBodyAfterDLE
)

// Decoder is a streaming PROPAR frame decoder.
//
// Bytes are pushed in with Feed; each completed frame body is delivered to
// the OnFrame callback. Bytes that arrive outside a frame are delivered to
// the optional NonPropar sink, which exists for bus diagnostics. Malformed
// frames are dropped and counted; the decoder resynchronizes on the next
// DLE STX and never stalls the receive loop.
//
// Decoder is not goroutine-safe; it is owned by a single receive worker.
type Decoder struct {
	// OnFrame is called with each completed frame body. The slice is only
	// valid for the duration of the call.
	OnFrame func(body []byte)

	// NonPropar, when non-nil, receives bytes observed outside any frame.
	NonPropar func(b byte)

	state decodeState
	body  []byte

	malformed uint64
}

// NewDecoder creates a Decoder that delivers frame bodies to onFrame.
func NewDecoder(onFrame func(body []byte)) *Decoder {
	return &Decoder{
		OnFrame: onFrame,
		body:    make([]byte, 0, 64),
	}
}

// Feed consumes a chunk of raw bytes from the wire.
func (d *Decoder) Feed(data []byte) {
	for _, b := range data {
		d.feedByte(b)
	}
}

// MalformedFrames returns the number of frames dropped due to protocol
// violations since the decoder was created.
func (d *Decoder) MalformedFrames() uint64 {
	return d.malformed
}

func (d *Decoder) feedByte(b byte) {
	switch d.state {
	case stateIdle:
		if b == DLE {
			d.state = stateAfterDLE1
			return
		}
		if d.NonPropar != nil {
			d.NonPropar(b)
		}

	case stateAfterDLE1:
		if b == STX {
			d.body = d.body[:0]
			d.state = stateInBody
			return
		}
		d.error()

	case stateInBody:
		if b == DLE {
			d.state = stateInBodyAfterDLE
			return
		}
		d.body = append(d.body, b)

	case stateInBodyAfterDLE:
		switch b {
		case DLE:
			// stuffed DLE inside the body
			d.body = append(d.body, DLE)
			d.state = stateInBody
		case ETX:
			if d.OnFrame != nil {
				d.OnFrame(d.body)
			}
			d.state = stateIdle
		case STX:
			// a new start inside a body: the previous frame was truncated,
			// resynchronize on this one
			d.malformed++
			d.body = d.body[:0]
			d.state = stateInBody
		default:
			d.error()
		}
	}
}

// error drops the frame under construction and resynchronizes on the next
// DLE start.
func (d *Decoder) error() {
	d.malformed++
	d.state = stateIdle
}

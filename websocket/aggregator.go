package websocket

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// Aggregator joins the fragment chains emitted by Parser into whole
// messages, passing control frames through untouched (spec.md Section
// 4.3). It is pulled out of the teacher's Conn.Read loop (which tracked
// inFragment/fragmentType/fragmentBuf inline) into its own component so
// the connection actor can drive C2 and C5 independently.
type Aggregator struct {
	maxMessageSize uint64

	opcode byte // opcodeText or opcodeBinary while in a fragment chain
	active bool
	buf    bytes.Buffer
}

// NewAggregator constructs an Aggregator enforcing maxMessageSize across
// one message's concatenated fragments. 0 means defaultMaxMessageSize.
func NewAggregator(maxMessageSize uint64) *Aggregator {
	if maxMessageSize == 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Aggregator{maxMessageSize: maxMessageSize}
}

// Push feeds one parsed frame to the aggregator.
//
// Control frames (PING/PONG/CLOSE) are returned immediately via ctrl
// and never affect fragmentation state. Data frames either start,
// extend, or complete a message; msg is non-nil exactly when a fragment
// chain just completed (FIN=1) or an unfragmented frame arrived.
//
// At most one of msg/ctrl is set on a non-error return.
func (a *Aggregator) Push(f *frame) (msg *Message, ctrl *frame, err error) {
	if isControlFrame(f.opcode) {
		return nil, f, nil
	}

	switch {
	case !a.active:
		switch f.opcode {
		case opcodeText, opcodeBinary:
			if err := a.accumulate(f.payload); err != nil {
				return nil, nil, err
			}
			if f.fin {
				return a.finish(f.opcode)
			}
			a.opcode = f.opcode
			a.active = true
			return nil, nil, nil
		case opcodeContinuation:
			return nil, nil, ErrUnexpectedContinuation
		default:
			return nil, nil, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, f.opcode)
		}

	default:
		switch f.opcode {
		case opcodeText, opcodeBinary:
			return nil, nil, ErrUnexpectedContinuation
		case opcodeContinuation:
			if err := a.accumulate(f.payload); err != nil {
				return nil, nil, err
			}
			if f.fin {
				return a.finish(a.opcode)
			}
			return nil, nil, nil
		default:
			return nil, nil, fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, f.opcode)
		}
	}
}

// Abandon discards any in-flight fragment chain without emitting a
// message. Called when a CLOSE frame arrives mid-message: RFC 6455
// permits abandoning the partial message, and holding it would leak the
// buffer for a message that will never complete (spec.md Section 9,
// open question (a); decided in DESIGN.md to always abandon).
func (a *Aggregator) Abandon() {
	a.active = false
	a.opcode = 0
	a.buf.Reset()
}

func (a *Aggregator) accumulate(payload []byte) error {
	if uint64(a.buf.Len())+uint64(len(payload)) > a.maxMessageSize {
		return fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLarge, a.maxMessageSize)
	}
	a.buf.Write(payload)
	return nil
}

func (a *Aggregator) finish(opcode byte) (*Message, *frame, error) {
	payload := make([]byte, a.buf.Len())
	copy(payload, a.buf.Bytes())

	a.active = false
	a.opcode = 0
	a.buf.Reset()

	if opcode == opcodeText && !utf8.Valid(payload) {
		return nil, nil, ErrInvalidUTF8
	}

	return &Message{Type: MessageType(opcode), Payload: payload}, nil, nil
}

package websocket

import (
	"errors"
	"fmt"
)

// connState is the connection actor's lifecycle state (spec.md Section
// 4.4). CONNECTING lives outside this package (it's the HTTP handshake,
// handled by Upgrade); a Conn is born already in stateOpen.
type connState int

const (
	stateOpen connState = iota
	stateClosingLocal  // we sent CLOSE, peer's CLOSE not yet received
	stateClosingRemote // peer sent CLOSE, we have not
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "OPEN"
	case stateClosingLocal:
		return "CLOSING_LOCAL"
	case stateClosingRemote:
		return "CLOSING_REMOTE"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// stateMachine tracks one connection's lifecycle and enforces the
// transition table in spec.md Section 4.4: exactly one CLOSE frame is
// ever sent, and once the first CLOSE is enqueued no further data
// frames may be.
type stateMachine struct {
	state connState

	// localCloseSent records whether this side has already enqueued its
	// one CLOSE frame, independent of state (CLOSING_REMOTE also forbids
	// a second local CLOSE once the echo is queued).
	localCloseSent bool
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: stateOpen}
}

func (sm *stateMachine) current() connState {
	return sm.state
}

// canSendData reports whether a data frame (TEXT/BINARY/CONTINUATION)
// may still be enqueued. PING/PONG remain permitted past this point
// until the transport actually closes.
func (sm *stateMachine) canSendData() bool {
	return sm.state == stateOpen
}

// requestClose transitions OPEN -> CLOSING_LOCAL on an application-
// initiated close. Returns false if a CLOSE was already sent (the
// caller should instead fold onto the existing send handle, per
// send_close's idempotence contract).
func (sm *stateMachine) requestClose() bool {
	if sm.localCloseSent {
		return false
	}
	sm.localCloseSent = true
	if sm.state == stateOpen {
		sm.state = stateClosingLocal
	}
	return true
}

// recvClose transitions on an inbound CLOSE frame. The caller is
// responsible for enqueuing the echo CLOSE (OPEN case) before the
// transport is torn down.
//
// Returns whether an echo CLOSE frame still needs to be queued (false
// if one was already in flight, i.e. we were already in CLOSING_LOCAL).
func (sm *stateMachine) recvClose() (needEcho bool) {
	switch sm.state {
	case stateOpen:
		sm.state = stateClosingRemote
		sm.localCloseSent = true
		return true
	case stateClosingLocal:
		sm.state = stateClosed
		return false
	default:
		return false
	}
}

// protocolError transitions OPEN -> CLOSING_LOCAL on a protocol
// violation detected locally (bad frame from the peer). The caller
// enqueues a CLOSE with the mapped code and fails pending sends.
func (sm *stateMachine) protocolError() {
	if sm.state == stateOpen {
		sm.state = stateClosingLocal
		sm.localCloseSent = true
	}
}

// outboundCloseFlushed transitions CLOSING_REMOTE -> CLOSED once our
// echoing CLOSE has been written to the transport.
func (sm *stateMachine) outboundCloseFlushed() {
	if sm.state == stateClosingRemote {
		sm.state = stateClosed
	}
}

// closeTimeoutExpired transitions CLOSING_LOCAL -> CLOSED when the
// peer's echo never arrived within Policy.CloseTimeout.
func (sm *stateMachine) closeTimeoutExpired() {
	if sm.state == stateClosingLocal {
		sm.state = stateClosed
	}
}

// transportGone transitions any state to CLOSED on EOF or a transport
// error. It does not distinguish a clean EOF from a hard transport
// error; the caller decides which close code observers see.
func (sm *stateMachine) transportGone() {
	sm.state = stateClosed
}

// closeCodeForError maps an internal error to the close code the state
// machine should enqueue when reacting to it (spec.md Section 4.4
// close-code policy).
func closeCodeForError(err error) CloseCode {
	switch {
	case err == nil:
		return CloseNormalClosure
	case isErr(err, ErrInvalidUTF8):
		return CloseInvalidFramePayloadData
	case isErr(err, ErrMessageTooLarge) || isErr(err, ErrFrameTooLarge):
		return CloseMessageTooBig
	case isErr(err, ErrInvalidOpcode, ErrReservedBits, ErrControlFragmented,
		ErrControlTooLarge, ErrUnexpectedContinuation, ErrMaskRequired,
		ErrMaskUnexpected, ErrNonMinimalLength, ErrInvalidClosePayload,
		ErrProtocolError):
		return CloseProtocolError
	default:
		return CloseInternalServerErr
	}
}

func isErr(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// validateRequestedClose rejects an application-requested close code
// that may never appear on the wire (spec.md Section 4.4: "Codes
// 1005/1006/1015 are receive-only synthetic values and never written").
func validateRequestedClose(code CloseCode) error {
	switch code {
	case CloseNoStatusReceived, CloseAbnormalClosure, CloseTLSHandshake:
		return fmt.Errorf("%w: code %d is receive-only", ErrProtocolError, code)
	default:
		return nil
	}
}

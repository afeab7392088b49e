// Package websocket implements an RFC 6455 WebSocket protocol engine:
// a resumable frame parser, frame generator, message aggregator,
// connection state machine, and prioritized send pipeline, wired behind
// a single Conn actor driven by application-supplied Handler callbacks.
//
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc6455
package websocket

// Frame opcodes (RFC 6455 Section 5.2). The high bit distinguishes
// control opcodes (0x8-0xF) from data/continuation opcodes (0x0-0x7);
// everything not listed here is reserved and rejected by the parser.
const (
	opcodeContinuation = 0x0 // fragment of a message begun by a prior frame
	opcodeText         = 0x1 // data frame, payload must be valid UTF-8
	opcodeBinary       = 0x2 // data frame, arbitrary payload

	opcodeClose = 0x8 // begins or completes the closing handshake
	opcodePing  = 0x9 // keepalive / liveness probe
	opcodePong  = 0xA // reply to a Ping, or unsolicited heartbeat
)

// validOpcodes is the complete RFC 6455 opcode table; anything absent
// from it is a reserved opcode the parser must reject.
var validOpcodes = map[byte]bool{
	opcodeContinuation: true,
	opcodeText:         true,
	opcodeBinary:       true,
	opcodeClose:        true,
	opcodePing:         true,
	opcodePong:         true,
}

// isControlFrame reports whether opcode names a control frame (PING,
// PONG, or CLOSE). Control frames may never be fragmented and their
// payload is capped at maxControlPayload.
func isControlFrame(opcode byte) bool {
	return opcode&0x08 != 0
}

// isValidOpcode reports whether opcode is one RFC 6455 actually defines.
func isValidOpcode(opcode byte) bool {
	return validOpcodes[opcode]
}

package websocket

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// TestFrameRoundTrip checks the property that generating a frame onto
// the wire and parsing it back yields the same frame (spec.md Section 8,
// property 1), across both masked (client) and unmasked (server) frames.
func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   *frame
		role Role
	}{
		{
			name: "unmasked text",
			in:   &frame{fin: true, opcode: opcodeText, payload: []byte("hello")},
			role: RoleClient,
		},
		{
			name: "unmasked empty binary",
			in:   &frame{fin: true, opcode: opcodeBinary},
			role: RoleClient,
		},
		{
			name: "masked text",
			in:   &frame{fin: true, opcode: opcodeText, masked: true, mask: [4]byte{0xDE, 0xAD, 0xBE, 0xEF}, payload: []byte("hello")},
			role: RoleServer,
		},
		{
			name: "masked 16-bit length",
			in:   &frame{fin: true, opcode: opcodeBinary, masked: true, mask: [4]byte{1, 2, 3, 4}, payload: bytes.Repeat([]byte{'z'}, 200)},
			role: RoleServer,
		},
		{
			name: "non-final fragment",
			in:   &frame{fin: false, opcode: opcodeText, payload: []byte("Hel")},
			role: RoleClient,
		},
		{
			name: "ping with payload",
			in:   &frame{fin: true, opcode: opcodePing, payload: []byte("keepalive")},
			role: RoleClient,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			if err := writeFrame(w, tc.in); err != nil {
				t.Fatalf("writeFrame: %v", err)
			}

			p := NewParser(tc.role, 0)
			got, err := p.Feed(buf.Bytes())
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d frames, want 1", len(got))
			}

			// payload starts nil on a zero-length frame in but the parser
			// also leaves it nil on decode, so no special-casing needed there.
			if diff := cmp.Diff(tc.in, got[0], cmpopts.EquateEmpty(), cmp.AllowUnexported(frame{})); diff != "" {
				t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

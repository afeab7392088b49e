package websocket

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// websocketGUID is the magic GUID RFC 6455 Section 1.3 appends to the
// client's Sec-WebSocket-Key before hashing it into Sec-WebSocket-Accept.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Buffer sizes applied when UpgradeOptions leaves them at zero.
const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// UpgradeOptions configures how Upgrade promotes an HTTP request to a
// WebSocket connection, and how the resulting Conn (C6/C7) behaves
// afterward. All fields are optional; the zero value is a usable,
// permissive server.
type UpgradeOptions struct {
	// Subprotocols is the list of subprotocols advertised by this server,
	// in preference order. The first one also requested by the client
	// wins. Empty means no subprotocol negotiation.
	Subprotocols []string

	// CheckOrigin vets the request's Origin header before the socket is
	// hijacked. nil accepts every origin, which is only appropriate
	// behind a trusted proxy or in tests.
	CheckOrigin func(*http.Request) bool

	// ReadBufferSize sizes the connection's read buffer. 0 uses
	// defaultReadBufferSize.
	ReadBufferSize int

	// WriteBufferSize sizes the connection's write buffer. 0 uses
	// defaultWriteBufferSize.
	WriteBufferSize int

	// Policy carries the connection's limits and timeouts (spec.md
	// Section 3 Policy/config). Zero value uses package defaults.
	Policy Policy

	// Handler receives the connection's lifecycle events. nil installs
	// NopHandler (the connection accepts and discards every event).
	Handler Handler

	// Logger receives one structured event per completed handshake, then
	// is handed to the Conn for its own lifecycle logging. Zero value is
	// zerolog's no-op logger.
	Logger zerolog.Logger

	// Masker generates masking keys for frames this connection sends.
	// Only consulted for client-role connections; nil installs
	// RandomMasker. Server-side Upgrade never masks, so this field is
	// only meaningful once client dialing is wired up.
	Masker Masker
}

// handshakeRequest bundles the header fields Upgrade needs to validate,
// so validation and response-writing stay separate steps instead of one
// long function.
type handshakeRequest struct {
	key         string
	subprotocol string
}

// Upgrade promotes w/r to a WebSocket connection per RFC 6455 Section 4
// (the opening handshake), hijacking the underlying TCP socket and
// handing it to newConn as a RoleServer Conn. The returned Conn is ready
// for Serve; Upgrade performs no I/O on the socket beyond the 101
// response.
func Upgrade(w http.ResponseWriter, r *http.Request, opts *UpgradeOptions) (*Conn, error) {
	if opts == nil {
		opts = &UpgradeOptions{}
	}
	readSize := opts.ReadBufferSize
	if readSize == 0 {
		readSize = defaultReadBufferSize
	}
	writeSize := opts.WriteBufferSize
	if writeSize == 0 {
		writeSize = defaultWriteBufferSize
	}

	hs, err := validateHandshakeRequest(r, opts)
	if err != nil {
		return nil, err
	}

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", computeAcceptKey(hs.key))
	if hs.subprotocol != "" {
		w.Header().Set("Sec-WebSocket-Protocol", hs.subprotocol)
	}
	w.WriteHeader(http.StatusSwitchingProtocols)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}

	if err := bufrw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	var reader *bufio.Reader
	if bufrw.Reader.Size() >= readSize {
		reader = bufrw.Reader
	} else {
		reader = bufio.NewReaderSize(netConn, readSize)
	}
	writer := bufio.NewWriterSize(netConn, writeSize)

	conn := newConn(netConn, reader, writer, connOptions{
		role:    RoleServer,
		policy:  opts.Policy,
		handler: opts.Handler,
		logger:  opts.Logger,
		masker:  opts.Masker,
	})

	opts.Logger.Info().
		Str("remote", r.RemoteAddr).
		Str("subprotocol", hs.subprotocol).
		Msg("handshake_complete")

	return conn, nil
}

// validateHandshakeRequest runs the RFC 6455 Section 4.2.1 checks a
// server must make before responding, returning the fields the caller
// needs to build the 101 response.
func validateHandshakeRequest(r *http.Request, opts *UpgradeOptions) (handshakeRequest, error) {
	if r.Method != http.MethodGet {
		return handshakeRequest{}, ErrInvalidMethod
	}
	if !headerContainsToken(r.Header.Get("Upgrade"), "websocket") {
		return handshakeRequest{}, ErrMissingUpgrade
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		return handshakeRequest{}, ErrMissingConnection
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return handshakeRequest{}, ErrInvalidVersion
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return handshakeRequest{}, ErrMissingSecKey
	}

	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		return handshakeRequest{}, ErrOriginDenied
	}

	return handshakeRequest{
		key:         key,
		subprotocol: negotiateSubprotocol(r, opts.Subprotocols),
	}, nil
}

// computeAcceptKey derives Sec-WebSocket-Accept from the client's key:
// base64(SHA-1(key + websocketGUID)), per RFC 6455 Section 1.3.
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// negotiateSubprotocol picks the first of serverProtos the client also
// requested, preserving server preference order (RFC 6455 Section 1.9).
// Returns "" if nothing matches or no subprotocols are configured.
func negotiateSubprotocol(r *http.Request, serverProtos []string) string {
	if len(serverProtos) == 0 {
		return ""
	}

	clientProtos := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for _, serverProto := range serverProtos {
		for _, clientProto := range clientProtos {
			if strings.TrimSpace(clientProto) == serverProto {
				return serverProto
			}
		}
	}

	return ""
}

// headerContainsToken reports whether the comma-separated header value
// contains token, compared case-insensitively per RFC 6455 Section
// 4.2.1.
func headerContainsToken(header, token string) bool {
	token = strings.ToLower(token)
	for _, h := range strings.Split(header, ",") {
		if strings.ToLower(strings.TrimSpace(h)) == token {
			return true
		}
	}
	return false
}

// checkSameOrigin is a CheckOrigin policy that accepts same-host
// requests and anything without an Origin header (non-browser clients).
// Upgrade does not install it: a nil CheckOrigin accepts every origin.
func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return origin == scheme+"://"+r.Host
}

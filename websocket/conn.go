package websocket

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler receives the lifecycle events of one connection (spec.md
// Section 6's "Application API presented to collaborators"). OnMessage,
// OnPing, OnPong and OnError are invoked from the connection's single
// read-loop goroutine, and OnClose from Serve after that loop has
// exited, so implementations never see concurrent calls for the same
// Conn.
type Handler interface {
	// OnMessage is invoked once per whole message reassembled by the
	// aggregator.
	OnMessage(conn *Conn, msg Message)

	// OnPing is invoked per inbound PING. Once it returns, the connection
	// auto-replies with a PONG echoing payload; nothing OnPing does
	// suppresses that reply.
	OnPing(conn *Conn, payload []byte)

	// OnPong is invoked per inbound PONG.
	OnPong(conn *Conn, payload []byte)

	// OnClose is invoked exactly once, after CLOSED is reached.
	OnClose(conn *Conn, code CloseCode, reason string)

	// OnError is invoked at most once, before OnClose, when cause forced
	// the connection toward CLOSED.
	OnError(conn *Conn, cause error)
}

// NopHandler implements Handler with no-op methods, for callers who
// only care about a subset of events; embed it and override.
type NopHandler struct{}

func (NopHandler) OnMessage(*Conn, Message)         {}
func (NopHandler) OnPing(*Conn, []byte)             {}
func (NopHandler) OnPong(*Conn, []byte)             {}
func (NopHandler) OnClose(*Conn, CloseCode, string) {}
func (NopHandler) OnError(*Conn, error)             {}

// Conn is a live WebSocket connection: C2 (Parser) through C7 (send
// pipeline) wired behind one actor, matching the teacher's Conn name
// and Upgrade-returned type, but driven by the Handler callback shape
// instead of the teacher's blocking Read/Write pair.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer

	role   Role
	policy Policy
	log    zerolog.Logger

	parser     *Parser
	aggregator *Aggregator
	sm         *stateMachine
	pipeline   *sendPipeline
	handler    Handler

	smMu sync.Mutex // guards sm transitions from both read-loop and timer goroutines

	stopCloseTimer func()

	runCancel context.CancelFunc
	group     *errgroup.Group

	closeOnce   sync.Once
	closeResult struct {
		code   CloseCode
		reason string
	}
}

// connOptions bundles what newConn needs beyond the transport itself.
// Built by Upgrade (server) or a future Dial (client) from
// UpgradeOptions.
type connOptions struct {
	role    Role
	policy  Policy
	handler Handler
	logger  zerolog.Logger
	masker  Masker
}

func newConn(netConn net.Conn, reader *bufio.Reader, writer *bufio.Writer, opts connOptions) *Conn {
	policy := opts.policy.withDefaults()
	handler := opts.handler
	if handler == nil {
		handler = NopHandler{}
	}

	c := &Conn{
		netConn:    netConn,
		reader:     reader,
		writer:     writer,
		role:       opts.role,
		policy:     policy,
		log:        opts.logger,
		parser:     NewParser(opts.role, policy.MaxFramePayloadSize),
		aggregator: NewAggregator(policy.MaxMessageSize),
		sm:         newStateMachine(),
		pipeline:   newSendPipeline(opts.role, opts.masker, policy.MaxOutboundQueueBytes),
		handler:    handler,
	}
	return c
}

// Serve runs the connection's read loop and writer loop until the
// connection closes or ctx is cancelled, then invokes Handler.OnClose.
// It blocks until both loops exit; callers typically run it in its own
// goroutine per accepted connection.
func (c *Conn) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	c.group = g

	g.Go(func() error {
		return c.pipeline.run(gctx, c.writer)
	})
	g.Go(func() error {
		return c.readLoop(gctx)
	})

	err := g.Wait()

	c.log.Info().Str("role", c.role.String()).Msg("conn_closing")
	code, reason := c.closeResult.code, c.closeResult.reason
	if code == 0 {
		code = CloseAbnormalClosure
	}
	c.handler.OnClose(c, code, reason)

	return err
}

// readLoop is the single inbound reader: it feeds raw bytes to the
// parser, dispatches frames to the aggregator or directly as control
// events, and reacts to protocol errors by driving the state machine
// and send pipeline toward CLOSED.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, c.readBufferSize())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.policy.IdleTimeout > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(c.policy.IdleTimeout))
		}

		n, err := c.reader.Read(buf)
		if n > 0 {
			frames, perr := c.parser.Feed(buf[:n])
			for _, f := range frames {
				if derr := c.dispatch(f); derr != nil {
					c.fail(derr)
					return derr
				}
				if c.sm.current() == stateClosed {
					return nil
				}
			}
			if perr != nil {
				c.fail(perr)
				return perr
			}
		}
		if err != nil {
			c.handleTransportEOF(err)
			return err
		}
	}
}

func (c *Conn) readBufferSize() int {
	if c.reader.Size() > 0 {
		return c.reader.Size()
	}
	return defaultReadBufferSize
}

// dispatch routes one completed frame: control frames go to their
// handlers (including the close handshake), data frames go through the
// aggregator and, on a completed message, to Handler.OnMessage.
func (c *Conn) dispatch(f *frame) error {
	if isControlFrame(f.opcode) {
		return c.dispatchControl(f)
	}

	msg, ctrl, err := c.aggregator.Push(f)
	if err != nil {
		return err
	}
	if ctrl != nil {
		return c.dispatchControl(ctrl)
	}
	if msg != nil {
		c.handler.OnMessage(c, *msg)
	}
	return nil
}

func (c *Conn) dispatchControl(f *frame) error {
	switch f.opcode {
	case opcodePing:
		c.handler.OnPing(c, f.payload)
		_, err := c.sendControlFrame(opcodePong, f.payload)
		return err
	case opcodePong:
		c.handler.OnPong(c, f.payload)
		return nil
	case opcodeClose:
		return c.handleInboundClose(f.payload)
	default:
		return nil
	}
}

// handleInboundClose implements the OPEN/CLOSING_LOCAL rows of spec.md
// Section 4.4's recv-CLOSE transitions, abandoning any in-flight
// fragmented message per Open Question (a).
func (c *Conn) handleInboundClose(payload []byte) error {
	c.aggregator.Abandon()

	code := CloseNoStatusReceived
	reason := ""
	if len(payload) >= 2 {
		code = CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
		reason = string(payload[2:])
	}

	c.smMu.Lock()
	needEcho := c.sm.recvClose()
	state := c.sm.current()
	c.smMu.Unlock()

	c.closeResult.code, c.closeResult.reason = code, reason

	if needEcho {
		echoCode := code
		if len(payload) < 2 {
			echoCode = CloseNormalClosure
		}
		handle, err := c.sendControlFrame(opcodeClose, encodeClosePayload(echoCode, ""))
		if err != nil {
			return err
		}
		go func() {
			_ = handle.AwaitCompletion()
			c.smMu.Lock()
			c.sm.outboundCloseFlushed()
			c.smMu.Unlock()
			c.shutdownTransport()
		}()
		return nil
	}

	if state == stateClosed {
		c.shutdownTransport()
	}
	return nil
}

// handleTransportEOF synthesizes close code 1006 for observers when the
// transport ends without a CLOSE handshake (spec.md Section 4.4: "OPEN,
// transport EOF -> CLOSED").
func (c *Conn) handleTransportEOF(err error) {
	c.smMu.Lock()
	c.sm.transportGone()
	c.smMu.Unlock()

	if c.closeResult.code == 0 {
		c.closeResult.code = CloseAbnormalClosure
	}
	c.pipeline.shutdown(ErrConnectionClosed)
	if c.runCancel != nil {
		c.runCancel()
	}
	_ = err
}

// fail reacts to a protocol error detected while dispatching an inbound
// frame: maps it to a close code, enqueues a CLOSE, fails pending sends,
// and reports it via Handler.OnError before OnClose fires.
func (c *Conn) fail(cause error) {
	c.handler.OnError(c, cause)

	code := closeCodeForError(cause)
	c.smMu.Lock()
	c.sm.protocolError()
	c.smMu.Unlock()

	c.closeResult.code, c.closeResult.reason = code, ""

	_, _ = c.sendControlFrame(opcodeClose, encodeClosePayload(code, ""))
	c.pipeline.shutdown(cause)
	if c.runCancel != nil {
		c.runCancel()
	}
}

func (c *Conn) shutdownTransport() {
	c.pipeline.shutdown(ErrConnectionClosed)
	if c.runCancel != nil {
		c.runCancel()
	}
	_ = c.netConn.Close()
}

// SendMessage enqueues a TEXT or BINARY message (spec.md Section 4.5
// send_message), splitting it into fragments if opts.FragmentThreshold
// requires it. Returns ErrConnectionClosed if the connection is no
// longer accepting data frames.
func (c *Conn) SendMessage(msgType MessageType, payload []byte, opts SendOptions) (*SendHandle, error) {
	opcode := byte(opcodeBinary)
	if msgType == TextMessage {
		opcode = opcodeText
	}

	c.smMu.Lock()
	allowed := c.sm.canSendData()
	c.smMu.Unlock()
	if !allowed {
		h := newSendHandle()
		h.finish(ErrConnectionClosed)
		return h, ErrConnectionClosed
	}

	frames, err := c.pipeline.buildDataFrames(opcode, payload, opts)
	if err != nil {
		return nil, err
	}

	handle := newSendHandle()
	items := make([]*outboundItem, len(frames))
	for i, f := range frames {
		items[i] = &outboundItem{f: f, handle: handle, priority: priorityData, last: i == len(frames)-1}
	}
	if err := c.pipeline.enqueue(items, priorityData); err != nil {
		return handle, err
	}
	return handle, nil
}

// SendPing enqueues a PING frame (spec.md Section 4.5 send_ping).
func (c *Conn) SendPing(payload []byte) (*SendHandle, error) {
	return c.sendControlFrame(opcodePing, payload)
}

// SendPong enqueues a PONG frame (spec.md Section 4.5 send_pong).
func (c *Conn) SendPong(payload []byte) (*SendHandle, error) {
	return c.sendControlFrame(opcodePong, payload)
}

func (c *Conn) sendControlFrame(opcode byte, payload []byte) (*SendHandle, error) {
	if len(payload) > maxControlPayload {
		return nil, ErrControlTooLarge
	}
	f, err := c.pipeline.newFrame(opcode, true, payload)
	if err != nil {
		return nil, err
	}
	handle := newSendHandle()
	item := &outboundItem{f: f, handle: handle, priority: priorityControl, last: true}
	if err := c.pipeline.enqueue([]*outboundItem{item}, priorityControl); err != nil {
		return handle, err
	}
	return handle, nil
}

// Close requests a normal closure (spec.md Section 4.5 send_close,
// idempotent). Equivalent to CloseWithCode(CloseNormalClosure, "").
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode requests closure with the given code and reason
// (spec.md Section 4.4 "OPEN, app requests close -> CLOSING_LOCAL").
// Idempotent: a second call observes the already-initiated close.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	if err := validateRequestedClose(code); err != nil {
		return err
	}

	var sendErr error
	c.closeOnce.Do(func() {
		c.smMu.Lock()
		first := c.sm.requestClose()
		c.smMu.Unlock()
		if !first {
			return
		}

		c.closeResult.code, c.closeResult.reason = code, reason
		handle, err := c.sendControlFrame(opcodeClose, encodeClosePayload(code, reason))
		if err != nil {
			sendErr = err
			return
		}

		stop := closeTimer(c.policy.CloseTimeout, func() {
			c.smMu.Lock()
			c.sm.closeTimeoutExpired()
			c.smMu.Unlock()
			c.shutdownTransport()
		})
		c.stopCloseTimer = stop

		go func() {
			_ = handle.AwaitCompletion()
		}()
	})
	return sendErr
}

// encodeClosePayload builds the 2-byte-code + UTF-8-reason payload
// (spec.md Section 3 "Close info"), truncating reason so the total
// payload fits in 125 bytes per RFC 6455 Section 5.5.
func encodeClosePayload(code CloseCode, reason string) []byte {
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code & 0xFF)
	copy(payload[2:], reason)
	return payload
}

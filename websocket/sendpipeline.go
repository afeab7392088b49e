package websocket

import (
	"bufio"
	"context"
	"sync"
	"time"
)

// sendPriority orders the outbound queue: control frames (PING/PONG/
// CLOSE) always drain ahead of queued data fragments, per spec.md
// Section 4.5's "FIFO within each priority class (control > data)".
type sendPriority int

const (
	priorityData sendPriority = iota
	priorityControl
)

// SendHandle tracks one logical send (spec.md Section 4.5) — a
// send_message call may enqueue several frames if fragmented, but they
// share one handle and it completes only after the last fragment is
// flushed.
type SendHandle struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	cancelled bool
	started   bool // true once any byte of this send has reached the transport
	closed    bool
}

func newSendHandle() *SendHandle {
	return &SendHandle{done: make(chan struct{})}
}

// AwaitCompletion blocks until the send finishes, returning any error
// (including ErrSendCancelled or the connection-close cause).
func (h *SendHandle) AwaitCompletion() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// AwaitCompletionWithDeadline is AwaitCompletion bounded by ctx.
func (h *SendHandle) AwaitCompletionWithDeadline(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ErrSendTimeout
	}
}

// IsDone reports whether the send has completed (successfully, failed,
// or cancelled).
func (h *SendHandle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether Cancel() actually prevented this send
// from reaching the transport.
func (h *SendHandle) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Cancel attempts to remove this send's frames from the queue before
// any byte reaches the transport. Returns false if any byte has already
// been written — cancellation never interrupts a write in progress
// (spec.md Section 9, open question (c): mid-write cancellation would
// desync the peer's parser, so it is disallowed entirely here).
func (h *SendHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.closed {
		return false
	}
	h.cancelled = true
	h.finishLocked(ErrSendCancelled)
	return true
}

func (h *SendHandle) finishLocked(err error) {
	if h.closed {
		return
	}
	h.closed = true
	h.err = err
	close(h.done)
}

func (h *SendHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finishLocked(err)
}

func (h *SendHandle) markStarted() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
}

// outboundItem is one queued, fully-formed frame plus the handle it
// belongs to; handle is shared across every fragment of one send.
type outboundItem struct {
	f        *frame
	handle   *SendHandle
	priority sendPriority
	last     bool // true on the final fragment of its send (completes handle)
}

// SendOptions configures send_message (spec.md Section 4.5).
type SendOptions struct {
	// FragmentThreshold, if non-zero and smaller than the payload, splits
	// the message into frames of at most this many bytes each.
	FragmentThreshold uint64
}

// sendPipeline is the per-connection outbound actor (C7): a FIFO queue
// split into control/data priority classes, drained by a single writer
// goroutine so frames of one fragmented message are never interleaved
// with another's (spec.md Section 4.5's single-active-writer rule).
//
// Grounded on the teacher's Conn.Write/writeMu single-writer discipline,
// generalized from "lock around one write" into an explicit queue so
// fragmentation and control-frame interleaving can be expressed without
// blocking the caller inside the lock.
type sendPipeline struct {
	role   Role
	masker Masker

	mu        sync.Mutex
	control   []*outboundItem
	data      []*outboundItem
	notEmpty  chan struct{}
	closed    bool
	closeErr  error
	maxQueued uint64
	queued    uint64
}

func newSendPipeline(role Role, masker Masker, maxQueuedBytes uint64) *sendPipeline {
	if masker == nil {
		masker = RandomMasker{}
	}
	return &sendPipeline{
		role:      role,
		masker:    masker,
		notEmpty:  make(chan struct{}, 1),
		maxQueued: maxQueuedBytes,
	}
}

// enqueue appends items atomically as one send's fragments, in order,
// under a single priority class.
func (p *sendPipeline) enqueue(items []*outboundItem, priority sendPriority) error {
	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		for _, it := range items {
			it.handle.finish(err)
		}
		return err
	}

	var size uint64
	for _, it := range items {
		size += uint64(len(it.f.payload))
	}
	if p.maxQueued != 0 && p.queued+size > p.maxQueued {
		p.mu.Unlock()
		for _, it := range items {
			it.handle.finish(ErrPolicyRejected)
		}
		return ErrPolicyRejected
	}
	p.queued += size

	if priority == priorityControl {
		p.control = append(p.control, items...)
	} else {
		p.data = append(p.data, items...)
	}
	p.mu.Unlock()

	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// dequeue blocks until an item is available or the pipeline is closed,
// then pops the highest-priority item (control ahead of data).
func (p *sendPipeline) dequeue(ctx context.Context) (*outboundItem, bool) {
	for {
		p.mu.Lock()
		if len(p.control) > 0 {
			it := p.control[0]
			p.control = p.control[1:]
			p.queued -= uint64(len(it.f.payload))
			p.mu.Unlock()
			return it, true
		}
		if len(p.data) > 0 {
			it := p.data[0]
			p.data = p.data[1:]
			p.queued -= uint64(len(it.f.payload))
			p.mu.Unlock()
			return it, true
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-p.notEmpty:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// shutdown marks the pipeline closed and fails every still-queued item
// with cause.
func (p *sendPipeline) shutdown(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = cause
	pending := append(p.control, p.data...)
	p.control, p.data = nil, nil
	p.mu.Unlock()

	select {
	case p.notEmpty <- struct{}{}:
	default:
	}

	for _, it := range pending {
		it.handle.finish(cause)
	}
}

// run drains the queue and writes each item to w until ctx is
// cancelled or the pipeline is shut down. It is meant to be the sole
// goroutine touching w, per spec.md's "single outbound writer is active
// at a time."
func (p *sendPipeline) run(ctx context.Context, w *bufio.Writer) error {
	for {
		it, ok := p.dequeue(ctx)
		if !ok {
			return ctx.Err()
		}

		it.handle.markStarted()
		if it.handle.IsCancelled() {
			// Cancelled before its first byte: drop the frame unwritten.
			continue
		}
		err := writeFrame(w, it.f)
		if err != nil {
			it.handle.finish(err)
			p.shutdown(err)
			return err
		}
		if it.last {
			it.handle.finish(nil)
		}
	}
}

// buildDataFrames splits payload into one or more frames per opts
// (spec.md Section 4.5 send_message fragmentation), masking each if
// role == RoleClient.
func (p *sendPipeline) buildDataFrames(opcode byte, payload []byte, opts SendOptions) ([]*frame, error) {
	threshold := opts.FragmentThreshold
	if threshold == 0 || uint64(len(payload)) <= threshold {
		f, err := p.newFrame(opcode, true, payload)
		if err != nil {
			return nil, err
		}
		return []*frame{f}, nil
	}

	var frames []*frame
	for offset := uint64(0); offset < uint64(len(payload)); offset += threshold {
		end := offset + threshold
		if end > uint64(len(payload)) {
			end = uint64(len(payload))
		}
		chunkOpcode := byte(opcodeContinuation)
		if offset == 0 {
			chunkOpcode = opcode
		}
		fin := end == uint64(len(payload))
		f, err := p.newFrame(chunkOpcode, fin, payload[offset:end])
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (p *sendPipeline) newFrame(opcode byte, fin bool, payload []byte) (*frame, error) {
	f := &frame{
		fin:     fin,
		opcode:  opcode,
		payload: payload,
	}
	if p.role == RoleClient {
		key, err := p.masker.NewKey()
		if err != nil {
			return nil, err
		}
		f.masked = true
		f.mask = key
	}
	return f, nil
}

// closeTimer calls onExpire after d if not stopped first, used by the
// connection actor to hard-close the transport when the peer's CLOSE
// echo never arrives (spec.md Section 4.4 CLOSING_LOCAL -> CLOSED on
// close_timeout).
func closeTimer(d time.Duration, onExpire func()) (stop func()) {
	t := time.AfterFunc(d, onExpire)
	return func() { t.Stop() }
}

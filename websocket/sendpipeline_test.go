package websocket

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"
)

func TestSendPipeline_FIFOOrdering(t *testing.T) {
	p := newSendPipeline(RoleServer, nil, 0)
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.run(ctx, w) }()

	h1 := newSendHandle()
	h2 := newSendHandle()
	f1, _ := p.newFrame(opcodeText, true, []byte("first"))
	f2, _ := p.newFrame(opcodeText, true, []byte("second"))

	if err := p.enqueue([]*outboundItem{{f: f1, handle: h1, last: true}}, priorityData); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := p.enqueue([]*outboundItem{{f: f2, handle: h2, last: true}}, priorityData); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	if err := h1.AwaitCompletion(); err != nil {
		t.Fatalf("h1: %v", err)
	}
	if err := h2.AwaitCompletion(); err != nil {
		t.Fatalf("h2: %v", err)
	}

	cancel()
	<-done

	idxFirst := bytes.Index(buf.Bytes(), []byte("first"))
	idxSecond := bytes.Index(buf.Bytes(), []byte("second"))
	if idxFirst < 0 || idxSecond < 0 || idxFirst > idxSecond {
		t.Fatalf("frames not written in FIFO order: %v", buf.Bytes())
	}
}

func TestSendPipeline_ControlAheadOfData(t *testing.T) {
	p := newSendPipeline(RoleServer, nil, 0)

	// Enqueue data first, then control, before any writer drains —
	// dequeue must still return control first.
	dataHandle := newSendHandle()
	ctrlHandle := newSendHandle()
	dataFrame, _ := p.newFrame(opcodeBinary, true, []byte("data"))
	ctrlFrame, _ := p.newFrame(opcodePing, true, nil)

	if err := p.enqueue([]*outboundItem{{f: dataFrame, handle: dataHandle, last: true}}, priorityData); err != nil {
		t.Fatalf("enqueue data: %v", err)
	}
	if err := p.enqueue([]*outboundItem{{f: ctrlFrame, handle: ctrlHandle, last: true}}, priorityControl); err != nil {
		t.Fatalf("enqueue control: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	item, ok := p.dequeue(ctx)
	if !ok {
		t.Fatal("dequeue failed")
	}
	if item.f.opcode != opcodePing {
		t.Fatalf("first dequeued opcode = %x, want PING", item.f.opcode)
	}
}

func TestSendHandle_CancelBeforeWrite(t *testing.T) {
	h := newSendHandle()
	if !h.Cancel() {
		t.Fatal("Cancel() should succeed before any write starts")
	}
	if !h.IsCancelled() {
		t.Fatal("IsCancelled() should be true")
	}
	if err := h.AwaitCompletion(); err == nil {
		t.Fatal("expected ErrSendCancelled")
	}
}

func TestSendHandle_CancelAfterStartFails(t *testing.T) {
	h := newSendHandle()
	h.markStarted()
	if h.Cancel() {
		t.Fatal("Cancel() should fail once the send has started")
	}
}

func TestSendHandle_AwaitCompletionWithDeadline(t *testing.T) {
	h := newSendHandle()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := h.AwaitCompletionWithDeadline(ctx); err == nil {
		t.Fatal("expected ErrSendTimeout")
	}
}

func TestSendPipeline_Fragmentation(t *testing.T) {
	p := newSendPipeline(RoleServer, nil, 0)
	payload := bytes.Repeat([]byte{'x'}, 10)

	frames, err := p.buildDataFrames(opcodeText, payload, SendOptions{FragmentThreshold: 4})
	if err != nil {
		t.Fatalf("buildDataFrames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[0].opcode != opcodeText || frames[0].fin {
		t.Fatalf("frame 0: opcode=%x fin=%v", frames[0].opcode, frames[0].fin)
	}
	for _, f := range frames[1 : len(frames)-1] {
		if f.opcode != opcodeContinuation || f.fin {
			t.Fatalf("middle frame: opcode=%x fin=%v", f.opcode, f.fin)
		}
	}
	last := frames[len(frames)-1]
	if last.opcode != opcodeContinuation || !last.fin {
		t.Fatalf("last frame: opcode=%x fin=%v", last.opcode, last.fin)
	}
}

func TestSendPipeline_NoFragmentationBelowThreshold(t *testing.T) {
	p := newSendPipeline(RoleServer, nil, 0)
	frames, err := p.buildDataFrames(opcodeBinary, []byte("small"), SendOptions{FragmentThreshold: 100})
	if err != nil {
		t.Fatalf("buildDataFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}

func TestSendPipeline_ClientFramesAreMasked(t *testing.T) {
	p := newSendPipeline(RoleClient, FixedMasker{Key: [4]byte{1, 2, 3, 4}}, 0)
	f, err := p.newFrame(opcodeText, true, []byte("hi"))
	if err != nil {
		t.Fatalf("newFrame: %v", err)
	}
	if !f.masked {
		t.Fatal("client frame should be masked")
	}
	if f.mask != [4]byte{1, 2, 3, 4} {
		t.Fatalf("mask = %v", f.mask)
	}
}

func TestSendPipeline_MaxQueuedBytesRejects(t *testing.T) {
	p := newSendPipeline(RoleServer, nil, 4)
	h := newSendHandle()
	f, _ := p.newFrame(opcodeBinary, true, []byte("toolong"))

	err := p.enqueue([]*outboundItem{{f: f, handle: h, last: true}}, priorityData)
	if err == nil {
		t.Fatal("expected ErrPolicyRejected")
	}
}

func TestSendPipeline_ShutdownFailsQueuedSends(t *testing.T) {
	p := newSendPipeline(RoleServer, nil, 0)
	h := newSendHandle()
	f, _ := p.newFrame(opcodeBinary, true, []byte("x"))
	if err := p.enqueue([]*outboundItem{{f: f, handle: h, last: true}}, priorityData); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p.shutdown(ErrConnectionClosed)

	if err := h.AwaitCompletion(); err == nil {
		t.Fatal("expected shutdown to fail the pending send")
	}
}

package sideband

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeLink delivers synchronously to every connected peer, like a subject
// shared by all subscribers of a stream.
type pipeLink struct {
	mu     sync.Mutex
	peers  []*Endpoint
	sent   []Message
	closed bool
}

func (l *pipeLink) Send(m Message) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("link closed")
	}
	l.sent = append(l.sent, m)
	peers := append([]*Endpoint(nil), l.peers...)
	l.mu.Unlock()
	for _, peer := range peers {
		peer.Deliver(m)
	}
	return nil
}

func (l *pipeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *pipeLink) connect(peer *Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = append(l.peers, peer)
}

func testDescriptor(t *testing.T) Descriptor {
	t.Helper()
	d, err := ProducerConfig{Width: 1280, Height: 768}.Descriptor(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// newPair returns a producer and an attached consumer sharing a color store.
func newPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()
	prod, cons := newDetachedPair(t)
	if err := cons.Attach(); err != nil {
		t.Fatal(err)
	}
	return prod, cons
}

func newDetachedPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()
	d := testDescriptor(t)
	colors := &MemoryColorStore{}
	toConsumer, toProducer := &pipeLink{}, &pipeLink{}

	prod, err := NewEndpoint(EndpointOptions{Role: RoleProducer, Descriptor: d, Link: toConsumer, Colors: colors, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	cons, err := NewEndpoint(EndpointOptions{Role: RoleConsumer, Descriptor: d, Link: toProducer, Colors: colors, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	toConsumer.connect(cons)
	toProducer.connect(prod)
	return prod, cons
}

func TestEndpointBufferCycle(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()
	defer cons.Close()

	if err := prod.QueueBuffer(0); err != nil {
		t.Fatal(err)
	}
	if n, _ := cons.AcquireBufferNumb(); n != 1 {
		t.Errorf("AcquireBufferNumb() = %d, want 1", n)
	}
	idx, err := cons.AcquireBuffer(time.Second)
	if err != nil || idx != 0 {
		t.Fatalf("AcquireBuffer() = %d, %v", idx, err)
	}
	if err := cons.ReleaseBuffer(idx); err != nil {
		t.Fatal(err)
	}
	got, err := prod.DequeueBuffer(time.Second)
	if err != nil || got != 0 {
		t.Fatalf("DequeueBuffer() = %d, %v", got, err)
	}
	// Buffer is owned by the producer again.
	if err := prod.QueueBuffer(0); err != nil {
		t.Errorf("requeue after dequeue: %v", err)
	}
}

func TestEndpointQueueDepth(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()
	defer cons.Close()

	for i := range DefaultQueueDepth {
		if err := prod.QueueBuffer(i); err != nil {
			t.Fatalf("QueueBuffer(%d) = %v", i, err)
		}
	}
	err := prod.QueueBuffer(DefaultQueueDepth)
	if !errors.Is(err, ErrBufQueueFull) {
		t.Fatalf("QueueBuffer past depth = %v, want BUF_QUEUE_FULL", err)
	}

	idx, _ := cons.AcquireBuffer(0)
	if err := cons.ReleaseBuffer(idx); err != nil {
		t.Fatal(err)
	}
	if err := prod.QueueBuffer(DefaultQueueDepth); err != nil {
		t.Errorf("QueueBuffer after release = %v", err)
	}
}

func TestEndpointOwnership(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()
	defer cons.Close()

	if err := prod.QueueBuffer(1); err != nil {
		t.Fatal(err)
	}
	if err := prod.QueueBuffer(1); !errors.Is(err, ErrBufferNotOwned) {
		t.Errorf("double queue = %v, want ErrBufferNotOwned", err)
	}
	if err := cons.ReleaseBuffer(1); !errors.Is(err, ErrBufferNotOwned) {
		t.Errorf("release before acquire = %v, want ErrBufferNotOwned", err)
	}
	if err := prod.QueueBuffer(9); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("QueueBuffer(9) = %v, want ErrInvalidIndex", err)
	}
	if err := prod.QueueBuffer(-1); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("QueueBuffer(-1) = %v, want ErrInvalidIndex", err)
	}
}

func TestEndpointWrongRole(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()
	defer cons.Close()

	if _, err := prod.AcquireBuffer(0); !errors.Is(err, ErrWrongRole) {
		t.Errorf("producer AcquireBuffer = %v", err)
	}
	if err := cons.QueueBuffer(0); !errors.Is(err, ErrWrongRole) {
		t.Errorf("consumer QueueBuffer = %v", err)
	}
	if err := cons.SetColorData(ColorData{}); !errors.Is(err, ErrWrongRole) {
		t.Errorf("consumer SetColorData = %v", err)
	}
	if _, err := prod.GetColorData(); !errors.Is(err, ErrWrongRole) {
		t.Errorf("producer GetColorData = %v", err)
	}
}

func TestEndpointEmptyQueues(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()
	defer cons.Close()

	if _, err := cons.AcquireBuffer(0); !errors.Is(err, ErrBufQueueEmpty) {
		t.Errorf("AcquireBuffer(0) = %v, want BUF_QUEUE_EMPTY", err)
	}
	if _, err := prod.DequeueBuffer(10 * time.Millisecond); !errors.Is(err, ErrBufQueueEmpty) {
		t.Errorf("DequeueBuffer = %v, want BUF_QUEUE_EMPTY", err)
	}
}

func TestEndpointColorData(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()
	defer cons.Close()

	c := ColorData{Hue: 0.5, Contrast: 1.1}
	if err := prod.SetColorData(c); err != nil {
		t.Fatal(err)
	}
	if err := prod.SetColorData(c); !errors.Is(err, ErrSettingNoDataChange) {
		t.Errorf("repeated SetColorData = %v, want SETTING_NO_DATA_CHANGE", err)
	}
	got, err := cons.GetColorData()
	if err != nil || got != c {
		t.Errorf("GetColorData() = %+v, %v", got, err)
	}

	c.Brightness = 3
	if err := prod.SetColorData(c); err != nil {
		t.Errorf("changed SetColorData = %v", err)
	}
}

func TestEndpointPendingUntilAttach(t *testing.T) {
	prod, cons := newDetachedPair(t)
	defer prod.Close()
	defer cons.Close()

	_ = prod.QueueBuffer(2)
	_ = prod.QueueBuffer(0)
	if n, _ := cons.AcquireBufferNumb(); n != 0 {
		t.Fatalf("consumer saw %d buffers before attach", n)
	}

	if prod.Attached() {
		t.Fatal("producer reports a consumer before attach")
	}
	if err := cons.Attach(); err != nil {
		t.Fatal(err)
	}
	if !prod.Attached() {
		t.Fatal("producer did not record the attach")
	}
	for _, want := range []int{2, 0} {
		idx, err := cons.AcquireBuffer(0)
		if err != nil || idx != want {
			t.Fatalf("AcquireBuffer() = %d, %v, want %d", idx, err, want)
		}
	}
}

func TestEndpointProducerCloseEndsStream(t *testing.T) {
	prod, cons := newPair(t)
	defer cons.Close()

	_ = prod.QueueBuffer(0)

	done := make(chan error, 1)
	go func() {
		// First acquire drains the queued buffer, second blocks until EOS.
		if _, err := cons.AcquireBuffer(time.Second); err != nil {
			done <- err
			return
		}
		_, err := cons.AcquireBuffer(5 * time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := prod.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrBufQueueNoMoreData) {
			t.Errorf("AcquireBuffer after EOS = %v, want BUF_QUEUE_NO_MORE_DATA", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer not woken by producer close")
	}

	if err := prod.QueueBuffer(1); !errors.Is(err, ErrBufQueueNoMoreData) {
		t.Errorf("QueueBuffer after Close = %v", err)
	}
	if err := prod.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestEndpointConsumerCloseReturnsBuffers(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()

	_ = prod.QueueBuffer(0)
	_ = prod.QueueBuffer(1)
	if _, err := cons.AcquireBuffer(0); err != nil {
		t.Fatal(err)
	}
	if err := cons.Close(); err != nil {
		t.Fatal(err)
	}

	seen := map[int]bool{}
	for range 2 {
		idx, err := prod.DequeueBuffer(time.Second)
		if err != nil {
			t.Fatalf("DequeueBuffer() = %v", err)
		}
		seen[idx] = true
	}
	if !seen[0] || !seen[1] {
		t.Errorf("returned buffers = %v, want 0 and 1", seen)
	}

	// Detached producer buffers new work until the next consumer attaches.
	if err := prod.QueueBuffer(2); err != nil {
		t.Errorf("QueueBuffer after detach = %v", err)
	}
}

func TestEndpointReleaseRunsOnce(t *testing.T) {
	d := testDescriptor(t)
	calls := 0
	e, err := NewEndpoint(EndpointOptions{
		Role:       RoleProducer,
		Descriptor: d,
		Link:       &pipeLink{},
		Release:    func() error { calls++; return nil },
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = e.Close()
	_ = e.Close()
	if calls != 1 {
		t.Errorf("release called %d times, want 1", calls)
	}
}

func TestEndpointAccessors(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()
	defer cons.Close()

	if prod.BufferWidth() != 1280 || prod.BufferHeight() != 768 || prod.ColorFormat() != ColorFormatNV12 {
		t.Error("geometry accessors disagree with descriptor")
	}
	if prod.BufferSize() != 1280*768*3/2 {
		t.Errorf("BufferSize() = %d", prod.BufferSize())
	}
	if err := cons.SetBufferFd(2, 42); err != nil {
		t.Fatal(err)
	}
	if fd, _ := cons.BufferFd(2); fd != 42 {
		t.Errorf("BufferFd(2) = %d, want 42", fd)
	}
	if _, err := cons.BufferFd(MaxBuffers); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("BufferFd out of range = %v", err)
	}
	h := cons.NativeHandle()
	if err := Validate(h); err != nil {
		t.Fatal(err)
	}
	if HandleID(h) != cons.HandleID() {
		t.Error("native handle id mismatch")
	}
}

// joinConsumer creates another consumer on prod's stream without attaching it.
func joinConsumer(t *testing.T, prod *Endpoint) *Endpoint {
	t.Helper()
	cons, err := NewEndpoint(EndpointOptions{
		Role:       RoleConsumer,
		Descriptor: prod.Descriptor(),
		Link:       &pipeLink{peers: []*Endpoint{prod}},
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	prod.link.(*pipeLink).connect(cons)
	return cons
}

func TestEndpointRejectsSecondConsumer(t *testing.T) {
	prod, first := newPair(t)
	defer prod.Close()
	defer first.Close()

	second := joinConsumer(t, prod)
	if err := second.Attach(); !errors.Is(err, ErrConsumerAttached) {
		t.Fatalf("second Attach() = %v, want ErrConsumerAttached", err)
	}
	if second.Attached() {
		t.Error("rejected consumer reports itself attached")
	}
	if prod.Token() != first.Token() {
		t.Error("producer switched to the rejected consumer")
	}

	if err := prod.QueueBuffer(0); err != nil {
		t.Fatal(err)
	}
	if n, _ := second.AcquireBufferNumb(); n != 0 {
		t.Errorf("rejected consumer received %d buffers", n)
	}
	if idx, err := first.AcquireBuffer(0); err != nil || idx != 0 {
		t.Fatalf("AcquireBuffer() = %d, %v, want 0", idx, err)
	}

	// Closing the rejected consumer neither returns buffers nor detaches.
	if err := second.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := prod.DequeueBuffer(0); !errors.Is(err, ErrBufQueueEmpty) {
		t.Errorf("DequeueBuffer() = %v, want BUF_QUEUE_EMPTY while buffer 0 is held", err)
	}
	if !prod.Attached() {
		t.Fatal("rejected consumer detached the accepted one")
	}
	if err := prod.QueueBuffer(1); err != nil {
		t.Fatal(err)
	}
	if idx, err := first.AcquireBuffer(0); err != nil || idx != 1 {
		t.Errorf("AcquireBuffer() = %d, %v, want 1", idx, err)
	}
}

func TestEndpointReattachAfterDetach(t *testing.T) {
	prod, first := newPair(t)
	defer prod.Close()

	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	if prod.Attached() {
		t.Fatal("producer still attached after consumer close")
	}
	next := joinConsumer(t, prod)
	defer next.Close()
	if err := next.Attach(); err != nil {
		t.Fatalf("Attach() after detach = %v", err)
	}
	if prod.Token() != next.Token() {
		t.Error("producer did not accept the new consumer")
	}
}

func TestEndpointDropsReleasesNotLent(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()
	defer cons.Close()

	if err := prod.QueueBuffer(0); err != nil {
		t.Fatal(err)
	}
	if _, err := cons.AcquireBuffer(0); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		msg  Message
	}{
		{"foreign consumer", Message{Kind: MsgReleased, Index: 0, Consumer: "someone-else"}},
		{"no token", Message{Kind: MsgReleased, Index: 0}},
		{"never queued", Message{Kind: MsgReleased, Index: 2, Consumer: cons.Token()}},
		{"out of range", Message{Kind: MsgReleased, Index: MaxBuffers, Consumer: cons.Token()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prod.Deliver(tt.msg)
			if idx, err := prod.DequeueBuffer(0); !errors.Is(err, ErrBufQueueEmpty) {
				t.Errorf("DequeueBuffer() = %d, %v, want BUF_QUEUE_EMPTY", idx, err)
			}
		})
	}

	if err := cons.ReleaseBuffer(0); err != nil {
		t.Fatal(err)
	}
	// A repeated release of the same index is dropped.
	prod.Deliver(Message{Kind: MsgReleased, Index: 0, Consumer: cons.Token()})
	if idx, err := prod.DequeueBuffer(0); err != nil || idx != 0 {
		t.Fatalf("DequeueBuffer() = %d, %v, want 0", idx, err)
	}
	if idx, err := prod.DequeueBuffer(0); !errors.Is(err, ErrBufQueueEmpty) {
		t.Errorf("duplicate release surfaced buffer %d (%v)", idx, err)
	}

	// Dropped releases leave the depth accounting intact.
	for i := range DefaultQueueDepth {
		if err := prod.QueueBuffer(i); err != nil {
			t.Fatalf("QueueBuffer(%d) = %v", i, err)
		}
	}
	if err := prod.QueueBuffer(DefaultQueueDepth); !errors.Is(err, ErrBufQueueFull) {
		t.Errorf("QueueBuffer past depth = %v, want BUF_QUEUE_FULL", err)
	}
}

func TestEndpointIgnoresForeignTraffic(t *testing.T) {
	prod, cons := newPair(t)
	defer prod.Close()
	defer cons.Close()

	prod.Deliver(Message{Kind: MsgDetach, Consumer: "someone-else"})
	if !prod.Attached() {
		t.Error("detach from a foreign consumer was honoured")
	}

	cons.Deliver(Message{Kind: MsgQueued, Index: 1, Consumer: "someone-else"})
	if n, _ := cons.AcquireBufferNumb(); n != 0 {
		t.Errorf("consumer accepted %d buffers addressed elsewhere", n)
	}
}

package sideband

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageKind identifies queue traffic between the two sides of a stream.
type MessageKind uint8

// Message kinds.
const (
	MsgQueued MessageKind = iota + 1
	MsgReleased
	MsgAttach
	MsgDetach
	MsgEOS
	MsgAccept
	MsgReject
)

// attachTimeout bounds how long a consumer waits for the producer to answer.
const attachTimeout = 3 * time.Second

// String returns the message kind name.
func (k MessageKind) String() string {
	switch k {
	case MsgQueued:
		return "queued"
	case MsgReleased:
		return "released"
	case MsgAttach:
		return "attach"
	case MsgDetach:
		return "detach"
	case MsgEOS:
		return "eos"
	case MsgAccept:
		return "accept"
	case MsgReject:
		return "reject"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Message is one unit of queue traffic. Consumer is the token of the consumer
// the message comes from or is addressed to; EOS carries none.
type Message struct {
	Kind     MessageKind `json:"kind"`
	Index    int         `json:"index"`
	Consumer string      `json:"consumer,omitempty"`
}

// Link carries messages from an endpoint to its peer. Providers implement it
// over whatever transport connects the two sides.
type Link interface {
	Send(m Message) error
	Close() error
}

// ColorStore holds the latest color data shared between the two sides.
type ColorStore interface {
	Store(c ColorData) error
	Load() (ColorData, error)
}

// MemoryColorStore is a ColorStore for endpoints sharing one address space.
type MemoryColorStore struct {
	mu    sync.RWMutex
	value ColorData
}

// Store implements ColorStore.
func (s *MemoryColorStore) Store(c ColorData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = c
	return nil
}

// Load implements ColorStore.
func (s *MemoryColorStore) Load() (ColorData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, nil
}

// EndpointOptions configures an Endpoint.
type EndpointOptions struct {
	Role       Role
	Descriptor Descriptor
	Link       Link
	Colors     ColorStore
	// Release frees provider resources (fds, mappings) once on Close.
	Release func() error
	Logger  *slog.Logger
}

// Endpoint is the provider-independent Handle implementation. Providers supply
// the Link and ColorStore and feed incoming traffic through Deliver.
//
// Ownership: a producer starts owning every buffer. Queued buffers belong to
// the consumer side until released; QueueDepth bounds how many the consumer
// side may hold at once. Queueing before a consumer attaches is allowed; those
// indices are delivered on attach.
//
// A producer accepts one consumer at a time, identified by the token every
// consumer stamps on its traffic. Attaches from other tokens are rejected and
// their releases ignored.
type Endpoint struct {
	mu sync.Mutex
	// sendMu orders producer sends so buffers reach the consumer in queue order.
	sendMu  sync.Mutex
	role    Role
	desc    Descriptor
	link    Link
	colors  ColorStore
	release func() error
	inbound *Queue
	owned   []bool
	// lent marks producer buffers currently on the consumer side.
	lent        []bool
	outstanding int
	// attached: producer has a consumer; consumer was accepted.
	attached bool
	// token identifies a consumer; on a producer it is the accepted consumer.
	token     string
	answers   chan error
	pending   []int
	lastColor *ColorData
	closed    bool
	logger    *slog.Logger
}

// NewEndpoint creates a Handle for one side of a stream.
func NewEndpoint(opts EndpointOptions) (*Endpoint, error) {
	if err := opts.Descriptor.Check(); err != nil {
		return nil, newErrorCause(StatusInvalid, "endpoint", "invalid descriptor", err)
	}
	if opts.Link == nil {
		return nil, errors.New("endpoint requires a link")
	}
	if opts.Colors == nil {
		opts.Colors = &MemoryColorStore{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := opts.Descriptor
	e := &Endpoint{
		role:    opts.Role,
		desc:    d,
		link:    opts.Link,
		colors:  opts.Colors,
		release: opts.Release,
		owned:   make([]bool, d.BufferCount),
		logger:  logger.With("component", "sideband", "role", opts.Role.String(), "handle_id", d.ID),
	}
	if opts.Role == RoleProducer {
		// Released buffers land here; every buffer may be in flight back at once.
		e.inbound = NewQueue(d.BufferCount)
		e.lent = make([]bool, d.BufferCount)
		for i := range e.owned {
			e.owned[i] = true
		}
	} else {
		e.inbound = NewQueue(d.QueueDepth)
		e.token = uuid.NewString()
		e.answers = make(chan error, 1)
	}
	return e, nil
}

func (e *Endpoint) checkIndex(idx int) error {
	if idx < 0 || idx >= e.desc.BufferCount {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidIndex, idx, e.desc.BufferCount)
	}
	return nil
}

// QueueBuffer implements Handle.
func (e *Endpoint) QueueBuffer(idx int) error {
	if e.role != RoleProducer {
		return ErrWrongRole
	}
	if err := e.checkIndex(idx); err != nil {
		return err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return newError(BufQueueNoMoreData, "queueBuffer", "")
	case !e.owned[idx]:
		e.mu.Unlock()
		return fmt.Errorf("queue buffer %d: %w", idx, ErrBufferNotOwned)
	case e.outstanding >= e.desc.QueueDepth:
		e.mu.Unlock()
		return newError(BufQueueFull, "queueBuffer", fmt.Sprintf("%d buffers held by consumer", e.outstanding))
	}
	e.owned[idx] = false
	e.lent[idx] = true
	e.outstanding++
	if !e.attached {
		e.pending = append(e.pending, idx)
		e.mu.Unlock()
		return nil
	}
	consumer := e.token
	e.mu.Unlock()

	if err := e.link.Send(Message{Kind: MsgQueued, Index: idx, Consumer: consumer}); err != nil {
		e.mu.Lock()
		e.owned[idx] = true
		e.lent[idx] = false
		e.outstanding--
		e.mu.Unlock()
		return errorWithStatus(err, "queueBuffer")
	}
	return nil
}

// DequeueBuffer implements Handle.
func (e *Endpoint) DequeueBuffer(timeout time.Duration) (int, error) {
	if e.role != RoleProducer {
		return -1, ErrWrongRole
	}
	idx, err := e.inbound.Pop(timeout)
	if err != nil {
		return -1, err
	}
	e.mu.Lock()
	e.owned[idx] = true
	e.mu.Unlock()
	return idx, nil
}

// SetColorData implements Handle.
func (e *Endpoint) SetColorData(c ColorData) error {
	if e.role != RoleProducer {
		return ErrWrongRole
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return newError(BufQueueNoMoreData, "setColorData", "")
	}
	if e.lastColor != nil && *e.lastColor == c {
		return newError(SettingNoDataChange, "setColorData", "")
	}
	if err := e.colors.Store(c); err != nil {
		return fmt.Errorf("store color data: %w", err)
	}
	e.lastColor = &c
	return nil
}

// AcquireBufferNumb implements Handle.
func (e *Endpoint) AcquireBufferNumb() (int, error) {
	if e.role != RoleConsumer {
		return 0, ErrWrongRole
	}
	return e.inbound.Len(), nil
}

// AcquireBuffer implements Handle.
func (e *Endpoint) AcquireBuffer(timeout time.Duration) (int, error) {
	if e.role != RoleConsumer {
		return -1, ErrWrongRole
	}
	idx, err := e.inbound.Pop(timeout)
	if err != nil {
		return -1, err
	}
	e.mu.Lock()
	e.owned[idx] = true
	e.mu.Unlock()
	return idx, nil
}

// ReleaseBuffer implements Handle.
func (e *Endpoint) ReleaseBuffer(idx int) error {
	if e.role != RoleConsumer {
		return ErrWrongRole
	}
	if err := e.checkIndex(idx); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.owned[idx] {
		e.mu.Unlock()
		return fmt.Errorf("release buffer %d: %w", idx, ErrBufferNotOwned)
	}
	e.owned[idx] = false
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return nil
	}
	if err := e.link.Send(Message{Kind: MsgReleased, Index: idx, Consumer: e.token}); err != nil {
		e.mu.Lock()
		e.owned[idx] = true
		e.mu.Unlock()
		return errorWithStatus(err, "releaseBuffer")
	}
	return nil
}

// GetColorData implements Handle.
func (e *Endpoint) GetColorData() (ColorData, error) {
	if e.role != RoleConsumer {
		return ColorData{}, ErrWrongRole
	}
	return e.colors.Load()
}

// Deliver applies a message received from the peer.
func (e *Endpoint) Deliver(m Message) {
	if e.role == RoleConsumer {
		e.deliverToConsumer(m)
	} else {
		e.deliverToProducer(m)
	}
}

func (e *Endpoint) deliverToConsumer(m Message) {
	if m.Kind != MsgEOS && m.Consumer != e.token {
		return
	}
	switch m.Kind {
	case MsgQueued:
		if e.checkIndex(m.Index) != nil {
			e.logger.Warn("Dropping unexpected queued message", "index", m.Index)
			return
		}
		if err := e.inbound.Push(m.Index); err != nil {
			e.logger.Warn("Consumer queue rejected buffer", "index", m.Index, "error", err)
		}

	case MsgAccept:
		e.mu.Lock()
		e.attached = true
		e.mu.Unlock()
		e.answer(nil)

	case MsgReject:
		e.answer(ErrConsumerAttached)

	case MsgEOS:
		e.logger.Debug("End of stream received")
		e.inbound.Close()
		e.answer(newError(BufQueueNoMoreData, "attach", "stream ended"))

	default:
		e.logger.Warn("Dropping unexpected message", "kind", m.Kind.String())
	}
}

func (e *Endpoint) deliverToProducer(m Message) {
	switch m.Kind {
	case MsgAttach:
		e.attach(m.Consumer)
		return
	case MsgReleased, MsgDetach:
	default:
		e.logger.Warn("Dropping unexpected message", "kind", m.Kind.String())
		return
	}

	e.mu.Lock()
	if !e.attached || m.Consumer != e.token {
		e.mu.Unlock()
		e.logger.Warn("Ignoring message from unknown consumer", "kind", m.Kind.String(), "consumer", m.Consumer)
		return
	}
	if m.Kind == MsgDetach {
		e.attached = false
		e.token = ""
		e.mu.Unlock()
		e.logger.Debug("Consumer detached", "consumer", m.Consumer)
		return
	}
	if e.checkIndex(m.Index) != nil || !e.lent[m.Index] {
		e.mu.Unlock()
		e.logger.Warn("Dropping release of buffer not held by consumer", "index", m.Index)
		return
	}
	e.lent[m.Index] = false
	e.outstanding--
	e.mu.Unlock()
	if err := e.inbound.Push(m.Index); err != nil {
		e.logger.Debug("Released buffer after teardown", "index", m.Index, "error", err)
	}
}

// answer hands the producer's reply to a waiting Attach.
func (e *Endpoint) answer(err error) {
	select {
	case e.answers <- err:
	default:
	}
}

// attach accepts consumer if no other consumer holds the stream and flushes
// buffers queued before it arrived.
func (e *Endpoint) attach(consumer string) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if consumer == "" || e.closed {
		e.mu.Unlock()
		return
	}
	if e.attached {
		same := e.token == consumer
		e.mu.Unlock()
		if same {
			return
		}
		e.logger.Warn("Rejecting attach from second consumer", "consumer", consumer)
		if err := e.link.Send(Message{Kind: MsgReject, Consumer: consumer}); err != nil {
			e.logger.Warn("Failed to reject consumer", "consumer", consumer, "error", err)
		}
		return
	}
	e.attached = true
	e.token = consumer
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	e.logger.Debug("Consumer attached", "consumer", consumer, "pending", len(pending))
	if err := e.link.Send(Message{Kind: MsgAccept, Consumer: consumer}); err != nil {
		e.logger.Warn("Failed to accept consumer", "consumer", consumer, "error", err)
	}
	for _, idx := range pending {
		if err := e.link.Send(Message{Kind: MsgQueued, Index: idx, Consumer: consumer}); err != nil {
			e.logger.Warn("Failed to deliver pending buffer", "index", idx, "error", err)
		}
	}
}

// Attach announces a consumer to its producer and waits for the answer.
// Providers call it once the consumer's receive path is ready. A producer
// that already serves another consumer answers with ErrConsumerAttached; one
// that does not answer yields ErrStreamNotFound.
func (e *Endpoint) Attach() error {
	if e.role != RoleConsumer {
		return ErrWrongRole
	}
	if err := e.link.Send(Message{Kind: MsgAttach, Consumer: e.token}); err != nil {
		return errorWithStatus(err, "attach")
	}
	select {
	case err := <-e.answers:
		return err
	case <-time.After(attachTimeout):
		return fmt.Errorf("no answer from producer %d: %w", e.desc.ID, ErrStreamNotFound)
	}
}

// Token returns the consumer token; on a producer, the accepted consumer's.
func (e *Endpoint) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// Attached reports whether a consumer is attached to this producer, or for a
// consumer, whether its producer accepted it.
func (e *Endpoint) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attached
}

// BufferWidth implements Handle.
func (e *Endpoint) BufferWidth() int { return e.desc.Width }

// BufferHeight implements Handle.
func (e *Endpoint) BufferHeight() int { return e.desc.Height }

// ColorFormat implements Handle.
func (e *Endpoint) ColorFormat() ColorFormat { return e.desc.ColorFormat }

// CompressedUsage implements Handle.
func (e *Endpoint) CompressedUsage() int { return e.desc.CompressedUsage }

// BufferCount implements Handle.
func (e *Endpoint) BufferCount() int { return e.desc.BufferCount }

// BufferSize implements Handle.
func (e *Endpoint) BufferSize() int { return e.desc.BufferSize() }

// HandleID implements Handle.
func (e *Endpoint) HandleID() int32 { return e.desc.ID }

// Role implements Handle.
func (e *Endpoint) Role() Role { return e.role }

// BufferFd implements Handle.
func (e *Endpoint) BufferFd(idx int) (int, error) {
	if err := e.checkIndex(idx); err != nil {
		return -1, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc.BufferFds[idx], nil
}

// SetBufferFd implements Handle.
func (e *Endpoint) SetBufferFd(idx, fd int) error {
	if err := e.checkIndex(idx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.desc.BufferFds[idx] = fd
	return nil
}

// Descriptor implements Handle.
func (e *Endpoint) Descriptor() Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc
}

// NativeHandle implements Handle.
func (e *Endpoint) NativeHandle() *NativeHandle {
	return e.Descriptor().Encode()
}

// Close implements Handle. A producer signals end of stream to the consumer;
// a consumer hands every buffer it holds back to the producer first.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	accepted := e.attached
	var returned []int
	if e.role == RoleConsumer {
		for i, held := range e.owned {
			if held {
				returned = append(returned, i)
				e.owned[i] = false
			}
		}
	}
	e.mu.Unlock()

	var errs []error
	if e.role == RoleProducer {
		if err := e.link.Send(Message{Kind: MsgEOS}); err != nil {
			e.logger.Debug("Failed to signal end of stream", "error", err)
		}
	} else if accepted {
		// Drain unread buffers so the producer gets them back too.
		for {
			idx, err := e.inbound.Pop(0)
			if err != nil {
				break
			}
			returned = append(returned, idx)
		}
		for _, idx := range returned {
			if err := e.link.Send(Message{Kind: MsgReleased, Index: idx, Consumer: e.token}); err != nil {
				e.logger.Debug("Failed to return buffer on close", "index", idx, "error", err)
			}
		}
		if err := e.link.Send(Message{Kind: MsgDetach, Consumer: e.token}); err != nil {
			e.logger.Debug("Failed to detach", "error", err)
		}
	}

	e.inbound.Close()
	if err := e.link.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.release != nil {
		if err := e.release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// errorWithStatus keeps sideband errors intact and wraps transport failures.
func errorWithStatus(err error, op string) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return newErrorCause(UnknownError, op, "link failure", err)
}

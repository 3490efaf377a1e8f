//go:build linux

package memfd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/smazurov/sideband/pkg/sideband"
)

func init() {
	sideband.Register(ProviderName, func(map[string]string) (sideband.Provider, error) {
		return New(slog.Default()), nil
	})
}

// ErrConsumerAttached is returned when a stream already has a consumer.
var ErrConsumerAttached = sideband.ErrConsumerAttached

// Provider connects producers and consumers living in the same process.
// Consumers get duplicated fds, so either side may close first.
type Provider struct {
	pid    int32
	nextID atomic.Int32
	logger *slog.Logger

	mu      sync.Mutex
	streams map[int32]*stream
}

type stream struct {
	mu       sync.Mutex
	producer *sideband.Endpoint
	consumer *sideband.Endpoint
}

func (s *stream) peer(role sideband.Role) *sideband.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == sideband.RoleProducer {
		return s.consumer
	}
	return s.producer
}

// New creates an empty provider.
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		pid:     int32(os.Getpid()),
		logger:  logger.With("component", "memfd_provider"),
		streams: make(map[int32]*stream),
	}
}

// CreateProducer implements sideband.Provider.
func (p *Provider) CreateProducer(cfg sideband.ProducerConfig) (sideband.Handle, error) {
	id := p.nextID.Add(1)
	d, err := cfg.Descriptor(id, p.pid)
	if err != nil {
		return nil, err
	}
	bufs, err := Allocate(&d)
	if err != nil {
		return nil, fmt.Errorf("allocate buffers: %w", err)
	}

	st := &stream{}
	ep, err := sideband.NewEndpoint(sideband.EndpointOptions{
		Role:       sideband.RoleProducer,
		Descriptor: d,
		Link:       &localLink{stream: st, from: sideband.RoleProducer},
		Colors:     NewMetaStore(bufs.MetaFd()),
		Release: func() error {
			p.mu.Lock()
			delete(p.streams, id)
			p.mu.Unlock()
			return bufs.Close()
		},
		Logger: p.logger,
	})
	if err != nil {
		bufs.Close()
		return nil, err
	}
	st.producer = ep

	p.mu.Lock()
	p.streams[id] = st
	p.mu.Unlock()

	p.logger.Debug("Producer created", "handle_id", id, "width", d.Width, "height", d.Height,
		"format", d.ColorFormat.String(), "buffers", d.BufferCount)
	return ep, nil
}

// CreateConsumer implements sideband.Provider. The handle must come from a
// producer of this provider; h's fds are duplicated, not adopted.
func (p *Provider) CreateConsumer(h *sideband.NativeHandle) (sideband.Handle, error) {
	d, err := sideband.DecodeDescriptor(h)
	if err != nil {
		return nil, err
	}
	if d.PID != p.pid {
		return nil, fmt.Errorf("handle %d from pid %d: %w", d.ID, d.PID, sideband.ErrStreamNotFound)
	}

	p.mu.Lock()
	st, ok := p.streams[d.ID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", d.ID, sideband.ErrStreamNotFound)
	}

	st.mu.Lock()
	if st.consumer != nil {
		st.mu.Unlock()
		return nil, fmt.Errorf("handle %d: %w", d.ID, ErrConsumerAttached)
	}
	bufs, err := Dup(&d)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	var ep *sideband.Endpoint
	ep, err = sideband.NewEndpoint(sideband.EndpointOptions{
		Role:       sideband.RoleConsumer,
		Descriptor: d,
		Link:       &localLink{stream: st, from: sideband.RoleConsumer},
		Colors:     NewMetaStore(bufs.MetaFd()),
		Release: func() error {
			st.mu.Lock()
			if st.consumer == ep {
				st.consumer = nil
			}
			st.mu.Unlock()
			return bufs.Close()
		},
		Logger: p.logger,
	})
	if err != nil {
		st.mu.Unlock()
		bufs.Close()
		return nil, err
	}
	st.consumer = ep
	st.mu.Unlock()

	if err := ep.Attach(); err != nil {
		ep.Close()
		return nil, err
	}
	p.logger.Debug("Consumer attached", "handle_id", d.ID)
	return ep, nil
}

// Streams returns the number of live producers.
func (p *Provider) Streams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

// Close tears down every remaining stream.
func (p *Provider) Close() error {
	p.mu.Lock()
	streams := make([]*stream, 0, len(p.streams))
	for _, st := range p.streams {
		streams = append(streams, st)
	}
	p.mu.Unlock()

	var errs []error
	for _, st := range streams {
		if c := st.peer(sideband.RoleProducer); c != nil {
			errs = append(errs, c.Close())
		}
		errs = append(errs, st.producer.Close())
	}
	return errors.Join(errs...)
}

// localLink delivers directly to the peer endpoint of the same stream.
type localLink struct {
	stream *stream
	from   sideband.Role
	closed atomic.Bool
}

func (l *localLink) Send(m sideband.Message) error {
	if l.closed.Load() {
		return sideband.ErrClosed
	}
	if peer := l.stream.peer(l.from); peer != nil {
		peer.Deliver(m)
	}
	return nil
}

func (l *localLink) Close() error {
	l.closed.Store(true)
	return nil
}

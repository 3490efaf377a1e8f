//go:build linux

package natsq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smazurov/sideband/pkg/sideband"
	"github.com/smazurov/sideband/pkg/sideband/memfd"
)

func init() {
	sideband.Register(ProviderName, func(opts map[string]string) (sideband.Provider, error) {
		url := opts["url"]
		if url == "" {
			url = nats.DefaultURL
		}
		return Connect(url, opts["name"], slog.Default())
	})
}

// StreamSubject returns the base subject of one stream.
func StreamSubject(pid, id int32) string {
	return fmt.Sprintf("%s.%d.%d", SubjectPrefix, pid, id)
}

// Provider creates sideband handles whose queues are carried by NATS.
type Provider struct {
	nc       *nats.Conn
	ownsConn bool
	pid      int32
	nextID   atomic.Int32
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[*sideband.Endpoint]struct{}
}

// Connect dials url and returns a provider that closes the connection on Close.
func Connect(url, name string, logger *slog.Logger) (*Provider, error) {
	if name == "" {
		name = fmt.Sprintf("sideband-%d", os.Getpid())
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	p := New(nc, logger)
	p.ownsConn = true
	return p, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		nc:      nc,
		pid:     int32(os.Getpid()),
		logger:  logger.With("component", "nats_provider"),
		handles: make(map[*sideband.Endpoint]struct{}),
	}
}

// CreateProducer implements sideband.Provider.
func (p *Provider) CreateProducer(cfg sideband.ProducerConfig) (sideband.Handle, error) {
	id := p.nextID.Add(1)
	d, err := cfg.Descriptor(id, p.pid)
	if err != nil {
		return nil, err
	}
	bufs, err := memfd.Allocate(&d)
	if err != nil {
		return nil, fmt.Errorf("allocate buffers: %w", err)
	}
	ep, err := p.open(sideband.RoleProducer, d, bufs)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// CreateConsumer implements sideband.Provider. The fds in h are duplicated;
// the caller still owns and closes the ones it received.
func (p *Provider) CreateConsumer(h *sideband.NativeHandle) (sideband.Handle, error) {
	d, err := sideband.DecodeDescriptor(h)
	if err != nil {
		return nil, err
	}
	bufs, err := memfd.Dup(&d)
	if err != nil {
		return nil, err
	}
	ep, err := p.open(sideband.RoleConsumer, d, bufs)
	if err != nil {
		return nil, err
	}
	if err := ep.Attach(); err != nil {
		ep.Close()
		return nil, fmt.Errorf("attach: %w", err)
	}
	return ep, nil
}

func (p *Provider) open(role sideband.Role, d sideband.Descriptor, bufs *memfd.Buffers) (*sideband.Endpoint, error) {
	link := &natsLink{
		nc:     p.nc,
		base:   StreamSubject(d.PID, d.ID),
		role:   role,
		logger: p.logger,
	}

	var ep *sideband.Endpoint
	ep, err := sideband.NewEndpoint(sideband.EndpointOptions{
		Role:       role,
		Descriptor: d,
		Link:       link,
		Colors:     memfd.NewMetaStore(bufs.MetaFd()),
		Release: func() error {
			p.mu.Lock()
			delete(p.handles, ep)
			p.mu.Unlock()
			return bufs.Close()
		},
		Logger: p.logger,
	})
	if err != nil {
		bufs.Close()
		return nil, err
	}

	if err := link.subscribe(ep); err != nil {
		// Close runs Release, which closes bufs.
		if cerr := ep.Close(); cerr != nil {
			p.logger.Debug("Failed to close handle after subscribe error", "error", cerr)
		}
		return nil, fmt.Errorf("open %s handle: %w", role, err)
	}

	p.mu.Lock()
	p.handles[ep] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("Handle opened", "role", role.String(), "subject", link.base)
	return ep, nil
}

// Handles returns the number of open handles.
func (p *Provider) Handles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Close closes every open handle and, for providers made by Connect, the connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	open := make([]*sideband.Endpoint, 0, len(p.handles))
	for ep := range p.handles {
		open = append(open, ep)
	}
	p.mu.Unlock()

	var errs []error
	for _, ep := range open {
		errs = append(errs, ep.Close())
	}
	if p.ownsConn {
		if err := p.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// natsLink publishes one side's messages and feeds the peer's into the endpoint.
type natsLink struct {
	nc     *nats.Conn
	base   string
	role   sideband.Role
	logger *slog.Logger
	sub    *nats.Subscription
}

// inbound reports whether kind travels toward role.
func inbound(role sideband.Role, kind sideband.MessageKind) bool {
	switch kind {
	case sideband.MsgQueued, sideband.MsgEOS, sideband.MsgAccept, sideband.MsgReject:
		return role == sideband.RoleConsumer
	case sideband.MsgReleased, sideband.MsgAttach, sideband.MsgDetach:
		return role == sideband.RoleProducer
	default:
		return false
	}
}

// subscribe listens on every kind of the stream with one subscription so
// messages keep publish order. It flushes so the server knows the interest
// before anything is sent.
func (l *natsLink) subscribe(ep *sideband.Endpoint) error {
	sub, err := l.nc.Subscribe(l.base+".*", func(msg *nats.Msg) {
		var m sideband.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			l.logger.Warn("Failed to unmarshal queue message", "subject", msg.Subject, "error", err)
			return
		}
		if !inbound(l.role, m.Kind) {
			return
		}
		ep.Deliver(m)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.base, err)
	}
	if err := l.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	l.sub = sub
	return nil
}

func (l *natsLink) Send(m sideband.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := l.nc.Publish(l.base+"."+m.Kind.String(), data); err != nil {
		return fmt.Errorf("publish %s: %w", m.Kind, err)
	}
	return nil
}

func (l *natsLink) Close() error {
	if err := l.nc.FlushTimeout(time.Second); err != nil {
		l.logger.Debug("Flush on close failed", "error", err)
	}
	if l.sub == nil {
		return nil
	}
	if err := l.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

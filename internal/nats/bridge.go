package nats

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smazurov/sideband/internal/events"
)

// EventPublisher receives events translated from NATS traffic.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SourceProduce tags stats coming from produce processes.
const SourceProduce = "produce"

// Bridge republishes produce traffic on the event bus.
type Bridge struct {
	url    string
	bus    EventPublisher
	logger *slog.Logger
	seq    atomic.Uint64

	mu   sync.Mutex
	conn *nats.Conn
	subs []*nats.Subscription
}

// NewBridge creates a bridge publishing to bus.
func NewBridge(url string, bus EventPublisher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{url: url, bus: bus, logger: logger.With("component", "nats-bridge")}
}

// Start connects and subscribes to every stream subject.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := nats.Connect(b.url,
		nats.Name("sideband-bridge"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS bridge disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return err
	}
	b.conn = conn

	handlers := map[string]nats.MsgHandler{
		"stats": b.handleStats,
		"logs":  b.handleLog,
		"state": b.handleState,
	}
	for kind, h := range handlers {
		sub, err := conn.Subscribe(streamSubject("*", kind), h)
		if err != nil {
			b.closeLocked()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	if err := conn.Flush(); err != nil {
		b.closeLocked()
		return err
	}

	b.logger.Info("NATS bridge started", "url", b.url)
	return nil
}

func (b *Bridge) handleStats(msg *nats.Msg) {
	m, err := Unmarshal[StatsMessage](msg.Data)
	if err != nil {
		b.logger.Warn("Dropping stats message", "subject", msg.Subject, "error", err)
		return
	}
	b.bus.Publish(events.SessionStatsEvent{
		StreamID:  orSubject(m.StreamID, msg.Subject),
		HandleID:  m.HandleID,
		Queued:    m.Queued,
		Released:  m.Released,
		Full:      m.Full,
		Empty:     m.Empty,
		Attached:  m.Attached,
		Source:    SourceProduce,
		Timestamp: m.Timestamp,
	})
}

func (b *Bridge) handleLog(msg *nats.Msg) {
	m, err := Unmarshal[LogMessage](msg.Data)
	if err != nil {
		b.logger.Warn("Dropping log message", "subject", msg.Subject, "error", err)
		return
	}
	attrs := make(map[string]any, len(m.Details)+1)
	for k, v := range m.Details {
		attrs[k] = v
	}
	attrs["stream_id"] = orSubject(m.StreamID, msg.Subject)

	module := m.Module
	if module == "" {
		module = SourceProduce
	}
	b.bus.Publish(events.LogEntryEvent{
		Seq:        b.seq.Add(1),
		Timestamp:  m.Timestamp,
		Level:      m.Level,
		Module:     module,
		Message:    m.Message,
		Attributes: attrs,
	})
}

func (b *Bridge) handleState(msg *nats.Msg) {
	m, err := Unmarshal[StateMessage](msg.Data)
	if err != nil {
		b.logger.Warn("Dropping state message", "subject", msg.Subject, "error", err)
		return
	}
	streamID := orSubject(m.StreamID, msg.Subject)

	switch m.State {
	case StateStarted:
		b.bus.Publish(events.SessionStartedEvent{
			SessionID: m.SessionID,
			StreamID:  streamID,
			HandleID:  m.HandleID,
			Provider:  m.Provider,
			Socket:    m.Socket,
			Timestamp: m.Timestamp,
		})
	case StateStopped:
		b.bus.Publish(events.SessionStoppedEvent{
			SessionID: m.SessionID,
			StreamID:  streamID,
			Reason:    m.Reason,
			Frames:    m.Frames,
			Timestamp: m.Timestamp,
		})
	case StateFull, StateEmpty, StateEOS:
		b.bus.Publish(events.QueueStateEvent{
			StreamID:  streamID,
			HandleID:  m.HandleID,
			State:     m.State,
			Timestamp: m.Timestamp,
		})
	default:
		b.logger.Debug("Ignoring unknown state", "stream_id", streamID, "state", m.State)
	}
}

func orSubject(streamID, subject string) string {
	if streamID != "" {
		return streamID
	}
	return streamIDFromSubject(subject)
}

func (b *Bridge) closeLocked() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// Stop disconnects the bridge.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	b.logger.Info("NATS bridge stopped")
}

// IsConnected reports whether the bridge has a live connection.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.IsConnected()
}

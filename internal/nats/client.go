package nats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smazurov/sideband/pkg/sideband"
)

// StreamClient connects a produce process to the daemon. Publishing is a
// no-op while disconnected.
type StreamClient struct {
	url      string
	streamID string
	logger   *slog.Logger

	mu        sync.RWMutex
	conn      *nats.Conn
	sub       *nats.Subscription
	connected bool
	onColor   func(sideband.ColorData)
	onStop    func(reason string)
}

// NewStreamClient creates a client for streamID.
func NewStreamClient(url, streamID string, logger *slog.Logger) *StreamClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamClient{
		url:      url,
		streamID: streamID,
		logger:   logger.With("component", "nats-client", "stream_id", streamID),
	}
}

// Connect dials the broker. On failure the client stays usable offline and
// the error is returned for logging.
func (c *StreamClient) Connect() error {
	conn, err := nats.Connect(c.url,
		nats.Name("sideband-produce-"+c.streamID),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setConnected(false)
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.setConnected(true)
			c.logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		c.logger.Warn("NATS unavailable, running offline", "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connected = true
	c.logger.Info("Connected to NATS", "url", c.url)
	c.subscribeLocked()
	return nil
}

// subscribeLocked listens on every control subject of the stream. Core NATS
// restores subscriptions after a reconnect.
func (c *StreamClient) subscribeLocked() {
	if c.conn == nil || c.sub != nil || (c.onColor == nil && c.onStop == nil) {
		return
	}
	sub, err := c.conn.Subscribe(controlSubject(c.streamID, "*"), c.handleControl)
	if err != nil {
		c.logger.Warn("Failed to subscribe to control subjects", "error", err)
		return
	}
	c.sub = sub
}

func (c *StreamClient) handleControl(msg *nats.Msg) {
	ctrl, err := Unmarshal[ControlMessage](msg.Data)
	if err != nil {
		c.logger.Warn("Dropping control message", "subject", msg.Subject, "error", err)
		return
	}

	c.mu.RLock()
	onColor, onStop := c.onColor, c.onStop
	c.mu.RUnlock()

	c.logger.Info("Received control command", "action", ctrl.Action, "reason", ctrl.Reason)
	switch ctrl.Action {
	case ActionColor:
		if ctrl.Color == nil {
			c.logger.Warn("Color command without color data")
			return
		}
		if onColor != nil {
			onColor(*ctrl.Color)
		}
	case ActionStop:
		if onStop != nil {
			onStop(ctrl.Reason)
		}
	default:
		c.logger.Warn("Unknown control action", "action", ctrl.Action)
	}
}

// OnColor sets the handler for color commands.
func (c *StreamClient) OnColor(fn func(sideband.ColorData)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onColor = fn
	c.subscribeLocked()
}

// OnStop sets the handler for stop commands.
func (c *StreamClient) OnStop(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStop = fn
	c.subscribeLocked()
}

// PublishStats reports producer counters.
func (c *StreamClient) PublishStats(m StatsMessage) {
	publish(c, SubjectStreamStats(c.streamID), m)
}

// PublishLog forwards a log record.
func (c *StreamClient) PublishLog(m LogMessage) {
	publish(c, SubjectStreamLogs(c.streamID), m)
}

// PublishState reports a state transition.
func (c *StreamClient) PublishState(m StateMessage) {
	publish(c, SubjectStreamState(c.streamID), m)
}

func publish[T Message](c *StreamClient, subject string, m T) {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if conn == nil || !connected {
		return
	}

	data, err := Marshal(m)
	if err != nil {
		c.logger.Warn("Failed to encode message", "subject", subject, "error", err)
		return
	}
	if err := conn.Publish(subject, data); err != nil {
		c.logger.Warn("Failed to publish", "subject", subject, "error", err)
	}
}

// Flush waits until the broker has seen every published message.
func (c *StreamClient) Flush(timeout time.Duration) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.FlushTimeout(timeout)
}

// IsConnected reports whether the client has a live connection.
func (c *StreamClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil
}

// Close drops the connection.
func (c *StreamClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *StreamClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// ControlPublisher sends control commands from the daemon.
type ControlPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewControlPublisher connects a control publisher.
func NewControlPublisher(url string, logger *slog.Logger) (*ControlPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("sideband-control"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(5),
	)
	if err != nil {
		return nil, err
	}
	return &ControlPublisher{conn: conn, logger: logger.With("component", "nats-control")}, nil
}

// SetColor sends color data to the producer of streamID.
func (p *ControlPublisher) SetColor(streamID string, color sideband.ColorData) error {
	return p.send(SubjectControlColor(streamID), ControlMessage{
		Action:   ActionColor,
		StreamID: streamID,
		Color:    &color,
	})
}

// Stop asks the producer of streamID to exit.
func (p *ControlPublisher) Stop(streamID, reason string) error {
	return p.send(SubjectControlStop(streamID), ControlMessage{
		Action:   ActionStop,
		StreamID: streamID,
		Reason:   reason,
	})
}

func (p *ControlPublisher) send(subject string, m ControlMessage) error {
	m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return err
	}
	p.logger.Info("Sent control command", "stream_id", m.StreamID, "action", m.Action)
	return nil
}

// Close closes the connection.
func (p *ControlPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

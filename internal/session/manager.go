package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smazurov/sideband/internal/events"
	"github.com/smazurov/sideband/internal/metrics"
	"github.com/smazurov/sideband/internal/streams"
	"github.com/smazurov/sideband/pkg/sideband"
)

// EventPublisher publishes events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// StreamSource looks up stream definitions.
type StreamSource interface {
	GetStream(ctx context.Context, id string) (streams.StreamSpec, error)
}

// Options configures a Manager.
type Options struct {
	Streams StreamSource
	// DefaultProvider is used for streams that do not name one.
	DefaultProvider string
	// ProviderOptions are passed to each provider's OpenFunc by name.
	ProviderOptions map[string]map[string]string
	// PluginPath, when set, binds the default provider from a Go plugin.
	PluginPath string
	EventBus   EventPublisher
	// Listen opens descriptor sockets; defaults to Unix sockets.
	Listen ListenFunc
	// Painter fills buffers before they are queued; defaults to PatternPainter.
	Painter PainterFunc
	Logger  *slog.Logger
}

// Manager runs at most one producer session per stream.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	factories map[string]*sideband.Factory
	closed    bool
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Listen == nil {
		opts.Listen = listenUnix
	}
	if opts.Painter == nil {
		opts.Painter = PatternPainter
	}
	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		sessions:  make(map[string]*Session),
		factories: make(map[string]*sideband.Factory),
	}
}

// Start creates a producer for streamID and starts its session. The session
// outlives ctx; it runs until Stop or Shutdown.
func (m *Manager) Start(ctx context.Context, streamID string) (Info, error) {
	spec, err := m.opts.Streams.GetStream(ctx, streamID)
	if err != nil {
		return Info{}, err
	}
	cfg, err := spec.ProducerConfig()
	if err != nil {
		return Info{}, streams.NewStreamError(streams.ErrCodeInvalidParams, "invalid stream definition", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Info{}, streams.NewStreamError(streams.ErrCodeSessionActive, "session manager is shut down", nil)
	}
	if _, running := m.sessions[streamID]; running {
		return Info{}, streams.NewStreamError(streams.ErrCodeSessionActive,
			fmt.Sprintf("stream %s already has a session", streamID), nil)
	}

	providerName := m.providerFor(spec)
	factory, err := m.factoryLocked(providerName)
	if err != nil {
		return Info{}, streams.NewStreamError(streams.ErrCodeProviderError,
			fmt.Sprintf("provider %s unavailable", providerName), err)
	}
	handle, err := factory.CreateProducer(cfg)
	if err != nil {
		return Info{}, streams.NewStreamError(streams.ErrCodeProviderError, "failed to create producer", err)
	}

	s := &Session{
		id:        uuid.NewString(),
		spec:      spec,
		provider:  providerName,
		handle:    handle,
		bus:       m.opts.EventBus,
		startedAt: time.Now().UTC(),
	}
	s.logger = m.logger.With("stream_id", spec.ID, "session_id", s.id, "handle_id", handle.HandleID())

	if s.painter, err = m.opts.Painter(handle); err != nil {
		_ = handle.Close()
		return Info{}, streams.NewStreamError(streams.ErrCodeProviderError, "failed to map buffers", err)
	}
	if spec.Socket != "" {
		if s.transport, err = m.opts.Listen(spec.Socket, s.logger); err != nil {
			_ = s.painter.Close()
			_ = handle.Close()
			return Info{}, streams.NewStreamError(streams.ErrCodeTransportError, "failed to open descriptor socket", err)
		}
	}
	if spec.Color != nil {
		if _, err := s.SetColor(*spec.Color); err != nil {
			s.logger.Warn("Failed to apply initial color data", "error", err)
		}
	}

	s.start(context.Background())
	m.sessions[streamID] = s
	metrics.SessionStarted(spec.ID, handle.HandleID())

	info := s.Info()
	s.logger.Info("Session started", "provider", providerName, "socket", spec.Socket,
		"width", info.Width, "height", info.Height, "color_format", info.ColorFormat,
		"buffer_count", info.BufferCount, "buffer_size", info.BufferSize)
	s.publish(events.SessionStartedEvent{
		SessionID: s.id,
		StreamID:  spec.ID,
		HandleID:  handle.HandleID(),
		Provider:  providerName,
		Socket:    spec.Socket,
		Timestamp: now(),
	})
	return info, nil
}

// Stop ends the session of streamID.
func (m *Manager) Stop(streamID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[streamID]
	delete(m.sessions, streamID)
	m.mu.Unlock()
	if !ok {
		return streams.NewStreamError(streams.ErrCodeSessionNotFound,
			fmt.Sprintf("stream %s has no session", streamID), nil)
	}
	return m.finish(s, reason)
}

func (m *Manager) finish(s *Session, reason string) error {
	err := s.stop()
	metrics.SessionStopped(s.spec.ID)
	frames := s.frames.Load()
	if err != nil {
		s.logger.Warn("Session stopped with errors", "reason", reason, "frames", frames, "error", err)
	} else {
		s.logger.Info("Session stopped", "reason", reason, "frames", frames)
	}
	s.publish(events.SessionStoppedEvent{
		SessionID: s.id,
		StreamID:  s.spec.ID,
		Reason:    reason,
		Frames:    frames,
		Timestamp: now(),
	})
	return err
}

// SetColor sends color data through the session of streamID.
func (m *Manager) SetColor(streamID string, c sideband.ColorData) (bool, error) {
	s, ok := m.session(streamID)
	if !ok {
		return false, streams.NewStreamError(streams.ErrCodeSessionNotFound,
			fmt.Sprintf("stream %s has no session", streamID), nil)
	}
	return s.SetColor(c)
}

// Get returns the session info of streamID.
func (m *Manager) Get(streamID string) (Info, bool) {
	s, ok := m.session(streamID)
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// Session returns the running session of streamID.
func (m *Manager) Session(streamID string) (*Session, bool) {
	return m.session(streamID)
}

// List returns every running session ordered by stream ID.
func (m *Manager) List() []Info {
	m.mu.Lock()
	ids := slices.Sorted(maps.Keys(m.sessions))
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Autostart starts a session for every spec with Autostart set. Streams run
// as separate processes are skipped.
func (m *Manager) Autostart(ctx context.Context, specs []streams.StreamSpec) {
	for _, spec := range specs {
		if !spec.Autostart || spec.InProcess() {
			continue
		}
		if _, err := m.Start(ctx, spec.ID); err != nil {
			m.logger.Warn("Failed to autostart session", "stream_id", spec.ID, "error", err)
		}
	}
}

// Watch stops sessions whose stream is deleted and returns an unsubscribe
// function.
func (m *Manager) Watch(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.StreamDeletedEvent) {
		if err := m.Stop(e.StreamID, "stream_deleted"); err != nil &&
			streams.ErrorCode(err) != streams.ErrCodeSessionNotFound {
			m.logger.Warn("Failed to stop session of deleted stream", "stream_id", e.StreamID, "error", err)
		}
	})
}

// Shutdown stops every session and releases the providers. Start fails
// afterwards.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	factories := m.factories
	m.factories = make(map[string]*sideband.Factory)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, m.finish(s, "shutdown"))
	}
	for _, f := range factories {
		errs = append(errs, f.Destroy())
	}
	return errors.Join(errs...)
}

func (m *Manager) session(streamID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[streamID]
	return s, ok
}

func (m *Manager) providerFor(spec streams.StreamSpec) string {
	if spec.Provider != "" {
		return spec.Provider
	}
	return m.opts.DefaultProvider
}

// factoryLocked returns the initialized factory for name, binding it on
// first use.
func (m *Manager) factoryLocked(name string) (*sideband.Factory, error) {
	if f, ok := m.factories[name]; ok {
		return f, nil
	}
	cfg := sideband.FactoryConfig{
		Provider: name,
		Options:  m.opts.ProviderOptions[name],
		Logger:   m.logger,
	}
	if name == m.opts.DefaultProvider {
		cfg.PluginPath = m.opts.PluginPath
	}
	f := sideband.NewFactory(cfg)
	if err := f.Init(); err != nil {
		return nil, err
	}
	m.factories[name] = f
	return f, nil
}

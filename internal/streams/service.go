package streams

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/sideband/internal/events"
)

// EventPublisher publishes events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store    Store
	EventBus EventPublisher
	Logger   *slog.Logger
}

// Service manages stream definitions on top of a Store and announces
// changes on the event bus.
type Service struct {
	store  Store
	bus    EventPublisher
	logger *slog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// NewService creates a stream service.
func NewService(opts *ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  opts.Store,
		bus:    opts.EventBus,
		logger: logger.With("component", "streams"),
		now:    time.Now,
	}
}

// CreateStream validates and stores a new stream definition.
func (s *Service) CreateStream(_ context.Context, spec StreamSpec) (StreamSpec, error) {
	if err := Validate(spec); err != nil {
		return StreamSpec{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.store.GetStream(spec.ID); exists {
		return StreamSpec{}, NewStreamError(ErrCodeStreamExists, fmt.Sprintf("stream %s already exists", spec.ID), nil)
	}

	now := s.now().UTC()
	spec.CreatedAt = now
	spec.UpdatedAt = now
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if err := s.store.AddStream(spec); err != nil {
		return StreamSpec{}, NewStreamError(ErrCodeConfigError, "failed to save stream", err)
	}

	s.logger.Info("Stream created", "stream_id", spec.ID, "width", spec.Width, "height", spec.Height,
		"color_format", spec.ColorFormat)
	s.publish(events.StreamCreatedEvent{StreamID: spec.ID, Action: "created", Timestamp: now.Format(time.RFC3339)})
	return spec, nil
}

// UpdateStream replaces the definition of an existing stream. CreatedAt is
// preserved. Running sessions keep their buffers until restarted.
func (s *Service) UpdateStream(_ context.Context, id string, spec StreamSpec) (StreamSpec, error) {
	spec.ID = id
	if err := Validate(spec); err != nil {
		return StreamSpec{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.store.GetStream(id)
	if !exists {
		return StreamSpec{}, NewStreamError(ErrCodeStreamNotFound, fmt.Sprintf("stream %s not found", id), nil)
	}

	now := s.now().UTC()
	spec.CreatedAt = existing.CreatedAt
	spec.UpdatedAt = now
	if spec.Name == "" {
		spec.Name = existing.Name
	}
	if err := s.store.UpdateStream(id, spec); err != nil {
		return StreamSpec{}, NewStreamError(ErrCodeConfigError, "failed to save stream", err)
	}

	s.logger.Info("Stream updated", "stream_id", id)
	s.publish(events.StreamUpdatedEvent{StreamID: id, Action: "updated", Timestamp: now.Format(time.RFC3339)})
	return spec, nil
}

// DeleteStream removes a stream definition.
func (s *Service) DeleteStream(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.store.GetStream(id); !exists {
		return NewStreamError(ErrCodeStreamNotFound, fmt.Sprintf("stream %s not found", id), nil)
	}
	if err := s.store.RemoveStream(id); err != nil {
		return NewStreamError(ErrCodeConfigError, "failed to save streams", err)
	}

	s.logger.Info("Stream deleted", "stream_id", id)
	s.publish(events.StreamDeletedEvent{StreamID: id, Action: "deleted", Timestamp: s.now().UTC().Format(time.RFC3339)})
	return nil
}

// GetStream returns one stream definition.
func (s *Service) GetStream(_ context.Context, id string) (StreamSpec, error) {
	spec, exists := s.store.GetStream(id)
	if !exists {
		return StreamSpec{}, NewStreamError(ErrCodeStreamNotFound, fmt.Sprintf("stream %s not found", id), nil)
	}
	return spec, nil
}

// ListStreams returns every stream ordered by ID.
func (s *Service) ListStreams(_ context.Context) []StreamSpec {
	all := s.store.GetAllStreams()
	ids := slices.Sorted(maps.Keys(all))
	out := make([]StreamSpec, 0, len(ids))
	for _, id := range ids {
		out = append(out, all[id])
	}
	return out
}

// Reload re-reads the store after an external edit and announces the
// created, updated and deleted streams.
func (s *Service) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.store.GetAllStreams()
	if err := s.store.Load(); err != nil {
		return NewStreamError(ErrCodeConfigError, "failed to reload streams", err)
	}
	after := s.store.GetAllStreams()
	ts := s.now().UTC().Format(time.RFC3339)

	for _, id := range slices.Sorted(maps.Keys(after)) {
		old, existed := before[id]
		switch {
		case !existed:
			s.publish(events.StreamCreatedEvent{StreamID: id, Action: "created", Timestamp: ts})
		case changed(old, after[id]):
			s.publish(events.StreamUpdatedEvent{StreamID: id, Action: "updated", Timestamp: ts})
		}
	}
	for _, id := range slices.Sorted(maps.Keys(before)) {
		if _, still := after[id]; !still {
			s.publish(events.StreamDeletedEvent{StreamID: id, Action: "deleted", Timestamp: ts})
		}
	}
	s.logger.Info("Streams reloaded", "count", len(after))
	return nil
}

// changed compares everything except the timestamps.
func changed(a, b StreamSpec) bool {
	a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	b.CreatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return !reflect.DeepEqual(a, b)
}

func (s *Service) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

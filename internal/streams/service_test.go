package streams

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/sideband/internal/events"
)

type memStore struct {
	mu      sync.Mutex
	streams map[string]StreamSpec
	onDisk  map[string]StreamSpec
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{streams: map[string]StreamSpec{}, onDisk: map[string]StreamSpec{}}
}

func (m *memStore) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = maps.Clone(m.onDisk)
	return nil
}

func (m *memStore) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *memStore) saveLocked() error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.onDisk = maps.Clone(m.streams)
	return nil
}

func (m *memStore) AddStream(s StreamSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[s.ID] = s
	return m.saveLocked()
}

func (m *memStore) UpdateStream(id string, s StreamSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[id] = s
	return m.saveLocked()
}

func (m *memStore) RemoveStream(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
	return m.saveLocked()
}

func (m *memStore) GetStream(id string) (StreamSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

func (m *memStore) GetAllStreams() map[string]StreamSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.streams)
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) take() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

func newTestService() (*Service, *memStore, *recordingBus) {
	store := newMemStore()
	bus := &recordingBus{}
	svc := NewService(&ServiceOptions{Store: store, EventBus: bus})
	svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return svc, store, bus
}

func validSpec(id string) StreamSpec {
	return StreamSpec{ID: id, Width: 1280, Height: 720, ColorFormat: "nv12"}
}

func TestCreateStream(t *testing.T) {
	svc, store, bus := newTestService()

	created, err := svc.CreateStream(context.Background(), validSpec("cam0"))
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if created.Name != "cam0" {
		t.Errorf("Name = %q, want id fallback", created.Name)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Errorf("timestamps = %v / %v", created.CreatedAt, created.UpdatedAt)
	}
	if _, ok := store.onDisk["cam0"]; !ok {
		t.Error("stream not saved")
	}

	evs := bus.take()
	if len(evs) != 1 {
		t.Fatalf("published %d events", len(evs))
	}
	if ev, ok := evs[0].(events.StreamCreatedEvent); !ok || ev.StreamID != "cam0" {
		t.Errorf("event = %#v", evs[0])
	}

	_, err = svc.CreateStream(context.Background(), validSpec("cam0"))
	if ErrorCode(err) != ErrCodeStreamExists {
		t.Errorf("duplicate create err = %v", err)
	}
}

func TestCreateStreamInvalid(t *testing.T) {
	svc, _, bus := newTestService()

	bad := validSpec("cam0")
	bad.BufferCount = 9
	_, err := svc.CreateStream(context.Background(), bad)
	if ErrorCode(err) != ErrCodeInvalidParams {
		t.Errorf("err = %v, want INVALID_PARAMS", err)
	}
	if len(bus.take()) != 0 {
		t.Error("event published for invalid stream")
	}
}

func TestCreateStreamSaveFailure(t *testing.T) {
	svc, store, _ := newTestService()
	store.saveErr = errors.New("disk full")

	_, err := svc.CreateStream(context.Background(), validSpec("cam0"))
	if ErrorCode(err) != ErrCodeConfigError {
		t.Errorf("err = %v, want CONFIG_ERROR", err)
	}
	if !errors.Is(err, store.saveErr) {
		t.Error("cause not wrapped")
	}
}

func TestUpdateStream(t *testing.T) {
	svc, _, bus := newTestService()
	ctx := context.Background()

	orig := validSpec("cam0")
	orig.Name = "Front"
	created, err := svc.CreateStream(ctx, orig)
	if err != nil {
		t.Fatal(err)
	}
	bus.take()

	svc.now = func() time.Time { return created.CreatedAt.Add(time.Minute) }
	change := validSpec("other")
	change.Width = 640
	updated, err := svc.UpdateStream(ctx, "cam0", change)
	if err != nil {
		t.Fatalf("UpdateStream: %v", err)
	}
	if updated.ID != "cam0" || updated.Width != 640 || updated.Name != "Front" {
		t.Errorf("updated = %+v", updated)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) || !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("timestamps = %v / %v", updated.CreatedAt, updated.UpdatedAt)
	}
	if evs := bus.take(); len(evs) != 1 {
		t.Errorf("published %d events", len(evs))
	}

	_, err = svc.UpdateStream(ctx, "missing", validSpec("missing"))
	if ErrorCode(err) != ErrCodeStreamNotFound {
		t.Errorf("err = %v, want STREAM_NOT_FOUND", err)
	}
}

func TestDeleteStream(t *testing.T) {
	svc, _, bus := newTestService()
	ctx := context.Background()
	if _, err := svc.CreateStream(ctx, validSpec("cam0")); err != nil {
		t.Fatal(err)
	}
	bus.take()

	if err := svc.DeleteStream(ctx, "cam0"); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	evs := bus.take()
	if len(evs) != 1 {
		t.Fatalf("published %d events", len(evs))
	}
	if _, ok := evs[0].(events.StreamDeletedEvent); !ok {
		t.Errorf("event = %#v", evs[0])
	}

	if _, err := svc.GetStream(ctx, "cam0"); ErrorCode(err) != ErrCodeStreamNotFound {
		t.Errorf("GetStream after delete err = %v", err)
	}
	if err := svc.DeleteStream(ctx, "cam0"); ErrorCode(err) != ErrCodeStreamNotFound {
		t.Errorf("second delete err = %v", err)
	}
}

func TestListStreamsSorted(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := svc.CreateStream(ctx, validSpec(id)); err != nil {
			t.Fatal(err)
		}
	}

	list := svc.ListStreams(ctx)
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	if len(ids) != 3 || ids[0] != "alpha" || ids[1] != "mid" || ids[2] != "zeta" {
		t.Errorf("ids = %v", ids)
	}
}

func TestReloadPublishesDifferences(t *testing.T) {
	svc, store, bus := newTestService()
	ctx := context.Background()
	for _, id := range []string{"keep", "change", "drop"} {
		if _, err := svc.CreateStream(ctx, validSpec(id)); err != nil {
			t.Fatal(err)
		}
	}
	bus.take()

	// Simulate an editor rewriting streams.toml.
	store.mu.Lock()
	changed := store.onDisk["change"]
	changed.Height = 480
	store.onDisk["change"] = changed
	delete(store.onDisk, "drop")
	store.onDisk["fresh"] = validSpec("fresh")
	store.mu.Unlock()

	if err := svc.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got := map[string]string{}
	for _, ev := range bus.take() {
		switch e := ev.(type) {
		case events.StreamCreatedEvent:
			got[e.StreamID] = e.Action
		case events.StreamUpdatedEvent:
			got[e.StreamID] = e.Action
		case events.StreamDeletedEvent:
			got[e.StreamID] = e.Action
		}
	}
	want := map[string]string{"fresh": "created", "change": "updated", "drop": "deleted"}
	if !maps.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

//go:build linux

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/sideband/internal/events"
	"github.com/smazurov/sideband/internal/streams"
	"github.com/smazurov/sideband/pkg/sideband"
	"github.com/smazurov/sideband/pkg/sideband/memfd"
	"github.com/smazurov/sideband/pkg/sideband/uds"
)

type specSource map[string]streams.StreamSpec

func (s specSource) GetStream(_ context.Context, id string) (streams.StreamSpec, error) {
	spec, ok := s[id]
	if !ok {
		return streams.StreamSpec{}, streams.NewStreamError(streams.ErrCodeStreamNotFound, id, nil)
	}
	return spec, nil
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

func (b *recordingBus) count(match func(events.Event) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, specs ...streams.StreamSpec) (*Manager, *recordingBus) {
	t.Helper()
	src := specSource{}
	for _, s := range specs {
		src[s.ID] = s
	}
	bus := &recordingBus{}
	m := NewManager(Options{
		Streams:         src,
		DefaultProvider: memfd.ProviderName,
		EventBus:        bus,
		Logger:          discardLogger(),
	})
	t.Cleanup(func() { _ = m.Shutdown() })
	return m, bus
}

func testSpec(id, socket string) streams.StreamSpec {
	return streams.StreamSpec{
		ID:          id,
		Width:       64,
		Height:      32,
		ColorFormat: "nv12",
		BufferCount: 3,
		QueueDepth:  2,
		FrameRate:   200,
		Socket:      socket,
	}
}

// consumerFor attaches an in-process consumer through the manager's factory.
func consumerFor(t *testing.T, m *Manager, h *sideband.NativeHandle) sideband.Handle {
	t.Helper()
	m.mu.Lock()
	f := m.factories[memfd.ProviderName]
	m.mu.Unlock()
	c, err := f.CreateConsumer(h)
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}
	return c
}

func TestSessionServesAndCyclesBuffers(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "cam0.sock")
	m, bus := newTestManager(t, testSpec("cam0", socket))

	info, err := m.Start(context.Background(), "cam0")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.Socket != socket || info.Provider != memfd.ProviderName || info.BufferCount != 3 {
		t.Errorf("info = %+v", info)
	}
	if info.ID == "" {
		t.Error("session id is empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := uds.Fetch(ctx, socket)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer uds.CloseFds(h)
	if err := sideband.Validate(h); err != nil {
		t.Fatalf("served handle invalid: %v", err)
	}
	if sideband.HandleID(h) != info.HandleID {
		t.Errorf("served handle id %d, want %d", sideband.HandleID(h), info.HandleID)
	}

	consumer := consumerFor(t, m, h)
	defer consumer.Close()

	fd, err := consumer.BufferFd(0)
	if err != nil {
		t.Fatal(err)
	}
	mem, err := memfd.Map(fd, consumer.BufferSize())
	if err != nil {
		t.Fatal(err)
	}
	defer memfd.Unmap(mem)

	for range 6 {
		idx, err := consumer.AcquireBuffer(time.Second)
		if err != nil {
			t.Fatalf("AcquireBuffer: %v", err)
		}
		if err := consumer.ReleaseBuffer(idx); err != nil {
			t.Fatalf("ReleaseBuffer: %v", err)
		}
	}

	got, ok := m.Get("cam0")
	if !ok || got.Frames < 6 || got.Served != 1 {
		t.Errorf("info = %+v", got)
	}
	if bus.count(func(ev events.Event) bool { _, ok := ev.(events.BufferQueuedEvent); return ok }) < 6 {
		t.Error("expected BufferQueuedEvent per queued buffer")
	}
	if bus.count(func(ev events.Event) bool { _, ok := ev.(events.SessionStartedEvent); return ok }) != 1 {
		t.Error("expected one SessionStartedEvent")
	}
}

func TestSessionPaintsBuffers(t *testing.T) {
	m, _ := newTestManager(t, testSpec("cam0", ""))
	info, err := m.Start(context.Background(), "cam0")
	if err != nil {
		t.Fatal(err)
	}
	s, _ := m.Session("cam0")
	consumer := consumerFor(t, m, s.Handle().NativeHandle())
	defer consumer.Close()

	idx, err := consumer.AcquireBuffer(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	fd, _ := consumer.BufferFd(idx)
	mem, err := memfd.Map(fd, info.BufferSize)
	if err != nil {
		t.Fatal(err)
	}
	defer memfd.Unmap(mem)

	nonZero := false
	for _, b := range mem {
		if b != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Error("buffer was not painted")
	}
}

func TestSessionSetColor(t *testing.T) {
	spec := testSpec("cam0", "")
	spec.Color = &sideband.ColorData{Brightness: 0.5}
	m, bus := newTestManager(t, spec)
	if _, err := m.Start(context.Background(), "cam0"); err != nil {
		t.Fatal(err)
	}
	s, _ := m.Session("cam0")
	consumer := consumerFor(t, m, s.Handle().NativeHandle())
	defer consumer.Close()

	initial, err := consumer.GetColorData()
	if err != nil || initial.Brightness != 0.5 {
		t.Errorf("initial color = %+v, %v", initial, err)
	}

	c := sideband.ColorData{Flags: 1, Hue: 0.2, Contrast: 1.1}
	applied, err := m.SetColor("cam0", c)
	if err != nil || !applied {
		t.Fatalf("SetColor = %v, %v", applied, err)
	}
	applied, err = m.SetColor("cam0", c)
	if err != nil || applied {
		t.Errorf("repeated SetColor = %v, %v; want not applied", applied, err)
	}
	got, err := consumer.GetColorData()
	if err != nil || got != c {
		t.Errorf("GetColorData = %+v, %v", got, err)
	}

	unapplied := bus.count(func(ev events.Event) bool {
		e, ok := ev.(events.ColorDataChangedEvent)
		return ok && !e.Applied
	})
	if unapplied != 1 {
		t.Errorf("unapplied color events = %d, want 1", unapplied)
	}

	if _, err := m.SetColor("missing", c); streams.ErrorCode(err) != streams.ErrCodeSessionNotFound {
		t.Errorf("SetColor on missing session err = %v", err)
	}
}

func TestSessionQueueFullWithoutConsumer(t *testing.T) {
	m, bus := newTestManager(t, testSpec("cam0", ""))
	if _, err := m.Start(context.Background(), "cam0"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		full := bus.count(func(ev events.Event) bool {
			e, ok := ev.(events.QueueStateEvent)
			return ok && e.State == events.QueueFull
		})
		if full > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	info, _ := m.Get("cam0")
	if info.Frames != 2 {
		t.Errorf("Frames = %d, want queue depth 2", info.Frames)
	}
	full := bus.count(func(ev events.Event) bool {
		e, ok := ev.(events.QueueStateEvent)
		return ok && e.State == events.QueueFull
	})
	if full != 1 {
		t.Errorf("full state events = %d, want exactly one transition", full)
	}
}

func TestStartTwiceAndStop(t *testing.T) {
	m, bus := newTestManager(t, testSpec("cam0", ""))
	ctx := context.Background()

	if _, err := m.Start(ctx, "cam0"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, "cam0"); streams.ErrorCode(err) != streams.ErrCodeSessionActive {
		t.Errorf("second Start err = %v", err)
	}
	if n := len(m.List()); n != 1 {
		t.Errorf("List() has %d sessions", n)
	}

	if err := m.Stop("cam0", "test"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop("cam0", "test"); streams.ErrorCode(err) != streams.ErrCodeSessionNotFound {
		t.Errorf("second Stop err = %v", err)
	}
	stopped := bus.count(func(ev events.Event) bool {
		e, ok := ev.(events.SessionStoppedEvent)
		return ok && e.Reason == "test"
	})
	if stopped != 1 {
		t.Errorf("stopped events = %d", stopped)
	}

	if _, err := m.Start(ctx, "cam0"); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
}

func TestStopWakesConsumer(t *testing.T) {
	m, _ := newTestManager(t, testSpec("cam0", ""))
	if _, err := m.Start(context.Background(), "cam0"); err != nil {
		t.Fatal(err)
	}
	s, _ := m.Session("cam0")
	consumer := consumerFor(t, m, s.Handle().NativeHandle())
	defer consumer.Close()

	// Drain whatever is queued so the next acquire blocks.
	for {
		if _, err := consumer.AcquireBuffer(0); err != nil {
			break
		}
	}
	done := make(chan error, 1)
	go func() {
		_, err := consumer.AcquireBuffer(5 * time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.Stop("cam0", "test"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, sideband.ErrBufQueueNoMoreData) {
			t.Errorf("AcquireBuffer err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer not woken by stop")
	}
}

func TestStartErrors(t *testing.T) {
	bad := testSpec("bad", "")
	bad.ColorFormat = "bgr"
	noProvider := testSpec("np", "")
	noProvider.Provider = "does-not-exist"
	m, _ := newTestManager(t, bad, noProvider)
	ctx := context.Background()

	tests := []struct {
		id   string
		code string
	}{
		{"missing", streams.ErrCodeStreamNotFound},
		{"bad", streams.ErrCodeInvalidParams},
		{"np", streams.ErrCodeProviderError},
	}
	for _, tt := range tests {
		if _, err := m.Start(ctx, tt.id); streams.ErrorCode(err) != tt.code {
			t.Errorf("Start(%s) err = %v, want %s", tt.id, err, tt.code)
		}
	}
	if len(m.List()) != 0 {
		t.Error("failed starts left sessions behind")
	}
}

func TestAutostartAndShutdown(t *testing.T) {
	a := testSpec("a", "")
	a.Autostart = true
	b := testSpec("b", "")
	c := testSpec("c", "")
	c.Autostart = true
	c.Runner = streams.RunnerProcess
	m, _ := newTestManager(t, a, b, c)

	m.Autostart(context.Background(), []streams.StreamSpec{a, b, c})
	list := m.List()
	if len(list) != 1 || list[0].StreamID != "a" {
		t.Fatalf("List() = %+v", list)
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(m.List()) != 0 {
		t.Error("sessions survived Shutdown")
	}
	if _, err := m.Start(context.Background(), "b"); err == nil {
		t.Error("Start after Shutdown should fail")
	}
}

func TestWatchStopsDeletedStream(t *testing.T) {
	m, _ := newTestManager(t, testSpec("cam0", ""))
	if _, err := m.Start(context.Background(), "cam0"); err != nil {
		t.Fatal(err)
	}

	bus := events.New()
	unsub := m.Watch(bus)
	defer unsub()
	bus.Publish(events.StreamDeletedEvent{StreamID: "cam0", Action: "deleted"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get("cam0"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("session still running after stream deletion")
}

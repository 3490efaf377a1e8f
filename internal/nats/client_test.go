package nats

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/smazurov/sideband/internal/events"
	"github.com/smazurov/sideband/pkg/sideband"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(ServerOptions{Port: server.RANDOM_PORT, Name: "test", Logger: testLogger()})
	if err := s.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

type recordingBus struct {
	mu  sync.Mutex
	evs []events.Event
	got chan struct{}
}

func newRecordingBus() *recordingBus {
	return &recordingBus{got: make(chan struct{}, 64)}
}

func (b *recordingBus) Publish(ev events.Event) {
	b.mu.Lock()
	b.evs = append(b.evs, ev)
	b.mu.Unlock()
	b.got <- struct{}{}
}

func (b *recordingBus) wait(t *testing.T, n int) []events.Event {
	t.Helper()
	for range n {
		select {
		case <-b.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.evs...)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(ServerOptions{Port: server.RANDOM_PORT, Logger: testLogger()})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if !s.IsRunning() {
		t.Error("server not running after Start")
	}
	if s.ClientURL() == "" {
		t.Error("empty client URL")
	}
	s.Stop()
	if s.IsRunning() {
		t.Error("server running after Stop")
	}
	s.Stop()
}

func TestServerDefaults(t *testing.T) {
	s := NewServer(ServerOptions{})
	if s.opts.Port != DefaultPort || s.opts.Host != DefaultHost || s.opts.Name != DefaultName {
		t.Errorf("opts = %+v", s.opts)
	}
	if got := s.ClientURL(); got != "nats://127.0.0.1:4222" {
		t.Errorf("ClientURL() before start = %q", got)
	}
	if s.NumClients() != 0 {
		t.Error("NumClients before start should be 0")
	}
}

func TestStreamClientOffline(t *testing.T) {
	c := NewStreamClient("nats://127.0.0.1:1", "cam0", testLogger())
	if err := c.Connect(); err == nil {
		t.Fatal("Connect should fail without a broker")
	}
	c.PublishStats(StatsMessage{StreamID: "cam0"})
	c.PublishLog(LogMessage{StreamID: "cam0", Message: "x"})
	c.PublishState(StateMessage{StreamID: "cam0", State: StateStarted})
	if err := c.Flush(time.Second); err != nil {
		t.Errorf("Flush offline: %v", err)
	}
	if c.IsConnected() {
		t.Error("offline client reports connected")
	}
	c.Close()
}

func TestBridgeForwardsProduceTraffic(t *testing.T) {
	s := startServer(t)
	bus := newRecordingBus()
	bridge := NewBridge(s.ClientURL(), bus, testLogger())
	if err := bridge.Start(); err != nil {
		t.Fatal(err)
	}
	defer bridge.Stop()
	if !bridge.IsConnected() {
		t.Fatal("bridge not connected")
	}

	c := NewStreamClient(s.ClientURL(), "cam0", testLogger())
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.PublishState(StateMessage{StreamID: "cam0", SessionID: "s1", HandleID: 3, State: StateStarted, Provider: "nats"})
	c.PublishStats(StatsMessage{StreamID: "cam0", HandleID: 3, Queued: 10, Released: 8, Attached: true})
	c.PublishLog(LogMessage{StreamID: "cam0", Level: "warn", Message: "queue full", Details: map[string]any{"index": 2}})
	c.PublishState(StateMessage{StreamID: "cam0", HandleID: 3, State: StateFull})
	c.PublishState(StateMessage{StreamID: "cam0", SessionID: "s1", State: StateStopped, Reason: "signal", Frames: 10})
	if err := c.Flush(time.Second); err != nil {
		t.Fatal(err)
	}

	evs := bus.wait(t, 5)
	var started, stopped, stats, logs, full int
	for _, ev := range evs {
		switch e := ev.(type) {
		case events.SessionStartedEvent:
			started++
			if e.SessionID != "s1" || e.HandleID != 3 || e.Provider != "nats" {
				t.Errorf("started = %+v", e)
			}
		case events.SessionStatsEvent:
			stats++
			if e.Source != SourceProduce || e.Queued != 10 || e.Released != 8 || !e.Attached {
				t.Errorf("stats = %+v", e)
			}
		case events.LogEntryEvent:
			logs++
			if e.Module != SourceProduce || e.Level != "warn" || e.Attributes["stream_id"] != "cam0" || e.Seq == 0 {
				t.Errorf("log = %+v", e)
			}
		case events.QueueStateEvent:
			full++
			if e.State != events.QueueFull {
				t.Errorf("queue state = %+v", e)
			}
		case events.SessionStoppedEvent:
			stopped++
			if e.Reason != "signal" || e.Frames != 10 {
				t.Errorf("stopped = %+v", e)
			}
		}
	}
	if started != 1 || stopped != 1 || stats != 1 || logs != 1 || full != 1 {
		t.Errorf("started=%d stopped=%d stats=%d logs=%d full=%d", started, stopped, stats, logs, full)
	}
}

func TestBridgeStreamIDFromSubject(t *testing.T) {
	s := startServer(t)
	bus := newRecordingBus()
	bridge := NewBridge(s.ClientURL(), bus, testLogger())
	if err := bridge.Start(); err != nil {
		t.Fatal(err)
	}
	defer bridge.Stop()

	c := NewStreamClient(s.ClientURL(), "cam-7", testLogger())
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.PublishStats(StatsMessage{Queued: 1})
	_ = c.Flush(time.Second)

	evs := bus.wait(t, 1)
	e, ok := evs[0].(events.SessionStatsEvent)
	if !ok || e.StreamID != "cam-7" {
		t.Errorf("event = %+v", evs[0])
	}
}

func TestControlPublisherColorAndStop(t *testing.T) {
	s := startServer(t)

	c := NewStreamClient(s.ClientURL(), "cam0", testLogger())
	colors := make(chan sideband.ColorData, 1)
	stops := make(chan string, 1)
	c.OnColor(func(cd sideband.ColorData) { colors <- cd })
	c.OnStop(func(reason string) { stops <- reason })
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Flush(time.Second); err != nil {
		t.Fatal(err)
	}

	ctrl, err := NewControlPublisher(s.ClientURL(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	want := sideband.ColorData{Flags: 1, Hue: 0.25, Brightness: 0.5}
	if err := ctrl.SetColor("cam0", want); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-colors:
		if got != want {
			t.Errorf("color = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("color command not received")
	}

	// Commands for other streams are not delivered.
	if err := ctrl.Stop("cam1", "other"); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Stop("cam0", "api"); err != nil {
		t.Fatal(err)
	}
	select {
	case reason := <-stops:
		if reason != "api" {
			t.Errorf("stop reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop command not received")
	}
}

func TestSubjects(t *testing.T) {
	tests := []struct {
		fn   func(string) string
		want string
	}{
		{SubjectStreamStats, "sideband.streams.cam0.stats"},
		{SubjectStreamLogs, "sideband.streams.cam0.logs"},
		{SubjectStreamState, "sideband.streams.cam0.state"},
		{SubjectControlColor, "sideband.control.cam0.color"},
		{SubjectControlStop, "sideband.control.cam0.stop"},
	}
	for _, tt := range tests {
		got := tt.fn("cam0")
		if got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
		if id := streamIDFromSubject(got); id != "cam0" {
			t.Errorf("streamIDFromSubject(%q) = %q", got, id)
		}
	}
	for _, s := range []string{"sideband.queue.1.2.queued", "sideband.streams", "other.streams.cam0.stats"} {
		if id := streamIDFromSubject(s); id != "" {
			t.Errorf("streamIDFromSubject(%q) = %q, want empty", s, id)
		}
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal[ControlMessage]([]byte("{")); err == nil {
		t.Error("expected decode error")
	}
	data, err := Marshal(ControlMessage{Action: ActionColor, StreamID: "cam0", Color: &sideband.ColorData{Hue: 1}})
	if err != nil {
		t.Fatal(err)
	}
	m, err := Unmarshal[ControlMessage](data)
	if err != nil || m.Color == nil || m.Color.Hue != 1 {
		t.Errorf("decoded %+v, %v", m, err)
	}
}

func TestServerLoggerLevels(t *testing.T) {
	var buf strings.Builder
	l := serverLogger{slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	l.Noticef("listening on %d", 4222)
	l.Warnf("slow consumer %s", "cid:3")
	l.Errorf("auth failed")
	l.Fatalf("cannot bind")

	out := buf.String()
	for _, want := range []string{
		"level=DEBUG msg=\"listening on 4222\"",
		"level=WARN msg=\"slow consumer cid:3\"",
		"level=ERROR msg=\"auth failed\"",
		"level=ERROR msg=\"cannot bind\" fatal=true",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

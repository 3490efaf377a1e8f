package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBufferCounters(t *testing.T) {
	streamID := "counters-stream"
	DeleteStreamMetrics(streamID)
	defer DeleteStreamMetrics(streamID)

	BufferQueued(streamID)
	BufferQueued(streamID)
	BufferQueued(streamID)
	BufferReleased(streamID)
	QueueFull(streamID)
	QueueEmpty(streamID)
	QueueEmpty(streamID)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"queued", testutil.ToFloat64(buffersQueued.WithLabelValues(streamID)), 3},
		{"released", testutil.ToFloat64(buffersReleased.WithLabelValues(streamID)), 1},
		{"full", testutil.ToFloat64(queueFull.WithLabelValues(streamID)), 1},
		{"empty", testutil.ToFloat64(queueEmpty.WithLabelValues(streamID)), 2},
		{"held", testutil.ToFloat64(consumerHeld.WithLabelValues(streamID)), 2},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	s := GetStreamStats(streamID)
	if s == nil {
		t.Fatal("expected cached stats")
	}
	if s.Queued != 3 || s.Released != 1 || s.Full != 1 || s.Empty != 2 || s.Held != 2 {
		t.Errorf("stats = %+v", s)
	}

	s.Queued = 999
	if again := GetStreamStats(streamID); again.Queued != 3 {
		t.Errorf("cache was modified, Queued = %d", again.Queued)
	}
}

func TestHeldNeverNegative(t *testing.T) {
	streamID := "held-stream"
	DeleteStreamMetrics(streamID)
	defer DeleteStreamMetrics(streamID)

	BufferReleased(streamID)
	if s := GetStreamStats(streamID); s.Held != 0 {
		t.Errorf("Held = %d, want 0", s.Held)
	}
}

func TestColorUpdate(t *testing.T) {
	streamID := "color-stream"
	DeleteStreamMetrics(streamID)
	defer DeleteStreamMetrics(streamID)

	ColorUpdate(streamID, true)
	ColorUpdate(streamID, false)
	ColorUpdate(streamID, false)

	if got := testutil.ToFloat64(colorUpdates.WithLabelValues(streamID, ColorApplied)); got != 1 {
		t.Errorf("applied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(colorUpdates.WithLabelValues(streamID, ColorUnchanged)); got != 2 {
		t.Errorf("unchanged = %v, want 2", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	streamID := "session-stream"
	before := testutil.ToFloat64(sessionsActive)

	SessionStarted(streamID, 9)
	BufferQueued(streamID)
	if got := testutil.ToFloat64(sessionsActive); got != before+1 {
		t.Errorf("active = %v, want %v", got, before+1)
	}
	if s := GetStreamStats(streamID); s == nil || s.HandleID != 9 {
		t.Errorf("stats = %+v", s)
	}

	SessionStopped(streamID)
	if got := testutil.ToFloat64(sessionsActive); got != before {
		t.Errorf("active = %v, want %v", got, before)
	}
	if s := GetStreamStats(streamID); s != nil {
		t.Error("expected stats removed after stop")
	}
}

func TestGetAllStreamStats(t *testing.T) {
	DeleteStreamMetrics("stream-a")
	DeleteStreamMetrics("stream-b")
	defer DeleteStreamMetrics("stream-a")
	defer DeleteStreamMetrics("stream-b")

	BufferQueued("stream-a")
	QueueFull("stream-b")

	all := GetAllStreamStats()
	if all["stream-a"] == nil || all["stream-a"].Queued != 1 {
		t.Errorf("stream-a = %+v", all["stream-a"])
	}
	if all["stream-b"] == nil || all["stream-b"].Full != 1 {
		t.Errorf("stream-b = %+v", all["stream-b"])
	}
}

func TestConcurrentUpdates(t *testing.T) {
	streamID := "concurrent-stream"
	DeleteStreamMetrics(streamID)
	defer DeleteStreamMetrics(streamID)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				BufferQueued(streamID)
				BufferReleased(streamID)
			}
		}()
	}
	wg.Wait()

	s := GetStreamStats(streamID)
	if s.Queued != 1000 || s.Released != 1000 {
		t.Errorf("stats = %+v", s)
	}
}

// Package metrics provides Prometheus metrics for sideband producer sessions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sideband"

// Color update results.
const (
	ColorApplied   = "applied"
	ColorUnchanged = "unchanged"
)

var (
	buffersQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "buffers_queued_total",
		Help:      "Buffers queued to the consumer",
	}, []string{"stream_id"})

	buffersReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "buffers_released_total",
		Help:      "Buffers returned to the producer",
	}, []string{"stream_id"})

	queueFull = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "full_total",
		Help:      "Queue attempts rejected because the consumer queue was full",
	}, []string{"stream_id"})

	queueEmpty = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "empty_total",
		Help:      "Dequeue attempts that timed out on an empty queue",
	}, []string{"stream_id"})

	colorUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "color",
		Name:      "updates_total",
		Help:      "Color data updates by result",
	}, []string{"stream_id", "result"})

	consumerHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "consumer_held",
		Help:      "Buffers currently held by the consumer side",
	}, []string{"stream_id"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Producer sessions running in this process",
	})

	// Local cache for the SSE exporter and the API.
	statsCache   = make(map[string]*StreamStats)
	statsCacheMu sync.RWMutex
)

// StreamStats holds the current values for one stream.
type StreamStats struct {
	Queued   uint64
	Released uint64
	Full     uint64
	Empty    uint64
	Held     int
	HandleID int32
}

// BufferQueued records a queued buffer.
func BufferQueued(streamID string) {
	buffersQueued.WithLabelValues(streamID).Inc()
	updateCache(streamID, func(s *StreamStats) {
		s.Queued++
		s.Held++
	})
	syncHeld(streamID)
}

// BufferReleased records a buffer coming back from the consumer.
func BufferReleased(streamID string) {
	buffersReleased.WithLabelValues(streamID).Inc()
	updateCache(streamID, func(s *StreamStats) {
		s.Released++
		if s.Held > 0 {
			s.Held--
		}
	})
	syncHeld(streamID)
}

// QueueFull records a rejected queue attempt.
func QueueFull(streamID string) {
	queueFull.WithLabelValues(streamID).Inc()
	updateCache(streamID, func(s *StreamStats) { s.Full++ })
}

// QueueEmpty records a dequeue timeout.
func QueueEmpty(streamID string) {
	queueEmpty.WithLabelValues(streamID).Inc()
	updateCache(streamID, func(s *StreamStats) { s.Empty++ })
}

// ColorUpdate records a color data update; applied is false for no-op updates.
func ColorUpdate(streamID string, applied bool) {
	result := ColorUnchanged
	if applied {
		result = ColorApplied
	}
	colorUpdates.WithLabelValues(streamID, result).Inc()
}

// SessionStarted registers a running session for streamID.
func SessionStarted(streamID string, handleID int32) {
	sessionsActive.Inc()
	updateCache(streamID, func(s *StreamStats) { s.HandleID = handleID })
}

// SessionStopped removes the per-stream series of a finished session.
func SessionStopped(streamID string) {
	sessionsActive.Dec()
	DeleteStreamMetrics(streamID)
}

// DeleteStreamMetrics removes all metrics for a stream.
func DeleteStreamMetrics(streamID string) {
	buffersQueued.DeleteLabelValues(streamID)
	buffersReleased.DeleteLabelValues(streamID)
	queueFull.DeleteLabelValues(streamID)
	queueEmpty.DeleteLabelValues(streamID)
	colorUpdates.DeleteLabelValues(streamID, ColorApplied)
	colorUpdates.DeleteLabelValues(streamID, ColorUnchanged)
	consumerHeld.DeleteLabelValues(streamID)

	statsCacheMu.Lock()
	delete(statsCache, streamID)
	statsCacheMu.Unlock()
}

// GetStreamStats returns a copy of the current values for a stream.
func GetStreamStats(streamID string) *StreamStats {
	statsCacheMu.RLock()
	defer statsCacheMu.RUnlock()
	if s, ok := statsCache[streamID]; ok {
		dup := *s
		return &dup
	}
	return nil
}

// GetAllStreamStats returns copies of the values for every stream.
func GetAllStreamStats() map[string]*StreamStats {
	statsCacheMu.RLock()
	defer statsCacheMu.RUnlock()
	result := make(map[string]*StreamStats, len(statsCache))
	for id, s := range statsCache {
		dup := *s
		result[id] = &dup
	}
	return result
}

func syncHeld(streamID string) {
	statsCacheMu.RLock()
	held := 0
	if s, ok := statsCache[streamID]; ok {
		held = s.Held
	}
	statsCacheMu.RUnlock()
	consumerHeld.WithLabelValues(streamID).Set(float64(held))
}

func updateCache(streamID string, update func(*StreamStats)) {
	statsCacheMu.Lock()
	defer statsCacheMu.Unlock()
	s, ok := statsCache[streamID]
	if !ok {
		s = &StreamStats{}
		statsCache[streamID] = s
	}
	update(s)
}

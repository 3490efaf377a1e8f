package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/sideband/internal/events"
	"github.com/smazurov/sideband/internal/metrics"
)

// EventPublisher publishes events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter periodically publishes cached session stats as
// SessionStatsEvent for the SSE endpoint.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSSEExporter creates a new SSE exporter.
func NewSSEExporter(eventBus EventPublisher) *SSEExporter {
	return &SSEExporter{
		eventBus: eventBus,
		interval: 1 * time.Second,
	}
}

// SetInterval changes the publish interval. Call it before Start.
func (s *SSEExporter) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Start begins the export loop; it runs until ctx ends or Stop is called.
func (s *SSEExporter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the exporter and waits for the loop to finish.
func (s *SSEExporter) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *SSEExporter) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStats()
		}
	}
}

func (s *SSEExporter) publishStats() {
	now := time.Now().Format(time.RFC3339)
	for streamID, st := range metrics.GetAllStreamStats() {
		s.eventBus.Publish(events.SessionStatsEvent{
			StreamID:  streamID,
			HandleID:  st.HandleID,
			Queued:    st.Queued,
			Released:  st.Released,
			Full:      st.Full,
			Empty:     st.Empty,
			Source:    "daemon",
			Timestamp: now,
		})
	}
}

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/sideband/internal/events"
	"github.com/smazurov/sideband/internal/metrics"
	"github.com/smazurov/sideband/internal/streams"
	"github.com/smazurov/sideband/pkg/sideband"
)

// Info describes a running session.
type Info struct {
	ID          string    `json:"id" doc:"Session identifier"`
	StreamID    string    `json:"stream_id" doc:"Stream identifier"`
	HandleID    int32     `json:"handle_id" doc:"Sideband handle id"`
	Provider    string    `json:"provider" doc:"Provider that created the handle"`
	Socket      string    `json:"socket,omitempty" doc:"Unix socket serving the descriptor"`
	Width       int       `json:"width" doc:"Buffer width"`
	Height      int       `json:"height" doc:"Buffer height"`
	ColorFormat string    `json:"color_format" doc:"Buffer color format"`
	BufferCount int       `json:"buffer_count" doc:"Buffers allocated"`
	BufferSize  int       `json:"buffer_size" doc:"Bytes per buffer"`
	StartedAt   time.Time `json:"started_at" doc:"Session start time"`
	Frames      uint64    `json:"frames" doc:"Buffers queued so far"`
	Served      int       `json:"served" doc:"Descriptors handed to consumers"`
}

// Session drives one producer handle.
type Session struct {
	id        string
	spec      streams.StreamSpec
	provider  string
	handle    sideband.Handle
	transport Transport
	painter   Painter
	bus       EventPublisher
	logger    *slog.Logger
	startedAt time.Time

	frames atomic.Uint64
	// queueState is the last reported queue state, so events fire on change.
	queueState atomic.Value

	colorMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	info := Info{
		ID:          s.id,
		StreamID:    s.spec.ID,
		HandleID:    s.handle.HandleID(),
		Provider:    s.provider,
		Width:       s.handle.BufferWidth(),
		Height:      s.handle.BufferHeight(),
		ColorFormat: s.handle.ColorFormat().String(),
		BufferCount: s.handle.BufferCount(),
		BufferSize:  s.handle.BufferSize(),
		StartedAt:   s.startedAt,
		Frames:      s.frames.Load(),
	}
	if s.transport != nil {
		info.Socket = s.transport.Path()
		info.Served = s.transport.Served()
	}
	return info
}

// Handle returns the producer handle.
func (s *Session) Handle() sideband.Handle {
	return s.handle
}

// SetColor forwards color data to the consumer. applied is false when c
// equals the previous value.
func (s *Session) SetColor(c sideband.ColorData) (bool, error) {
	s.colorMu.Lock()
	defer s.colorMu.Unlock()

	err := s.handle.SetColorData(c)
	applied := err == nil
	if err != nil && !errors.Is(err, sideband.ErrSettingNoDataChange) {
		return false, err
	}
	metrics.ColorUpdate(s.spec.ID, applied)
	s.publish(events.ColorDataChangedEvent{
		StreamID:  s.spec.ID,
		HandleID:  s.handle.HandleID(),
		Color:     eventColor(c),
		Applied:   applied,
		Timestamp: now(),
	})
	if applied {
		s.logger.Debug("Color data applied", "hue", c.Hue, "saturation", c.Saturation,
			"contrast", c.Contrast, "brightness", c.Brightness)
	}
	return applied, nil
}

func (s *Session) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	if s.transport != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.transport.Serve(ctx, s.handle.NativeHandle); err != nil {
				s.logger.Error("Descriptor socket failed", "error", err)
			}
		}()
	}
}

// stop ends the loops and releases the handle.
func (s *Session) stop() error {
	s.cancel()
	var errs []error
	if s.transport != nil {
		errs = append(errs, s.transport.Close())
	}
	s.wg.Wait()
	errs = append(errs, s.painter.Close(), s.handle.Close())
	return errors.Join(errs...)
}

// run queues a buffer every frame interval and reclaims released ones.
func (s *Session) run(ctx context.Context) {
	interval := s.spec.FrameInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	free := make([]int, 0, s.handle.BufferCount())
	for i := range s.handle.BufferCount() {
		free = append(free, i)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var done bool
		free, done = s.reclaim(free, 0)
		if done {
			return
		}
		if len(free) == 0 {
			if free, done = s.reclaim(free, interval/2); done {
				return
			}
			if len(free) == 0 {
				continue
			}
		}

		idx := free[0]
		frame := s.frames.Load()
		if err := s.painter.Paint(idx, frame); err != nil {
			s.logger.Warn("Failed to paint buffer", "index", idx, "error", err)
		}
		err := s.handle.QueueBuffer(idx)
		switch {
		case err == nil:
			free = free[1:]
			s.frames.Add(1)
			metrics.BufferQueued(s.spec.ID)
			s.setQueueState("")
			s.publish(events.BufferQueuedEvent{
				StreamID: s.spec.ID, HandleID: s.handle.HandleID(), Index: idx, Timestamp: now(),
			})
		case errors.Is(err, sideband.ErrBufQueueFull):
			metrics.QueueFull(s.spec.ID)
			s.setQueueState(events.QueueFull)
		case errors.Is(err, sideband.ErrBufQueueNoMoreData):
			s.setQueueState(events.QueueEOS)
			return
		default:
			s.logger.Warn("Failed to queue buffer", "index", idx, "error", err)
		}
	}
}

// reclaim collects buffers returned by the consumer. The first dequeue waits
// up to timeout; done reports that the stream has ended.
func (s *Session) reclaim(free []int, timeout time.Duration) ([]int, bool) {
	for {
		idx, err := s.handle.DequeueBuffer(timeout)
		switch {
		case err == nil:
			free = append(free, idx)
			metrics.BufferReleased(s.spec.ID)
			s.publish(events.BufferReleasedEvent{
				StreamID: s.spec.ID, HandleID: s.handle.HandleID(), Index: idx, Timestamp: now(),
			})
			timeout = 0
		case errors.Is(err, sideband.ErrBufQueueEmpty):
			if timeout > 0 {
				metrics.QueueEmpty(s.spec.ID)
				s.setQueueState(events.QueueEmpty)
			}
			return free, false
		case errors.Is(err, sideband.ErrBufQueueNoMoreData):
			s.setQueueState(events.QueueEOS)
			return free, true
		default:
			s.logger.Warn("Failed to dequeue buffer", "error", err)
			return free, false
		}
	}
}

func (s *Session) setQueueState(state string) {
	prev, _ := s.queueState.Swap(state).(string)
	if state == "" || prev == state {
		return
	}
	s.logger.Debug("Queue state changed", "state", state)
	s.publish(events.QueueStateEvent{
		StreamID: s.spec.ID, HandleID: s.handle.HandleID(), State: state, Timestamp: now(),
	})
}

func (s *Session) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func eventColor(c sideband.ColorData) events.ColorData {
	return events.ColorData{
		Flags:      c.Flags,
		Hue:        c.Hue,
		Saturation: c.Saturation,
		ToneCb:     c.ToneCb,
		ToneCr:     c.ToneCr,
		Contrast:   c.Contrast,
		Brightness: c.Brightness,
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

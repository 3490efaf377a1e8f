package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/sideband/internal/events"
)

// sseEventTypes maps SSE event names to payloads on /api/events.
var sseEventTypes = map[string]any{
	"stream-created":     events.StreamCreatedEvent{},
	"stream-updated":     events.StreamUpdatedEvent{},
	"stream-deleted":     events.StreamDeletedEvent{},
	"session-started":    events.SessionStartedEvent{},
	"session-stopped":    events.SessionStoppedEvent{},
	"color-data-changed": events.ColorDataChangedEvent{},
	"queue-state":        events.QueueStateEvent{},
}

func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Event Stream",
		Description: "Stream, session, color and queue-state events. Per-buffer events are not sent.",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, sseEventTypes, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		ch := make(chan any, 32)
		unsubs := []func(){
			events.SubscribeToChannel[events.StreamCreatedEvent](s.opts.EventBus, ch),
			events.SubscribeToChannel[events.StreamUpdatedEvent](s.opts.EventBus, ch),
			events.SubscribeToChannel[events.StreamDeletedEvent](s.opts.EventBus, ch),
			events.SubscribeToChannel[events.SessionStartedEvent](s.opts.EventBus, ch),
			events.SubscribeToChannel[events.SessionStoppedEvent](s.opts.EventBus, ch),
			events.SubscribeToChannel[events.ColorDataChangedEvent](s.opts.EventBus, ch),
			events.SubscribeToChannel[events.QueueStateEvent](s.opts.EventBus, ch),
		}
		defer func() {
			for _, unsub := range unsubs {
				unsub()
			}
		}()
		forward(ctx, ch, send)
	})
}

// forward sends events from ch until the client goes away.
func forward(ctx context.Context, ch <-chan any, send sse.Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := send.Data(ev); err != nil {
				return
			}
		}
	}
}

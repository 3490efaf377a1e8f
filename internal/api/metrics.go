package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/sideband/internal/events"
)

func (s *Server) registerMetricsRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "metrics-stream",
		Method:      http.MethodGet,
		Path:        "/api/metrics",
		Summary:     "Session Stats Stream",
		Description: "Per-stream queue counters, once a second from the daemon and as reported by produce processes.",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"session-stats": events.SessionStatsEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		ch := make(chan any, 32)
		unsub := events.SubscribeToChannel[events.SessionStatsEvent](s.opts.EventBus, ch)
		defer unsub()
		forward(ctx, ch, send)
	})
}

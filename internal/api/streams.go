package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/sideband/internal/api/models"
	"github.com/smazurov/sideband/internal/streams"
	"github.com/smazurov/sideband/pkg/sideband"
)

func (s *Server) registerStreamRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/api/streams",
		Summary:     "List Streams",
		Tags:        []string{"streams"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, _ *struct{}) (*models.StreamListResponse, error) {
		specs := s.opts.Streams.ListStreams(ctx)
		out := make([]models.StreamData, 0, len(specs))
		for _, spec := range specs {
			out = append(out, s.streamData(spec))
		}
		return &models.StreamListResponse{Body: models.StreamListData{Streams: out, Count: len(out)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "create-stream",
		Method:        http.MethodPost,
		Path:          "/api/streams",
		Summary:       "Create Stream",
		Description:   "Define a stream. The definition is saved to streams.toml; no session is started.",
		Tags:          []string{"streams"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{401, 409, 422, 500},
		Security:      withAuth(),
	}, func(ctx context.Context, in *models.StreamRequest) (*models.StreamResponse, error) {
		if in.Body.ID == "" {
			return nil, huma.Error422UnprocessableEntity("id is required")
		}
		spec, err := s.opts.Streams.CreateStream(ctx, specFromRequest(in.Body.ID, in.Body))
		if err != nil {
			return nil, apiError(err)
		}
		return &models.StreamResponse{Body: s.streamData(spec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}",
		Summary:     "Get Stream",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(ctx context.Context, in *models.StreamPath) (*models.StreamResponse, error) {
		spec, err := s.opts.Streams.GetStream(ctx, in.StreamID)
		if err != nil {
			return nil, apiError(err)
		}
		return &models.StreamResponse{Body: s.streamData(spec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-stream",
		Method:      http.MethodPut,
		Path:        "/api/streams/{stream_id}",
		Summary:     "Update Stream",
		Description: "Replace a stream definition. A running session keeps its buffers until restarted.",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404, 422, 500},
		Security:    withAuth(),
	}, func(ctx context.Context, in *models.StreamUpdateRequest) (*models.StreamResponse, error) {
		spec, err := s.opts.Streams.UpdateStream(ctx, in.StreamID, specFromRequest(in.StreamID, in.Body))
		if err != nil {
			return nil, apiError(err)
		}
		return &models.StreamResponse{Body: s.streamData(spec)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-stream",
		Method:        http.MethodDelete,
		Path:          "/api/streams/{stream_id}",
		Summary:       "Delete Stream",
		Description:   "Remove a stream definition and stop its session.",
		Tags:          []string{"streams"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{401, 404, 500},
		Security:      withAuth(),
	}, func(ctx context.Context, in *models.StreamPath) (*struct{}, error) {
		if err := s.opts.Streams.DeleteStream(ctx, in.StreamID); err != nil {
			return nil, apiError(err)
		}
		return &struct{}{}, nil
	})
}

func specFromRequest(id string, r models.StreamRequestData) streams.StreamSpec {
	return streams.StreamSpec{
		ID:          id,
		Name:        r.Name,
		Width:       r.Width,
		Height:      r.Height,
		ColorFormat: r.ColorFormat,
		Compressed:  r.Compressed,
		BufferCount: r.BufferCount,
		QueueDepth:  r.QueueDepth,
		Provider:    r.Provider,
		Socket:      r.Socket,
		FrameRate:   r.FrameRate,
		Runner:      r.Runner,
		Autostart:   r.Autostart,
		Color:       r.Color,
	}
}

func (s *Server) streamData(spec streams.StreamSpec) models.StreamData {
	d := models.StreamData{
		ID:          spec.ID,
		Name:        spec.DisplayName(),
		Width:       spec.Width,
		Height:      spec.Height,
		ColorFormat: spec.ColorFormat,
		Compressed:  spec.Compressed,
		Provider:    spec.Provider,
		Socket:      spec.Socket,
		FrameRate:   spec.FrameRate,
		Runner:      spec.Runner,
		Autostart:   spec.Autostart,
		Color:       spec.Color,
		CreatedAt:   spec.CreatedAt,
		UpdatedAt:   spec.UpdatedAt,
	}
	if d.FrameRate == 0 {
		d.FrameRate = streams.DefaultFrameRate
	}
	if d.Runner == "" {
		d.Runner = streams.RunnerSession
	}
	if cfg, err := spec.ProducerConfig(); err == nil {
		d.BufferCount = cfg.BufferCount
		d.QueueDepth = cfg.QueueDepth
		d.BufferSize = sideband.BufferSize(cfg.Width, cfg.Height, cfg.ColorFormat, cfg.CompressedUsage != 0)
	}
	if s.opts.Sessions != nil {
		_, d.Running = s.opts.Sessions.Get(spec.ID)
	}
	return d
}

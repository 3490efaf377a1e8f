package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/sideband/internal/api/models"
)

func (s *Server) registerProcessRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/api/processes",
		Summary:     "List Processes",
		Description: "Produce processes supervised by the daemon.",
		Tags:        []string{"processes"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.ProcessListResponse, error) {
		list := s.opts.Processes.List()
		return &models.ProcessListResponse{Body: models.ProcessListData{Processes: list, Count: len(list)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}/process",
		Summary:     "Get Process",
		Tags:        []string{"processes"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, in *models.StreamPath) (*models.ProcessResponse, error) {
		return &models.ProcessResponse{Body: s.opts.Processes.Status(in.StreamID)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-process",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/process/start",
		Summary:     "Start Process",
		Description: "Launch a supervised `sideband produce` for a stream whose runner is process.",
		Tags:        []string{"processes"},
		Errors:      []int{401, 404, 409, 422},
		Security:    withAuth(),
	}, func(ctx context.Context, in *models.StreamPath) (*models.ProcessResponse, error) {
		spec, err := s.opts.Streams.GetStream(ctx, in.StreamID)
		if err != nil {
			return nil, apiError(err)
		}
		if !spec.InProcess() {
			return nil, huma.Error422UnprocessableEntity("stream " + in.StreamID + " runs inside the daemon; use /start")
		}
		if err := s.opts.Processes.Start(in.StreamID); err != nil {
			return nil, huma.Error409Conflict(err.Error(), err)
		}
		return &models.ProcessResponse{Body: s.opts.Processes.Status(in.StreamID)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-process",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/process/stop",
		Summary:     "Stop Process",
		Description: "Interrupt the produce process and wait for it to exit.",
		Tags:        []string{"processes"},
		Errors:      []int{401, 500},
		Security:    withAuth(),
	}, func(_ context.Context, in *models.StreamPath) (*models.ProcessResponse, error) {
		if err := s.opts.Processes.Stop(in.StreamID); err != nil {
			return nil, huma.Error500InternalServerError("failed to stop process", err)
		}
		return &models.ProcessResponse{Body: s.opts.Processes.Status(in.StreamID)}, nil
	})
}

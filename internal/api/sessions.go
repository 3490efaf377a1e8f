package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/sideband/internal/api/models"
	"github.com/smazurov/sideband/internal/streams"
)

func (s *Server) registerSessionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/sessions",
		Summary:     "List Sessions",
		Description: "Producer sessions running inside the daemon.",
		Tags:        []string{"sessions"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.SessionListResponse, error) {
		list := s.opts.Sessions.List()
		return &models.SessionListResponse{Body: models.SessionListData{Sessions: list, Count: len(list)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/streams/{stream_id}/session",
		Summary:     "Get Session",
		Tags:        []string{"sessions"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(_ context.Context, in *models.StreamPath) (*models.SessionResponse, error) {
		info, ok := s.opts.Sessions.Get(in.StreamID)
		if !ok {
			return nil, huma.Error404NotFound("stream " + in.StreamID + " has no session")
		}
		return &models.SessionResponse{Body: info}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/start",
		Summary:     "Start Session",
		Description: "Create a producer for the stream and start queuing buffers.",
		Tags:        []string{"sessions"},
		Errors:      []int{401, 404, 409, 422, 502},
		Security:    withAuth(),
	}, func(ctx context.Context, in *models.StreamPath) (*models.SessionResponse, error) {
		if spec, err := s.opts.Streams.GetStream(ctx, in.StreamID); err == nil && spec.InProcess() {
			return nil, huma.Error409Conflict("stream " + in.StreamID + " runs as a process; use /process/start")
		}
		info, err := s.opts.Sessions.Start(ctx, in.StreamID)
		if err != nil {
			return nil, apiError(err)
		}
		return &models.SessionResponse{Body: info}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodPost,
		Path:        "/api/streams/{stream_id}/stop",
		Summary:     "Stop Session",
		Description: "Stop the local session, or ask a produce process to exit when none runs here.",
		Tags:        []string{"sessions"},
		Errors:      []int{401, 404, 500},
		Security:    withAuth(),
	}, func(_ context.Context, in *models.StopRequest) (*models.StopResponse, error) {
		err := s.opts.Sessions.Stop(in.StreamID, in.Reason)
		if err == nil {
			return &models.StopResponse{Body: models.StopData{StreamID: in.StreamID}}, nil
		}
		if !s.remote(err) {
			return nil, apiError(err)
		}
		if err := s.opts.Remote.Stop(in.StreamID, in.Reason); err != nil {
			return nil, huma.Error502BadGateway("failed to reach produce process", err)
		}
		return &models.StopResponse{Body: models.StopData{StreamID: in.StreamID, Forwarded: true}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-color",
		Method:      http.MethodPut,
		Path:        "/api/streams/{stream_id}/color",
		Summary:     "Set Color Data",
		Description: "Send color data to the consumer. applied is false when nothing changed.",
		Tags:        []string{"sessions"},
		Errors:      []int{401, 404, 502},
		Security:    withAuth(),
	}, func(_ context.Context, in *models.ColorRequest) (*models.ColorResponse, error) {
		out := models.ColorData{StreamID: in.StreamID, Color: in.Body}
		applied, err := s.opts.Sessions.SetColor(in.StreamID, in.Body)
		switch {
		case err == nil:
			out.Applied = applied
		case s.remote(err):
			if err := s.opts.Remote.SetColor(in.StreamID, in.Body); err != nil {
				return nil, huma.Error502BadGateway("failed to reach produce process", err)
			}
			out.Forwarded = true
		default:
			return nil, apiError(err)
		}
		return &models.ColorResponse{Body: out}, nil
	})
}

// remote reports whether a command that found no local session should go to
// a produce process instead.
func (s *Server) remote(err error) bool {
	return s.opts.Remote != nil && streams.ErrorCode(err) == streams.ErrCodeSessionNotFound
}

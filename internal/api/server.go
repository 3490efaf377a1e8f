package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/sideband/internal/api/models"
	"github.com/smazurov/sideband/internal/events"
	"github.com/smazurov/sideband/internal/logging"
	"github.com/smazurov/sideband/internal/process"
	"github.com/smazurov/sideband/internal/session"
	"github.com/smazurov/sideband/internal/streams"
	"github.com/smazurov/sideband/internal/version"
	"github.com/smazurov/sideband/pkg/sideband"
)

// StreamService manages stream definitions.
type StreamService interface {
	CreateStream(ctx context.Context, spec streams.StreamSpec) (streams.StreamSpec, error)
	UpdateStream(ctx context.Context, id string, spec streams.StreamSpec) (streams.StreamSpec, error)
	DeleteStream(ctx context.Context, id string) error
	GetStream(ctx context.Context, id string) (streams.StreamSpec, error)
	ListStreams(ctx context.Context) []streams.StreamSpec
}

// SessionController runs producer sessions inside the daemon.
type SessionController interface {
	Start(ctx context.Context, streamID string) (session.Info, error)
	Stop(streamID, reason string) error
	SetColor(streamID string, c sideband.ColorData) (bool, error)
	Get(streamID string) (session.Info, bool)
	List() []session.Info
}

// RemoteControl reaches producers running in separate produce processes.
type RemoteControl interface {
	SetColor(streamID string, c sideband.ColorData) error
	Stop(streamID, reason string) error
}

// ProcessController supervises produce processes of streams whose runner is
// "process".
type ProcessController interface {
	Start(streamID string) error
	Stop(streamID string) error
	Status(streamID string) process.Info
	List() []process.Info
}

// Options configures the API server.
type Options struct {
	AuthUsername string
	AuthPassword string

	Streams  StreamService
	Sessions SessionController
	// Remote is optional; without it color and stop only reach local sessions.
	Remote RemoteControl
	// Processes is optional; without it process streams are managed externally.
	Processes ProcessController
	EventBus  *events.Bus

	DefaultProvider string
	// PrometheusHandler is served on /metrics without auth when set.
	PrometheusHandler http.Handler
}

// Server is the huma HTTP API of the daemon.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	opts       *Options
	logger     *slog.Logger
}

// NewServer builds the API and registers every route.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()
	cors := defaultCORS()
	cors.preflight(mux)

	config := huma.DefaultConfig("Sideband API", version.String())
	config.Info.Description = "Sideband stream definitions, producer sessions and descriptor tools"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {Type: "http", Scheme: "basic"},
	}

	s := &Server{
		api:    humago.New(mux, config),
		mux:    mux,
		opts:   opts,
		logger: logging.GetLogger("api"),
	}

	s.api.UseMiddleware(cors.middleware)
	s.api.UseMiddleware(requestLogger(s.logger))
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		s.api.UseMiddleware(basicAuth(s.api, opts.AuthUsername, opts.AuthPassword))
	}

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	s.registerSystemRoutes()
	s.registerStreamRoutes()
	s.registerSessionRoutes()
	if opts.Processes != nil {
		s.registerProcessRoutes()
	}
	s.registerDescriptorRoutes()
	if opts.EventBus != nil {
		s.registerSSERoutes()
		s.registerMetricsRoutes()
	}
	s.registerLogRoutes()
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// API returns the huma API, e.g. to dump the OpenAPI document.
func (s *Server) API() huma.API {
	return s.api
}

// Start serves on addr until Stop.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr, "docs", "http://"+addr+"/docs")
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down. Open SSE streams are closed when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) registerSystemRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Tags:        []string{"system"},
		Security:    noAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{Body: models.HealthData{Status: "ok", Message: "API is healthy"}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Tags:        []string{"system"},
		Security:    noAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		v := version.Get()
		return &models.VersionResponse{Body: models.VersionData{
			Version:   v.Version,
			GitCommit: v.GitCommit,
			BuildDate: v.BuildDate,
			Modified:  v.Modified,
			GoVersion: v.GoVersion,
			Compiler:  v.Compiler,
			Platform:  v.Platform,
		}}, nil
	})
}

func withAuth() []map[string][]string {
	return []map[string][]string{{"basicAuth": {}}}
}

func noAuth() []map[string][]string {
	return []map[string][]string{}
}

// apiError maps stream and session errors onto HTTP statuses.
func apiError(err error) error {
	var se *streams.StreamError
	if !errors.As(err, &se) {
		return huma.Error500InternalServerError("internal server error", err)
	}
	switch se.Code {
	case streams.ErrCodeStreamNotFound, streams.ErrCodeSessionNotFound:
		return huma.Error404NotFound(se.Message, err)
	case streams.ErrCodeStreamExists, streams.ErrCodeSessionActive:
		return huma.Error409Conflict(se.Message, err)
	case streams.ErrCodeInvalidParams, streams.ErrCodeInvalidHandle:
		return huma.Error422UnprocessableEntity(se.Message, err)
	case streams.ErrCodeProviderError, streams.ErrCodeTransportError:
		return huma.Error502BadGateway(se.Message, err)
	default:
		return huma.Error500InternalServerError(se.Message, err)
	}
}

// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"time"

	"github.com/smazurov/sideband/internal/process"
	"github.com/smazurov/sideband/internal/session"
	"github.com/smazurov/sideband/pkg/sideband"
)

type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

type VersionData struct {
	Version   string `json:"version" example:"1.2.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" doc:"Build timestamp"`
	Modified  bool   `json:"modified" doc:"Built from a modified working tree"`
	GoVersion string `json:"go_version" example:"go1.24.1" doc:"Go runtime version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Stream models

type StreamData struct {
	ID          string              `json:"id" example:"cam0" doc:"Stream identifier"`
	Name        string              `json:"name" example:"Front camera" doc:"Display name"`
	Width       int                 `json:"width" example:"1920" doc:"Buffer width in pixels"`
	Height      int                 `json:"height" example:"1080" doc:"Buffer height in pixels"`
	ColorFormat string              `json:"color_format" example:"nv12" doc:"Buffer color format"`
	Compressed  bool                `json:"compressed" doc:"Buffers hold compressed data"`
	BufferCount int                 `json:"buffer_count" example:"4" doc:"Buffers allocated per session"`
	QueueDepth  int                 `json:"queue_depth" example:"3" doc:"Buffers the consumer may hold"`
	Provider    string              `json:"provider,omitempty" example:"memfd" doc:"Sideband provider; empty uses the default"`
	Socket      string              `json:"socket,omitempty" example:"/run/sideband/cam0.sock" doc:"Unix socket serving the descriptor"`
	FrameRate   int                 `json:"frame_rate" example:"30" doc:"Buffers queued per second"`
	Runner      string              `json:"runner" enum:"session,process" example:"session" doc:"Where the producer runs"`
	Autostart   bool                `json:"autostart" doc:"Start a session when the daemon starts"`
	Color       *sideband.ColorData `json:"color,omitempty" doc:"Initial color data"`
	BufferSize  int                 `json:"buffer_size" example:"3110400" doc:"Bytes per buffer"`
	Running     bool                `json:"running" doc:"Whether a session is active"`
	CreatedAt   time.Time           `json:"created_at" doc:"Creation time"`
	UpdatedAt   time.Time           `json:"updated_at" doc:"Last update time"`
}

type StreamRequestData struct {
	ID          string              `json:"id,omitempty" pattern:"^[A-Za-z0-9][A-Za-z0-9_-]*$" maxLength:"64" example:"cam0" doc:"Stream identifier; ignored on update"`
	Name        string              `json:"name,omitempty" example:"Front camera" doc:"Display name"`
	Width       int                 `json:"width" minimum:"1" example:"1920" doc:"Buffer width in pixels"`
	Height      int                 `json:"height" minimum:"1" example:"1080" doc:"Buffer height in pixels"`
	ColorFormat string              `json:"color_format" enum:"nv12,nv21,rgba8888,rgb888,yuyv,p010" example:"nv12" doc:"Buffer color format"`
	Compressed  bool                `json:"compressed,omitempty" doc:"Buffers hold compressed data"`
	BufferCount int                 `json:"buffer_count,omitempty" minimum:"0" maximum:"6" example:"4" doc:"Buffers per session; 0 uses the default"`
	QueueDepth  int                 `json:"queue_depth,omitempty" minimum:"0" maximum:"6" example:"3" doc:"Buffers the consumer may hold; 0 uses the default"`
	Provider    string              `json:"provider,omitempty" example:"memfd" doc:"Sideband provider"`
	Socket      string              `json:"socket,omitempty" example:"/run/sideband/cam0.sock" doc:"Absolute Unix socket path"`
	FrameRate   int                 `json:"frame_rate,omitempty" minimum:"0" maximum:"240" example:"30" doc:"Buffers queued per second"`
	Runner      string              `json:"runner,omitempty" enum:"session,process" example:"session" doc:"Run the producer in the daemon or as a separate process"`
	Autostart   bool                `json:"autostart,omitempty" doc:"Start a session when the daemon starts"`
	Color       *sideband.ColorData `json:"color,omitempty" doc:"Initial color data"`
}

type StreamRequest struct {
	Body StreamRequestData
}

type StreamUpdateRequest struct {
	StreamID string `path:"stream_id" example:"cam0" doc:"Stream identifier"`
	Body     StreamRequestData
}

type StreamPath struct {
	StreamID string `path:"stream_id" example:"cam0" doc:"Stream identifier"`
}

type StreamResponse struct {
	Body StreamData
}

type StreamListData struct {
	Streams []StreamData `json:"streams" doc:"Configured streams"`
	Count   int          `json:"count" example:"2" doc:"Number of streams"`
}

type StreamListResponse struct {
	Body StreamListData
}

// Session models

type SessionResponse struct {
	Body session.Info
}

type SessionListData struct {
	Sessions []session.Info `json:"sessions" doc:"Running sessions"`
	Count    int            `json:"count" example:"1" doc:"Number of sessions"`
}

type SessionListResponse struct {
	Body SessionListData
}

// Process models

type ProcessResponse struct {
	Body process.Info
}

type ProcessListData struct {
	Processes []process.Info `json:"processes" doc:"Supervised produce processes"`
	Count     int            `json:"count" example:"1" doc:"Number of processes"`
}

type ProcessListResponse struct {
	Body ProcessListData
}

type StopData struct {
	StreamID  string `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	Forwarded bool   `json:"forwarded,omitempty" doc:"Sent to a produce process over NATS"`
}

type StopResponse struct {
	Body StopData
}

type StopRequest struct {
	StreamID string `path:"stream_id" example:"cam0" doc:"Stream identifier"`
	Reason   string `query:"reason" default:"api" example:"maintenance" doc:"Reason recorded in the stop event"`
}

type ColorRequest struct {
	StreamID string `path:"stream_id" example:"cam0" doc:"Stream identifier"`
	Body     sideband.ColorData
}

type ColorData struct {
	StreamID  string             `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	Applied   bool               `json:"applied" doc:"False when the data equals what the consumer already has"`
	Forwarded bool               `json:"forwarded,omitempty" doc:"Sent to a produce process over NATS; applied is unknown"`
	Color     sideband.ColorData `json:"color" doc:"Color data sent"`
}

type ColorResponse struct {
	Body ColorData
}

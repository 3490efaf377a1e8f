package streams

import (
	"time"

	"github.com/smazurov/sideband/pkg/sideband"
)

// DefaultFrameRate is used when a stream does not set frame_rate.
const DefaultFrameRate = 30

// Runners decide where a stream's producer lives.
const (
	// RunnerSession runs the producer inside the daemon.
	RunnerSession = "session"
	// RunnerProcess runs it as a supervised `sideband produce` child.
	RunnerProcess = "process"
)

// StreamSpec is the persistent definition of one sideband stream: the
// buffers its producer allocates and where the descriptor is served.
type StreamSpec struct {
	// ID is the unique identifier used in the API, NATS subjects and logs.
	ID string `toml:"id" json:"id"`

	// Name is a human-readable name; defaults to the ID.
	Name string `toml:"name" json:"name"`

	Width       int    `toml:"width" json:"width"`
	Height      int    `toml:"height" json:"height"`
	ColorFormat string `toml:"color_format" json:"color_format"`
	Compressed  bool   `toml:"compressed,omitempty" json:"compressed,omitempty"`

	// BufferCount and QueueDepth fall back to the sideband defaults when zero.
	BufferCount int `toml:"buffer_count,omitempty" json:"buffer_count,omitempty"`
	QueueDepth  int `toml:"queue_depth,omitempty" json:"queue_depth,omitempty"`

	// Provider names a registered sideband provider; empty uses the daemon default.
	Provider string `toml:"provider,omitempty" json:"provider,omitempty"`

	// Socket is the Unix socket path the descriptor is served on. Empty
	// disables serving.
	Socket string `toml:"socket,omitempty" json:"socket,omitempty"`

	// FrameRate paces the producer loop.
	FrameRate int `toml:"frame_rate,omitempty" json:"frame_rate,omitempty"`

	// Runner is RunnerSession or RunnerProcess; empty means RunnerSession.
	Runner string `toml:"runner,omitempty" json:"runner,omitempty"`

	// Autostart starts a producer session when the daemon boots.
	Autostart bool `toml:"autostart,omitempty" json:"autostart,omitempty"`

	// Color is applied when the session starts.
	Color *sideband.ColorData `toml:"color,omitempty" json:"color,omitempty"`

	CreatedAt time.Time `toml:"created_at" json:"created_at"`
	UpdatedAt time.Time `toml:"updated_at" json:"updated_at"`
}

// ProducerConfig converts the spec into the sideband producer configuration.
func (s StreamSpec) ProducerConfig() (sideband.ProducerConfig, error) {
	format, err := sideband.ParseColorFormat(s.ColorFormat)
	if err != nil {
		return sideband.ProducerConfig{}, err
	}
	cfg := sideband.ProducerConfig{
		Width:       s.Width,
		Height:      s.Height,
		ColorFormat: format,
		BufferCount: s.BufferCount,
		QueueDepth:  s.QueueDepth,
	}
	if s.Compressed {
		cfg.CompressedUsage = 1
	}
	return cfg.WithDefaults(), nil
}

// FrameInterval returns the delay between queued buffers.
func (s StreamSpec) FrameInterval() time.Duration {
	fps := s.FrameRate
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return time.Second / time.Duration(fps)
}

// InProcess reports whether the producer runs as a separate process.
func (s StreamSpec) InProcess() bool {
	return s.Runner == RunnerProcess
}

// DisplayName returns Name, or the ID when Name is empty.
func (s StreamSpec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

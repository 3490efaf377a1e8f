package streams

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/smazurov/sideband/pkg/sideband"
)

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Validate checks that spec describes buffers a producer can allocate.
// Stream IDs are used as NATS subject tokens, so dots and wildcards are
// rejected.
func Validate(spec StreamSpec) error {
	if !streamIDPattern.MatchString(spec.ID) {
		return NewStreamError(ErrCodeInvalidParams,
			fmt.Sprintf("invalid stream id %q: use letters, digits, '-' or '_'", spec.ID), nil)
	}
	if spec.FrameRate < 0 || spec.FrameRate > 240 {
		return NewStreamError(ErrCodeInvalidParams, fmt.Sprintf("frame_rate %d outside 0..240", spec.FrameRate), nil)
	}
	if spec.Runner != "" && spec.Runner != RunnerSession && spec.Runner != RunnerProcess {
		return NewStreamError(ErrCodeInvalidParams,
			fmt.Sprintf("runner %q must be %q or %q", spec.Runner, RunnerSession, RunnerProcess), nil)
	}
	if spec.Socket != "" && !filepath.IsAbs(spec.Socket) {
		return NewStreamError(ErrCodeInvalidParams, fmt.Sprintf("socket %q must be an absolute path", spec.Socket), nil)
	}

	cfg, err := spec.ProducerConfig()
	if err != nil {
		return NewStreamError(ErrCodeInvalidParams, "invalid color_format", err)
	}
	if _, err := cfg.Descriptor(1, 1); err != nil {
		return NewStreamError(ErrCodeInvalidParams, "invalid buffer configuration", err)
	}
	if spec.Provider != "" && !slices.Contains(sideband.Providers(), spec.Provider) {
		return NewStreamError(ErrCodeInvalidParams, fmt.Sprintf("unknown provider %q", spec.Provider), sideband.ErrUnknownProvider)
	}
	return nil
}

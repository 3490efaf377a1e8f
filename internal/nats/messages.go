package nats

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smazurov/sideband/pkg/sideband"
)

// Subject prefixes.
const (
	SubjectStreamsPrefix = "sideband.streams"
	SubjectControlPrefix = "sideband.control"
)

// Control actions.
const (
	ActionColor = "color"
	ActionStop  = "stop"
)

// Session states reported by produce processes.
const (
	StateStarted = "started"
	StateStopped = "stopped"
	StateFull    = "full"
	StateEmpty   = "empty"
	StateEOS     = "eos"
)

func streamSubject(streamID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectStreamsPrefix, streamID, kind)
}

func controlSubject(streamID, action string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectControlPrefix, streamID, action)
}

// SubjectStreamStats is where a producer reports its counters.
func SubjectStreamStats(streamID string) string { return streamSubject(streamID, "stats") }

// SubjectStreamLogs is where a producer forwards log records.
func SubjectStreamLogs(streamID string) string { return streamSubject(streamID, "logs") }

// SubjectStreamState is where a producer reports state transitions.
func SubjectStreamState(streamID string) string { return streamSubject(streamID, "state") }

// SubjectControlColor carries color data to a producer.
func SubjectControlColor(streamID string) string { return controlSubject(streamID, ActionColor) }

// SubjectControlStop asks a producer to exit.
func SubjectControlStop(streamID string) string { return controlSubject(streamID, ActionStop) }

// StatsMessage carries producer counters.
type StatsMessage struct {
	StreamID  string `json:"stream_id"`
	HandleID  int32  `json:"handle_id"`
	Timestamp string `json:"timestamp"`
	Queued    uint64 `json:"queued"`
	Released  uint64 `json:"released"`
	Full      uint64 `json:"full"`
	Empty     uint64 `json:"empty"`
	Held      int    `json:"held"`
	Attached  bool   `json:"attached"`
}

// LogMessage carries one log record.
type LogMessage struct {
	StreamID  string         `json:"stream_id"`
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Module    string         `json:"module,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// StateMessage reports a session state transition.
type StateMessage struct {
	StreamID  string `json:"stream_id"`
	SessionID string `json:"session_id,omitempty"`
	HandleID  int32  `json:"handle_id"`
	Timestamp string `json:"timestamp"`
	State     string `json:"state"`
	Provider  string `json:"provider,omitempty"`
	Socket    string `json:"socket,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Frames    uint64 `json:"frames,omitempty"`
}

// ControlMessage is a command for a producer. Color is set for ActionColor.
type ControlMessage struct {
	Action    string              `json:"action"`
	StreamID  string              `json:"stream_id"`
	Timestamp string              `json:"timestamp"`
	Reason    string              `json:"reason,omitempty"`
	Color     *sideband.ColorData `json:"color,omitempty"`
}

// Message is any payload exchanged on sideband subjects.
type Message interface {
	StatsMessage | LogMessage | StateMessage | ControlMessage
}

// Marshal encodes m as JSON.
func Marshal[T Message](m T) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a JSON payload into a T.
func Unmarshal[T Message](data []byte) (T, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode %T: %w", m, err)
	}
	return m, nil
}

// streamIDFromSubject extracts <id> from sideband.{streams,control}.<id>.<kind>.
func streamIDFromSubject(subject string) string {
	for _, prefix := range []string{SubjectStreamsPrefix, SubjectControlPrefix} {
		rest, ok := strings.CutPrefix(subject, prefix+".")
		if !ok {
			continue
		}
		if i := strings.LastIndexByte(rest, '.'); i > 0 {
			return rest[:i]
		}
	}
	return ""
}

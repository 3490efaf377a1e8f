package events

// Event type constants for kelindar/event.
const (
	TypeStreamCreated uint32 = iota + 1
	TypeStreamUpdated
	TypeStreamDeleted
	TypeSessionStarted
	TypeSessionStopped
	TypeBufferQueued
	TypeBufferReleased
	TypeColorDataChanged
	TypeQueueState
	TypeSessionStats
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// Queue states reported by QueueStateEvent.
const (
	QueueFull  = "full"
	QueueEmpty = "empty"
	QueueEOS   = "eos"
)

// StreamCreatedEvent is published when a stream definition is added.
type StreamCreatedEvent struct {
	StreamID  string `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	Action    string `json:"action" example:"created" doc:"Action type"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamCreatedEvent.
func (e StreamCreatedEvent) Type() uint32 { return TypeStreamCreated }

// StreamUpdatedEvent is published when a stream definition changes.
type StreamUpdatedEvent struct {
	StreamID  string `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	Action    string `json:"action" example:"updated" doc:"Action type"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamUpdatedEvent.
func (e StreamUpdatedEvent) Type() uint32 { return TypeStreamUpdated }

// StreamDeletedEvent is published when a stream definition is removed.
type StreamDeletedEvent struct {
	StreamID  string `json:"stream_id" example:"cam0" doc:"Deleted stream identifier"`
	Action    string `json:"action" example:"deleted" doc:"Action type"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamDeletedEvent.
func (e StreamDeletedEvent) Type() uint32 { return TypeStreamDeleted }

// SessionStartedEvent is published once a producer is created and its
// descriptor is being served.
type SessionStartedEvent struct {
	SessionID string `json:"session_id" doc:"Session identifier"`
	StreamID  string `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	HandleID  int32  `json:"handle_id" example:"1" doc:"Sideband handle id"`
	Provider  string `json:"provider" example:"memfd" doc:"Provider that created the handle"`
	Socket    string `json:"socket,omitempty" example:"/run/sideband/cam0.sock" doc:"Unix socket serving the descriptor"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStartedEvent.
func (e SessionStartedEvent) Type() uint32 { return TypeSessionStarted }

// SessionStoppedEvent is published when a producer session ends.
type SessionStoppedEvent struct {
	SessionID string `json:"session_id" doc:"Session identifier"`
	StreamID  string `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	Reason    string `json:"reason,omitempty" example:"api_stop" doc:"Why the session ended"`
	Frames    uint64 `json:"frames" example:"1200" doc:"Buffers queued during the session"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStoppedEvent.
func (e SessionStoppedEvent) Type() uint32 { return TypeSessionStopped }

// BufferQueuedEvent is published when a producer queues a buffer.
type BufferQueuedEvent struct {
	StreamID  string `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	HandleID  int32  `json:"handle_id" example:"1" doc:"Sideband handle id"`
	Index     int    `json:"index" example:"2" doc:"Buffer index"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for BufferQueuedEvent.
func (e BufferQueuedEvent) Type() uint32 { return TypeBufferQueued }

// BufferReleasedEvent is published when a producer gets a buffer back.
type BufferReleasedEvent struct {
	StreamID  string `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	HandleID  int32  `json:"handle_id" example:"1" doc:"Sideband handle id"`
	Index     int    `json:"index" example:"2" doc:"Buffer index"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for BufferReleasedEvent.
func (e BufferReleasedEvent) Type() uint32 { return TypeBufferReleased }

// ColorData mirrors sideband.ColorData for event payloads.
type ColorData struct {
	Flags      uint32  `json:"flags" doc:"Adjustment flags"`
	Hue        float32 `json:"hue" doc:"Hue"`
	Saturation float32 `json:"saturation" doc:"Saturation"`
	ToneCb     float32 `json:"tone_cb" doc:"Cb tone"`
	ToneCr     float32 `json:"tone_cr" doc:"Cr tone"`
	Contrast   float32 `json:"contrast" doc:"Contrast"`
	Brightness float32 `json:"brightness" doc:"Brightness"`
}

// ColorDataChangedEvent is published for every color update request.
// Applied is false when the value matched the previous one.
type ColorDataChangedEvent struct {
	StreamID  string    `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	HandleID  int32     `json:"handle_id" example:"1" doc:"Sideband handle id"`
	Color     ColorData `json:"color" doc:"Requested color data"`
	Applied   bool      `json:"applied" doc:"False when the update was a no-op"`
	Timestamp string    `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ColorDataChangedEvent.
func (e ColorDataChangedEvent) Type() uint32 { return TypeColorDataChanged }

// QueueStateEvent reports a queue hitting full, empty or end of stream.
type QueueStateEvent struct {
	StreamID  string `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	HandleID  int32  `json:"handle_id" example:"1" doc:"Sideband handle id"`
	State     string `json:"state" example:"full" enum:"full,empty,eos" doc:"Queue state"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for QueueStateEvent.
func (e QueueStateEvent) Type() uint32 { return TypeQueueState }

// SessionStatsEvent carries periodic counters, either from an in-process
// session or forwarded from a produce process over NATS.
type SessionStatsEvent struct {
	StreamID  string `json:"stream_id" example:"cam0" doc:"Stream identifier"`
	HandleID  int32  `json:"handle_id" example:"1" doc:"Sideband handle id"`
	Queued    uint64 `json:"queued" doc:"Buffers queued"`
	Released  uint64 `json:"released" doc:"Buffers returned by the consumer"`
	Full      uint64 `json:"full" doc:"Queue-full rejections"`
	Empty     uint64 `json:"empty" doc:"Dequeue timeouts"`
	Attached  bool   `json:"attached" doc:"Whether a consumer has attached"`
	Source    string `json:"source" example:"daemon" doc:"daemon or the produce process"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStatsEvent.
func (e SessionStatsEvent) Type() uint32 { return TypeSessionStats }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2026-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"sessions" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }

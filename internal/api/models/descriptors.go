package models

type DescriptorRequestData struct {
	Version int32   `json:"version" example:"12" doc:"Header size in bytes"`
	NumFds  int32   `json:"num_fds" example:"7" doc:"Number of fd slots"`
	NumInts int32   `json:"num_ints" example:"9" doc:"Number of integer fields"`
	Data    []int32 `json:"data" doc:"Fd slots followed by integer fields"`
}

type DescriptorRequest struct {
	Body DescriptorRequestData
}

type DescriptorFields struct {
	ID              int32  `json:"id" doc:"Handle id"`
	PID             int32  `json:"pid" doc:"Producer process id"`
	Width           int    `json:"width" doc:"Buffer width"`
	Height          int    `json:"height" doc:"Buffer height"`
	ColorFormat     string `json:"color_format" doc:"Buffer color format"`
	CompressedUsage int    `json:"compressed_usage" doc:"Compressed usage flags"`
	BufferCount     int    `json:"buffer_count" doc:"Buffers described"`
	QueueDepth      int    `json:"queue_depth" doc:"Buffers the consumer may hold"`
	BufferSize      int    `json:"buffer_size" doc:"Bytes per buffer"`
	BufferFds       []int  `json:"buffer_fds" doc:"Buffer fd slots; -1 is unset"`
	MetaFd          int    `json:"meta_fd" doc:"Color metadata fd; -1 is unset"`
}

type DescriptorValidation struct {
	Valid      bool              `json:"valid" doc:"Whether the handle is a sideband handle"`
	Error      string            `json:"error,omitempty" doc:"Why the handle was rejected"`
	HandleID   int32             `json:"handle_id,omitempty" doc:"Handle id of a valid handle"`
	Descriptor *DescriptorFields `json:"descriptor,omitempty" doc:"Decoded fields of a valid handle"`
}

type DescriptorResponse struct {
	Body DescriptorValidation
}

type ProvidersData struct {
	Providers []string `json:"providers" example:"[\"memfd\",\"nats\"]" doc:"Registered sideband providers"`
	Default   string   `json:"default" example:"memfd" doc:"Provider used when a stream names none"`
}

type ProvidersResponse struct {
	Body ProvidersData
}

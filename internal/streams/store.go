package streams

// Store persists stream definitions.
type Store interface {
	// Load reads definitions from storage. A missing file is not an error.
	Load() error

	// Save writes all definitions to storage.
	Save() error

	// AddStream adds a stream and saves.
	AddStream(stream StreamSpec) error

	// UpdateStream replaces a stream and saves.
	UpdateStream(id string, stream StreamSpec) error

	// RemoveStream deletes a stream and saves.
	RemoveStream(id string) error

	// GetStream retrieves a stream by ID.
	GetStream(id string) (StreamSpec, bool)

	// GetAllStreams returns a copy of every stream keyed by ID.
	GetAllStreams() map[string]StreamSpec
}

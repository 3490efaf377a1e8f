// Package store persists stream definitions in a TOML file.
package store

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/sideband/internal/streams"
)

// config is the layout of streams.toml.
type config struct {
	Version int                           `toml:"version" json:"version"`
	Streams map[string]streams.StreamSpec `toml:"streams" json:"streams"`
}

// tomlStore implements streams.Store using TOML file storage.
type tomlStore struct {
	configPath string
	mu         sync.RWMutex
	config     *config
}

// NewTOML creates a TOML store at configPath, defaulting to streams.toml.
func NewTOML(configPath string) streams.Store {
	if configPath == "" {
		configPath = "streams.toml"
	}
	return &tomlStore{
		configPath: configPath,
		config:     emptyConfig(),
	}
}

func emptyConfig() *config {
	return &config{Version: 1, Streams: make(map[string]streams.StreamSpec)}
}

// Load replaces the in-memory definitions with the file contents. A missing
// file leaves an empty configuration.
func (s *tomlStore) Load() error {
	data, err := os.ReadFile(s.configPath)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.config = emptyConfig()
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read streams config: %w", err)
	}

	cfg := emptyConfig()
	if unmarshalErr := toml.Unmarshal(data, cfg); unmarshalErr != nil {
		return fmt.Errorf("failed to parse streams config: %w", unmarshalErr)
	}
	if cfg.Streams == nil {
		cfg.Streams = make(map[string]streams.StreamSpec)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	// Table keys are authoritative; an id field inside the table is optional.
	for id, spec := range cfg.Streams {
		spec.ID = id
		cfg.Streams[id] = spec
	}

	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return nil
}

// Save writes the configuration atomically through a temp file.
func (s *tomlStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *tomlStore) saveLocked() error {
	dir := filepath.Dir(s.configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(s.config)
	if err != nil {
		return fmt.Errorf("failed to marshal streams config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".streams-*.toml")
	if err != nil {
		return fmt.Errorf("failed to write streams config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, writeErr := tmp.Write(data); writeErr != nil {
		tmp.Close()
		return fmt.Errorf("failed to write streams config: %w", writeErr)
	}
	if closeErr := tmp.Close(); closeErr != nil {
		return fmt.Errorf("failed to write streams config: %w", closeErr)
	}
	if chmodErr := os.Chmod(tmp.Name(), 0o644); chmodErr != nil {
		return fmt.Errorf("failed to write streams config: %w", chmodErr)
	}
	if renameErr := os.Rename(tmp.Name(), s.configPath); renameErr != nil {
		return fmt.Errorf("failed to write streams config: %w", renameErr)
	}
	return nil
}

// AddStream adds a new stream and saves.
func (s *tomlStore) AddStream(stream streams.StreamSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Streams[stream.ID] = stream
	return s.saveLocked()
}

// UpdateStream replaces a stream and saves.
func (s *tomlStore) UpdateStream(id string, updates streams.StreamSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates.ID = id
	s.config.Streams[id] = updates
	return s.saveLocked()
}

// RemoveStream deletes a stream and saves.
func (s *tomlStore) RemoveStream(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.config.Streams, id)
	return s.saveLocked()
}

// GetStream retrieves a stream by ID.
func (s *tomlStore) GetStream(id string) (streams.StreamSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, exists := s.config.Streams[id]
	return stream, exists
}

// GetAllStreams returns a copy of every stream.
func (s *tomlStore) GetAllStreams() map[string]streams.StreamSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.config.Streams)
}

package session

import (
	"context"
	"log/slog"

	"github.com/smazurov/sideband/pkg/sideband"
)

// Transport hands descriptors to consumers in other processes.
type Transport interface {
	Serve(ctx context.Context, current func() *sideband.NativeHandle) error
	Served() int
	Path() string
	Close() error
}

// ListenFunc opens a Transport on a socket path.
type ListenFunc func(path string, logger *slog.Logger) (Transport, error)

//go:build linux

package session

import (
	"log/slog"

	"github.com/smazurov/sideband/pkg/sideband/uds"
)

func listenUnix(path string, logger *slog.Logger) (Transport, error) {
	srv, err := uds.Listen(path, logger)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

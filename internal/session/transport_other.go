//go:build !linux

package session

import (
	"errors"
	"log/slog"
)

func listenUnix(string, *slog.Logger) (Transport, error) {
	return nil, errors.New("descriptor sockets require linux")
}

//go:build !linux

package session

import "github.com/smazurov/sideband/pkg/sideband"

// PatternPainter falls back to NoPainter where buffers cannot be mapped.
func PatternPainter(h sideband.Handle) (Painter, error) {
	return NoPainter(h)
}

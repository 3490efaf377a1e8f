package session

import "github.com/smazurov/sideband/pkg/sideband"

// Painter writes frame contents into producer buffers before they are queued.
type Painter interface {
	Paint(idx int, frame uint64) error
	Close() error
}

// PainterFunc creates the Painter for a new producer handle.
type PainterFunc func(h sideband.Handle) (Painter, error)

type noopPainter struct{}

func (noopPainter) Paint(int, uint64) error { return nil }
func (noopPainter) Close() error            { return nil }

// NoPainter leaves buffer contents untouched.
func NoPainter(sideband.Handle) (Painter, error) {
	return noopPainter{}, nil
}

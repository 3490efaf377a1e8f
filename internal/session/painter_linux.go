//go:build linux

package session

import (
	"errors"
	"fmt"

	"github.com/smazurov/sideband/pkg/sideband"
	"github.com/smazurov/sideband/pkg/sideband/memfd"
)

// patternPainter maps every buffer once and draws a scrolling gradient.
type patternPainter struct {
	maps  [][]byte
	width int
}

// PatternPainter maps the handle's buffers and paints a moving gradient.
func PatternPainter(h sideband.Handle) (Painter, error) {
	p := &patternPainter{width: h.BufferWidth()}
	size := h.BufferSize()
	for i := range h.BufferCount() {
		fd, err := h.BufferFd(i)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		mem, err := memfd.Map(fd, size)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("map buffer %d: %w", i, err)
		}
		p.maps = append(p.maps, mem)
	}
	return p, nil
}

func (p *patternPainter) Paint(idx int, frame uint64) error {
	if idx < 0 || idx >= len(p.maps) {
		return fmt.Errorf("%w: %d", sideband.ErrInvalidIndex, idx)
	}
	buf := p.maps[idx]
	stride := max(p.width, 1)
	shift := byte(frame)
	for row := 0; row*stride < len(buf); row++ {
		line := buf[row*stride : min((row+1)*stride, len(buf))]
		v := byte(row) + shift
		for i := range line {
			line[i] = v + byte(i>>4)
		}
	}
	return nil
}

func (p *patternPainter) Close() error {
	var errs []error
	for _, mem := range p.maps {
		errs = append(errs, memfd.Unmap(mem))
	}
	p.maps = nil
	return errors.Join(errs...)
}

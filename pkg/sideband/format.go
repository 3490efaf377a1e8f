package sideband

import "fmt"

// ColorFormat identifies the pixel layout of sideband buffers.
type ColorFormat int32

// Supported color formats.
const (
	ColorFormatNV12 ColorFormat = iota
	ColorFormatNV21
	ColorFormatRGBA8888
	ColorFormatRGB888
	ColorFormatYUYV
	ColorFormatP010
)

var colorFormatNames = map[ColorFormat]string{
	ColorFormatNV12:     "nv12",
	ColorFormatNV21:     "nv21",
	ColorFormatRGBA8888: "rgba8888",
	ColorFormatRGB888:   "rgb888",
	ColorFormatYUYV:     "yuyv",
	ColorFormatP010:     "p010",
}

// String returns the lowercase format name.
func (f ColorFormat) String() string {
	if name, ok := colorFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int32(f))
}

// Valid reports whether f is a known format.
func (f ColorFormat) Valid() bool {
	_, ok := colorFormatNames[f]
	return ok
}

// ParseColorFormat converts a format name back to a ColorFormat.
func ParseColorFormat(name string) (ColorFormat, error) {
	for f, n := range colorFormatNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown color format %q", name)
}

// Compressed buffer alignment (UBWC-style tiling).
const (
	compressedWidthAlign  = 128
	compressedHeightAlign = 32
	metaPlaneAlign        = 4096
)

// BufferSize returns the byte size of one buffer with the given geometry.
// Compressed buffers are tile-aligned and carry an extra metadata plane.
func BufferSize(width, height int, format ColorFormat, compressed bool) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	w, h := width, height
	if compressed {
		w = alignUp(w, compressedWidthAlign)
		h = alignUp(h, compressedHeightAlign)
	}

	var size int
	switch format {
	case ColorFormatNV12, ColorFormatNV21:
		size = w * h * 3 / 2
	case ColorFormatP010:
		size = w * h * 3
	case ColorFormatRGBA8888:
		size = w * h * 4
	case ColorFormatRGB888:
		size = w * h * 3
	case ColorFormatYUYV:
		size = w * h * 2
	default:
		return 0
	}

	if compressed {
		meta := ((w + 15) / 16) * ((h + 3) / 4)
		size += alignUp(meta, metaPlaneAlign)
	}
	return size
}

func alignUp(v, align int) int {
	return (v + align - 1) / align * align
}

package sideband

import (
	"fmt"
	"math"
)

// Descriptor is the typed form of a sideband native handle. The legacy
// fixed-offset layout only exists at the boundary, through Encode and
// DecodeDescriptor.
type Descriptor struct {
	ID              int32
	PID             int32
	Width           int
	Height          int
	ColorFormat     ColorFormat
	CompressedUsage int
	BufferCount     int
	QueueDepth      int

	// BufferFds holds one fd per buffer; unused slots are -1.
	BufferFds [MaxBuffers]int
	// MetaFd refers to the shared color-data region, or -1.
	MetaFd int
}

// Integer field offsets after the magic, pid and id words.
const (
	widthOffset = 3 + iota
	heightOffset
	formatOffset
	compressedOffset
	bufferCountOffset
	queueDepthOffset
)

// NewDescriptor returns a descriptor with every fd slot unset.
func NewDescriptor() Descriptor {
	d := Descriptor{MetaFd: -1}
	for i := range d.BufferFds {
		d.BufferFds[i] = -1
	}
	return d
}

// Check verifies the descriptor fields are internally consistent and fit the
// 32-bit words of the native handle.
func (d Descriptor) Check() error {
	switch {
	case d.Width <= 0 || d.Height <= 0:
		return fmt.Errorf("invalid geometry %dx%d", d.Width, d.Height)
	case d.Width > math.MaxInt32 || d.Height > math.MaxInt32:
		return fmt.Errorf("geometry %dx%d exceeds %d", d.Width, d.Height, math.MaxInt32)
	case d.CompressedUsage < math.MinInt32 || d.CompressedUsage > math.MaxInt32:
		return fmt.Errorf("compressed usage %d out of range", d.CompressedUsage)
	case !d.ColorFormat.Valid():
		return fmt.Errorf("invalid color format %d", d.ColorFormat)
	// Every format takes at least a byte per pixel, so this also keeps
	// BufferSize from overflowing.
	case uint64(d.Width)*uint64(d.Height) > math.MaxInt32 || d.BufferSize() > math.MaxInt32:
		return fmt.Errorf("buffer size of %dx%d %s exceeds %d bytes", d.Width, d.Height, d.ColorFormat, math.MaxInt32)
	case d.BufferCount <= 0 || d.BufferCount > MaxBuffers:
		return fmt.Errorf("buffer count %d outside 1..%d", d.BufferCount, MaxBuffers)
	case d.QueueDepth <= 0 || d.QueueDepth > d.BufferCount:
		return fmt.Errorf("queue depth %d outside 1..%d", d.QueueDepth, d.BufferCount)
	}
	return nil
}

// BufferSize returns the size of each buffer described by d.
func (d Descriptor) BufferSize() int {
	return BufferSize(d.Width, d.Height, d.ColorFormat, d.CompressedUsage != 0)
}

// Encode lays the descriptor out as a native handle.
func (d Descriptor) Encode() *NativeHandle {
	h := NewNativeHandle()
	fds := h.Fds()
	for i, fd := range d.BufferFds {
		fds[i] = int32(fd)
	}
	fds[MetadataFd] = int32(d.MetaFd)

	ints := h.Ints()
	ints[magicOffset] = Magic
	ints[pidOffset] = d.PID
	ints[idOffset] = d.ID
	ints[widthOffset] = int32(d.Width)
	ints[heightOffset] = int32(d.Height)
	ints[formatOffset] = int32(d.ColorFormat)
	ints[compressedOffset] = int32(d.CompressedUsage)
	ints[bufferCountOffset] = int32(d.BufferCount)
	ints[queueDepthOffset] = int32(d.QueueDepth)
	return h
}

// DecodeDescriptor validates h and converts it to a Descriptor.
func DecodeDescriptor(h *NativeHandle) (Descriptor, error) {
	if err := Validate(h); err != nil {
		return Descriptor{}, err
	}
	d := NewDescriptor()
	fds := h.Fds()
	for i := range d.BufferFds {
		d.BufferFds[i] = int(fds[i])
	}
	d.MetaFd = int(fds[MetadataFd])

	ints := h.Ints()
	d.PID = ints[pidOffset]
	d.ID = ints[idOffset]
	d.Width = int(ints[widthOffset])
	d.Height = int(ints[heightOffset])
	d.ColorFormat = ColorFormat(ints[formatOffset])
	d.CompressedUsage = int(ints[compressedOffset])
	d.BufferCount = int(ints[bufferCountOffset])
	d.QueueDepth = int(ints[queueDepthOffset])

	if err := d.Check(); err != nil {
		return Descriptor{}, newErrorCause(StatusInvalid, "decode", "inconsistent descriptor", err)
	}
	return d, nil
}

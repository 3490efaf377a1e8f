package sideband

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

// Native handle ABI constants. Producer and consumer builds must agree on all of them.
const (
	// HeaderSize is the byte size of the native handle header (version, numFds, numInts).
	HeaderSize = 3 * 4

	NumFds  = 7
	NumInts = 9
	Magic   = 0x53424e48 // "SBNH"

	MaxBuffers  = NumFds - 1
	MetadataFd  = NumFds - 1
	magicOffset = 0
	pidOffset   = 1
	idOffset    = 2
)

// NativeHandle mirrors the platform native handle: a header followed by NumFds
// file descriptors and NumInts integers in Data.
type NativeHandle struct {
	Version int32
	NumFds  int32
	NumInts int32
	Data    []int32
}

// NewNativeHandle allocates an empty handle with the sideband layout.
func NewNativeHandle() *NativeHandle {
	h := &NativeHandle{
		Version: HeaderSize,
		NumFds:  NumFds,
		NumInts: NumInts,
		Data:    make([]int32, NumFds+NumInts),
	}
	for i := 0; i < NumFds; i++ {
		h.Data[i] = -1
	}
	return h
}

// Fds returns the file descriptor slots of the handle.
func (h *NativeHandle) Fds() []int32 {
	return h.Data[:h.NumFds]
}

// Ints returns the integer fields of the handle.
func (h *NativeHandle) Ints() []int32 {
	return h.Data[h.NumFds : h.NumFds+h.NumInts]
}

// Clone returns a deep copy of the handle.
func (h *NativeHandle) Clone() *NativeHandle {
	c := *h
	c.Data = append([]int32(nil), h.Data...)
	return &c
}

// Validate checks that h is structurally a sideband handle. It never panics and
// callers must not use h further when it returns an error.
func Validate(h *NativeHandle) error {
	if err := validate(h); err != nil {
		slog.With("component", "sideband").Debug("invalid sideband handle", "error", err)
		return err
	}
	return nil
}

func validate(h *NativeHandle) error {
	switch {
	case h == nil:
		return newError(StatusInvalid, "validate", "nil handle")
	case h.Version != HeaderSize:
		return newError(StatusInvalid, "validate", fmt.Sprintf("version %d, want %d", h.Version, HeaderSize))
	case h.NumFds != NumFds:
		return newError(StatusInvalid, "validate", fmt.Sprintf("numFds %d, want %d", h.NumFds, NumFds))
	case h.NumInts != NumInts:
		return newError(StatusInvalid, "validate", fmt.Sprintf("numInts %d, want %d", h.NumInts, NumInts))
	case len(h.Data) != NumFds+NumInts:
		return newError(StatusInvalid, "validate", fmt.Sprintf("data length %d, want %d", len(h.Data), NumFds+NumInts))
	case uint32(h.Data[NumFds+magicOffset]) != Magic:
		return newError(StatusInvalid, "validate", fmt.Sprintf("bad magic 0x%08x", uint32(h.Data[NumFds+magicOffset])))
	}
	return nil
}

// HandleID returns the sideband handle id embedded in h, which must have
// passed Validate.
func HandleID(h *NativeHandle) int32 {
	return h.Data[h.NumFds+idOffset]
}

// MarshalBinary encodes the handle as little-endian int32 words: the header
// followed by Data. Fd values are carried verbatim; transports that move real
// descriptors replace them on receipt.
func (h *NativeHandle) MarshalBinary() ([]byte, error) {
	if int(h.NumFds+h.NumInts) != len(h.Data) {
		return nil, newError(StatusInvalid, "marshal", "data length does not match header")
	}
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+4*len(h.Data)))
	header := [3]int32{h.Version, h.NumFds, h.NumInts}
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a handle produced by MarshalBinary. Only the framing
// is checked here; Validate decides whether it is a sideband handle.
func (h *NativeHandle) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var header [3]int32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return newErrorCause(StatusInvalid, "unmarshal", "short header", err)
	}
	numFds, numInts := header[1], header[2]
	if numFds < 0 || numInts < 0 || numFds > 1024 || numInts > 1024 {
		return newError(StatusInvalid, "unmarshal", fmt.Sprintf("implausible counts fds=%d ints=%d", numFds, numInts))
	}
	payload := make([]int32, numFds+numInts)
	if err := binary.Read(r, binary.LittleEndian, payload); err != nil {
		return newErrorCause(StatusInvalid, "unmarshal", "short payload", err)
	}
	if r.Len() != 0 {
		return newError(StatusInvalid, "unmarshal", fmt.Sprintf("%d trailing bytes", r.Len()))
	}
	h.Version, h.NumFds, h.NumInts = header[0], numFds, numInts
	h.Data = payload
	return nil
}

// WriteTo writes the marshaled handle to w.
func (h *NativeHandle) WriteTo(w io.Writer) (int64, error) {
	data, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

func newErrorCause(code Status, op, message string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: message, Cause: cause}
}

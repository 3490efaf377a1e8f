package sideband

import (
	"bytes"
	"errors"
	"testing"
)

func validHandle() *NativeHandle {
	d := NewDescriptor()
	d.ID = 7
	d.PID = 100
	d.Width = 1280
	d.Height = 768
	d.BufferCount = 4
	d.QueueDepth = 3
	return d.Encode()
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *NativeHandle) *NativeHandle
		ok     bool
	}{
		{"valid", func(h *NativeHandle) *NativeHandle { return h }, true},
		{"nil", func(*NativeHandle) *NativeHandle { return nil }, false},
		{"wrong version", func(h *NativeHandle) *NativeHandle { h.Version = 16; return h }, false},
		{"six fds", func(h *NativeHandle) *NativeHandle {
			h.NumFds = 6
			h.Data = h.Data[1:]
			return h
		}, false},
		{"ten ints", func(h *NativeHandle) *NativeHandle {
			h.NumInts = 10
			h.Data = append(h.Data, 0)
			return h
		}, false},
		{"bad magic", func(h *NativeHandle) *NativeHandle { h.Data[NumFds] = 0x12345678; return h }, false},
		{"short data", func(h *NativeHandle) *NativeHandle { h.Data = h.Data[:4]; return h }, false},
		{"empty data", func(h *NativeHandle) *NativeHandle { h.Data = nil; return h }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.mutate(validHandle()))
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrInvalidHandle) {
					t.Errorf("error %v does not match ErrInvalidHandle", err)
				}
				if StatusOf(err) != StatusInvalid {
					t.Errorf("StatusOf() = %v, want EINVAL", StatusOf(err))
				}
			}
		})
	}
}

func TestHandleID(t *testing.T) {
	h := validHandle()
	if got := HandleID(h); got != 7 {
		t.Errorf("HandleID() = %d, want 7", got)
	}
	if h.Data[h.NumFds+2] != 7 {
		t.Errorf("id not stored at numFds+2")
	}
}

func TestNewNativeHandleFdsUnset(t *testing.T) {
	h := NewNativeHandle()
	for i, fd := range h.Fds() {
		if fd != -1 {
			t.Errorf("fd slot %d = %d, want -1", i, fd)
		}
	}
	if len(h.Ints()) != NumInts {
		t.Errorf("len(Ints()) = %d, want %d", len(h.Ints()), NumInts)
	}
}

func TestNativeHandleBinary(t *testing.T) {
	h := validHandle()
	data, err := h.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != HeaderSize+4*(NumFds+NumInts) {
		t.Fatalf("encoded length = %d", len(data))
	}

	var got NativeHandle
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if err := Validate(&got); err != nil {
		t.Fatalf("decoded handle invalid: %v", err)
	}

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("WriteTo output differs from MarshalBinary")
	}
}

func TestNativeHandleUnmarshalRejectsGarbage(t *testing.T) {
	tests := map[string][]byte{
		"empty":    nil,
		"header":   {12, 0, 0, 0, 7, 0, 0, 0},
		"huge":     {12, 0, 0, 0, 0xff, 0xff, 0, 0, 9, 0, 0, 0},
		"negative": {12, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 9, 0, 0, 0},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			var h NativeHandle
			if err := h.UnmarshalBinary(data); err == nil {
				t.Error("expected error")
			}
		})
	}

	data, _ := validHandle().MarshalBinary()
	var h NativeHandle
	if err := h.UnmarshalBinary(append(data, 1)); err == nil {
		t.Error("expected error for trailing bytes")
	}
}

func TestCloneIsDeep(t *testing.T) {
	h := validHandle()
	c := h.Clone()
	c.Data[NumFds+idOffset] = 99
	if HandleID(h) != 7 {
		t.Error("Clone shares data with original")
	}
}

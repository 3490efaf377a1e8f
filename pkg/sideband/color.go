package sideband

import (
	"encoding/binary"
	"math"
)

// ColorData is per-frame color adjustment metadata sent from producer to consumer.
type ColorData struct {
	Flags      uint32  `json:"flags" toml:"flags"`
	Hue        float32 `json:"hue" toml:"hue"`
	Saturation float32 `json:"saturation" toml:"saturation"`
	ToneCb     float32 `json:"tone_cb" toml:"tone_cb"`
	ToneCr     float32 `json:"tone_cr" toml:"tone_cr"`
	Contrast   float32 `json:"contrast" toml:"contrast"`
	Brightness float32 `json:"brightness" toml:"brightness"`
}

// ColorDataSize is the encoded size of ColorData.
const ColorDataSize = 7 * 4

// MarshalBinary encodes c as seven little-endian 32-bit words.
func (c ColorData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ColorDataSize)
	binary.LittleEndian.PutUint32(buf[0:], c.Flags)
	for i, v := range []float32{c.Hue, c.Saturation, c.ToneCb, c.ToneCr, c.Contrast, c.Brightness} {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(v))
	}
	return buf, nil
}

// UnmarshalBinary decodes a value written by MarshalBinary.
func (c *ColorData) UnmarshalBinary(data []byte) error {
	if len(data) < ColorDataSize {
		return newError(StatusInvalid, "color", "short color data")
	}
	f := func(i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	*c = ColorData{
		Flags:      binary.LittleEndian.Uint32(data[0:]),
		Hue:        f(0),
		Saturation: f(1),
		ToneCb:     f(2),
		ToneCr:     f(3),
		Contrast:   f(4),
		Brightness: f(5),
	}
	return nil
}

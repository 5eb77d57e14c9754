package quant

import "fmt"

// Channels holds one Params per slice along the leading axis of a tensor,
// the output channel of a kernel. Every entry shares bits and method; the
// symmetric schemes also share signedness.
type Channels []Params

// Validate checks every channel and that they agree on the grid shape.
func (c Channels) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalidParams)
	}
	for i, p := range c {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
		mixed := p.Method != Uniform && p.Signed != c[0].Signed
		if p.Bits != c[0].Bits || p.Method != c[0].Method || mixed {
			return fmt.Errorf("%w: channel %d is %s, channel 0 is %s", ErrInvalidParams, i, p, c[0])
		}
	}
	return nil
}

// Bits is the shared bit-width, zero when empty.
func (c Channels) Bits() int {
	if len(c) == 0 {
		return 0
	}
	return c[0].Bits
}

// Thresholds returns the per-channel thresholds.
func (c Channels) Thresholds() []float64 {
	out := make([]float64, len(c))
	for i, p := range c {
		out[i] = p.Threshold
	}
	return out
}

// FakeQuantSlice fake-quantizes src into dst, which may alias. len(src) must
// be a multiple of len(c); channel i covers the i-th contiguous block.
func (c Channels) FakeQuantSlice(dst, src []float64) {
	per := len(src) / len(c)
	for i, p := range c {
		p.FakeQuantSlice(dst[i*per:(i+1)*per], src[i*per:(i+1)*per])
	}
}

// Encode returns the integer codes of data, channel by channel.
func (c Channels) Encode(data []float64) []int32 {
	out := make([]int32, 0, len(data))
	per := len(data) / len(c)
	for i, p := range c {
		out = append(out, p.Encode(data[i*per:(i+1)*per])...)
	}
	return out
}

// Clone returns a copy that shares no backing array with c.
func (c Channels) Clone() Channels {
	if c == nil {
		return nil
	}
	return append(Channels(nil), c...)
}

// Package codec converts G.711 mu-law telephony audio to and from 16-bit
// little-endian linear PCM. All functions are stateless.
package codec

import (
	"encoding/binary"
	"errors"
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var (
	// ErrEmptyFrame is returned for zero-length input.
	ErrEmptyFrame = errors.New("codec: empty frame")
	// ErrOddLength is returned when a PCM buffer does not hold whole 16-bit samples.
	ErrOddLength = errors.New("codec: odd-length pcm buffer")
)

// DecodeSample expands one mu-law byte to a linear sample.
func DecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	// the encoder adds mulawBias before picking the segment; remove it here
	// so code 0xFF decodes to 0 and the peak is 32124 as in G.711
	value := ((int32(mantissa) << 3) + mulawBias) << exponent
	value -= mulawBias
	if sign != 0 {
		value = -value
	}
	return clamp16(value)
}

// EncodeSample compresses one linear sample to mu-law.
func EncodeSample(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// MulawToLinear16 decodes mu-law bytes into little-endian 16-bit PCM.
func MulawToLinear16(mulaw []byte) ([]byte, error) {
	if len(mulaw) == 0 {
		return nil, ErrEmptyFrame
	}
	out := make([]byte, len(mulaw)*2)
	for i, u := range mulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(DecodeSample(u)))
	}
	return out, nil
}

// Linear16ToMulaw encodes little-endian 16-bit PCM into mu-law bytes.
func Linear16ToMulaw(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = EncodeSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

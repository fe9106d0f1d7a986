package codec

import (
	"encoding/binary"
	"errors"
)

// ErrSampleRate is returned for non-positive sample rates.
var ErrSampleRate = errors.New("codec: invalid sample rate")

// Resample converts mono 16-bit little-endian PCM between sample rates using
// linear interpolation. Equal rates return the input unchanged.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, ErrSampleRate
	}
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	if fromRate == toRate || len(pcm) == 0 {
		return pcm, nil
	}

	in := len(pcm) / 2
	n := in * toRate / fromRate
	if n == 0 {
		n = 1
	}
	out := make([]byte, n*2)
	step := float64(fromRate) / float64(toRate)

	for i := 0; i < n; i++ {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= in-1 {
			copy(out[i*2:], pcm[(in-1)*2:in*2])
			continue
		}
		frac := pos - float64(idx)
		a := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		b := float64(int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:])))
		v := a + (b-a)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16(int32(v))))
	}
	return out, nil
}

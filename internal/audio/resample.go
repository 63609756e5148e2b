package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// TargetSampleRate is the fixed rate audio crosses the wire at, both
// directions, mono linear PCM.
const TargetSampleRate = 16000

// resampleNearest converts samples between rates by linear nearest-index
// interpolation: output sample i takes input sample floor(i * src/dst). This
// is not bandlimited; for speech the aliasing is an accepted tradeoff for a
// dependency-free, allocation-light hot path.
func resampleNearest(in []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	n := len(in) * dstRate / srcRate
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		idx := int(float64(i) * ratio)
		if idx >= len(in) {
			idx = len(in) - 1
		}
		out[i] = in[idx]
	}
	return out
}

// quantize converts float samples in [-1, 1] to signed 16-bit PCM, clamping
// out-of-range values before quantization.
func quantize(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// encodePCM serializes samples as little-endian 16-bit PCM and base64-encodes
// the result.
func encodePCM(samples []int16) string {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// decodePCM reverses encodePCM
func decodePCM(data string) ([]int16, error) {
	buf, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio chunk: %w", err)
	}
	if len(buf)%2 != 0 {
		return nil, fmt.Errorf("audio chunk has odd byte count %d", len(buf))
	}
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	return samples, nil
}

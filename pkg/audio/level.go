package audio

import (
	"encoding/binary"
)

// Level computes the mean absolute amplitude of a frame of signed 16-bit
// little-endian samples. Used for silence detection and quality monitoring.
func Level(frame []byte) float64 {
	sampleCount := len(frame) / 2
	if sampleCount == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < sampleCount; i++ {
		sample := int16(binary.LittleEndian.Uint16(frame[i*2:]))
		if sample < 0 {
			// abs of math.MinInt16 stays in range as float64
			sum -= float64(sample)
		} else {
			sum += float64(sample)
		}
	}

	return sum / float64(sampleCount)
}

// Normalize peak-normalizes signed 16-bit little-endian PCM so the loudest
// sample reaches full scale. Pure silence is returned unchanged, preserving
// zeros. The input is not modified.
func Normalize(pcm []byte) []byte {
	sampleCount := len(pcm) / 2
	if sampleCount == 0 {
		return pcm
	}

	var peak int32
	for i := 0; i < sampleCount; i++ {
		sample := int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if sample < 0 {
			sample = -sample
		}
		if sample > peak {
			peak = sample
		}
	}

	if peak == 0 {
		return pcm
	}

	scale := 32767.0 / float64(peak)
	out := make([]byte, len(pcm))
	copy(out, pcm)

	for i := 0; i < sampleCount; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		scaled := int32(float64(sample) * scale)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(scaled)))
	}

	return out
}

// IsSilence reports whether a level is below the given threshold.
func IsSilence(level, threshold float64) bool {
	return level < threshold
}

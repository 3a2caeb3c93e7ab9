package capture

import (
	"encoding/binary"
	"math"
)

// LevelData describes the loudness of a window of captured samples.
type LevelData struct {
	Level    int  // 0-100
	Clipping bool
}

// CalculateLevel computes a 0-100 loudness indicator and a clipping flag
// from a window of raw samples in the given format.
func CalculateLevel(samples []byte, format SampleFormat) LevelData {
	if len(samples) == 0 {
		return LevelData{}
	}

	var sum, maxSample float64
	var sampleCount int
	isClipping := false

	switch format {
	case FormatU8:
		sampleCount = len(samples)
		for _, b := range samples {
			// center 8-bit unsigned samples around zero
			v := math.Abs(float64(int(b) - 128))
			sum += v * v
			if v > maxSample {
				maxSample = v
			}
			if b == 0 || b == 255 {
				isClipping = true
			}
		}
		// rescale to the 16-bit range so the dB math below applies
		sum *= 256 * 256
	default:
		sampleCount = len(samples) / 2
		if sampleCount == 0 {
			return LevelData{}
		}
		for i := 0; i+1 < len(samples); i += 2 {
			sample := int16(binary.LittleEndian.Uint16(samples[i : i+2]))
			v := math.Abs(float64(sample))
			sum += v * v
			if v > maxSample {
				maxSample = v
			}
			if sample == math.MaxInt16 || sample == math.MinInt16 {
				isClipping = true
			}
		}
	}

	rms := math.Sqrt(sum / float64(sampleCount))
	db := 20 * math.Log10(rms/32768.0)

	// Map roughly -60..-10 dB onto 0..100.
	scaled := (db + 60) * (100.0 / 50.0)
	if isClipping {
		scaled = math.Max(scaled, 95)
	}
	if scaled < 0 {
		scaled = 0
	} else if scaled > 100 {
		scaled = 100
	}

	return LevelData{Level: int(scaled), Clipping: isClipping}
}

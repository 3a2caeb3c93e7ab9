package capture

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateLevelSilence(t *testing.T) {
	t.Parallel()

	got := CalculateLevel(make([]byte, 512), FormatS16LE)
	assert.Equal(t, 0, got.Level)
	assert.False(t, got.Clipping)
}

func TestCalculateLevelEmpty(t *testing.T) {
	t.Parallel()

	got := CalculateLevel(nil, FormatS16LE)
	assert.Equal(t, LevelData{}, got)
}

func TestCalculateLevelFullScaleClips(t *testing.T) {
	t.Parallel()

	samples := make([]byte, 256)
	for i := 0; i+1 < len(samples); i += 2 {
		binary.LittleEndian.PutUint16(samples[i:], uint16(int16(math.MaxInt16)))
	}
	got := CalculateLevel(samples, FormatS16LE)
	assert.True(t, got.Clipping)
	assert.GreaterOrEqual(t, got.Level, 95)
}

func TestCalculateLevelMidTone(t *testing.T) {
	t.Parallel()

	samples := make([]byte, 512)
	for i := 0; i+1 < len(samples); i += 2 {
		binary.LittleEndian.PutUint16(samples[i:], uint16(int16(8000)))
	}
	got := CalculateLevel(samples, FormatS16LE)
	assert.False(t, got.Clipping)
	assert.Greater(t, got.Level, 0)
	assert.Less(t, got.Level, 100)
}

func TestCalculateLevelU8(t *testing.T) {
	t.Parallel()

	quiet := make([]byte, 256)
	for i := range quiet {
		quiet[i] = 128
	}
	got := CalculateLevel(quiet, FormatU8)
	assert.False(t, got.Clipping)

	loud := make([]byte, 256)
	for i := range loud {
		loud[i] = 255
	}
	got = CalculateLevel(loud, FormatU8)
	assert.True(t, got.Clipping)
}

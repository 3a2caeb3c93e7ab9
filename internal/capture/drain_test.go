package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamBufferRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := NewStreamBuffer("test", 1024)
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4, 5}
	require.NoError(t, b.Write(data))
	assert.Equal(t, 5, b.Length())

	out := make([]byte, 8)
	n, err := b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, data, out[:n])
	assert.Equal(t, 0, b.Length())
}

func TestStreamBufferEmptyRead(t *testing.T) {
	t.Parallel()

	b, err := NewStreamBuffer("test", 64)
	require.NoError(t, err)

	n, err := b.Read(make([]byte, 16))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStreamBufferOverflowReported(t *testing.T) {
	t.Parallel()

	b, err := NewStreamBuffer("test", 16)
	require.NoError(t, err)
	require.NoError(t, b.Write(make([]byte, 16)))

	err = b.Write(make([]byte, 8))
	assert.Error(t, err, "data that never fits is dropped and reported")
}

func TestStreamBufferInvalidCapacity(t *testing.T) {
	t.Parallel()

	_, err := NewStreamBuffer("test", 0)
	assert.Error(t, err)
}

func TestStreamBufferReset(t *testing.T) {
	t.Parallel()

	b, err := NewStreamBuffer("test", 64)
	require.NoError(t, err)
	require.NoError(t, b.Write(make([]byte, 32)))
	b.Reset()
	assert.Zero(t, b.Length())
}

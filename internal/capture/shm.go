package capture

import (
	"encoding/binary"

	"github.com/osaudio/capture-go/internal/errors"
)

// The control block is exchanged between processes as a fixed-layout
// little-endian region: a 32-byte header followed by the ring payload.
// Any layout mismatch between producer and consumer is a fatal setup
// error, never retried.
const (
	regionMagic      uint32 = 0x4b4c4243 // "CBLK"
	regionVersion    uint32 = 1
	regionHeaderSize        = 32
)

// Header field offsets.
const (
	offMagic      = 0
	offVersion    = 4
	offFrameCount = 8
	offFrameSize  = 12
	offSampleRate = 16
	// bytes 20..31 reserved
)

// Region is a mapped shared-memory region backing a control block's ring.
type Region struct {
	raw []byte
}

// NewRegion allocates a region for a ring of frameCount frames of
// frameSize bytes and writes its header.
func NewRegion(frameCount, frameSize, sampleRate uint32) (*Region, error) {
	if frameCount == 0 || frameSize == 0 {
		return nil, errors.Newf("invalid ring geometry: frameCount=%d frameSize=%d", frameCount, frameSize).
			Component("capture").
			Category(errors.CategorySharedMemory).
			Context("operation", "new_region").
			Build()
	}

	size := regionHeaderSize + int(frameCount)*int(frameSize)
	r := &Region{raw: make([]byte, size)}
	binary.LittleEndian.PutUint32(r.raw[offMagic:], regionMagic)
	binary.LittleEndian.PutUint32(r.raw[offVersion:], regionVersion)
	binary.LittleEndian.PutUint32(r.raw[offFrameCount:], frameCount)
	binary.LittleEndian.PutUint32(r.raw[offFrameSize:], frameSize)
	binary.LittleEndian.PutUint32(r.raw[offSampleRate:], sampleRate)
	return r, nil
}

// MapRegion validates a raw mapping received from the producer process and
// wraps it as a Region. The payload must exactly hold the advertised ring.
func MapRegion(raw []byte) (*Region, error) {
	if len(raw) < regionHeaderSize {
		return nil, errors.Newf("shared region too small: %d bytes", len(raw)).
			Component("capture").
			Category(errors.CategorySharedMemory).
			Context("operation", "map_region").
			Build()
	}

	r := &Region{raw: raw}
	if got := binary.LittleEndian.Uint32(raw[offMagic:]); got != regionMagic {
		return nil, errors.Newf("shared region magic mismatch: got %#x, want %#x", got, regionMagic).
			Component("capture").
			Category(errors.CategorySharedMemory).
			Context("operation", "map_region").
			Build()
	}
	if got := binary.LittleEndian.Uint32(raw[offVersion:]); got != regionVersion {
		return nil, errors.Newf("shared region version mismatch: got %d, want %d", got, regionVersion).
			Component("capture").
			Category(errors.CategorySharedMemory).
			Context("operation", "map_region").
			Context("version", got).
			Build()
	}

	want := regionHeaderSize + int(r.FrameCount())*int(r.FrameSize())
	if len(raw) != want {
		return nil, errors.Newf("shared region size mismatch: got %d bytes, want %d", len(raw), want).
			Component("capture").
			Category(errors.CategorySharedMemory).
			Context("operation", "map_region").
			Context("frame_count", r.FrameCount()).
			Context("frame_size", r.FrameSize()).
			Build()
	}
	if r.FrameCount() == 0 || r.FrameSize() == 0 {
		return nil, errors.Newf("shared region advertises empty ring").
			Component("capture").
			Category(errors.CategorySharedMemory).
			Context("operation", "map_region").
			Build()
	}

	return r, nil
}

// FrameCount returns the ring capacity in frames.
func (r *Region) FrameCount() uint32 {
	return binary.LittleEndian.Uint32(r.raw[offFrameCount:])
}

// FrameSize returns the size of one frame in bytes.
func (r *Region) FrameSize() uint32 {
	return binary.LittleEndian.Uint32(r.raw[offFrameSize:])
}

// SampleRate returns the stream sample rate in Hz.
func (r *Region) SampleRate() uint32 {
	return binary.LittleEndian.Uint32(r.raw[offSampleRate:])
}

// Payload returns the ring storage following the header.
func (r *Region) Payload() []byte {
	return r.raw[regionHeaderSize:]
}

// Bytes returns the raw region, header included, for handing to another
// process.
func (r *Region) Bytes() []byte {
	return r.raw
}

package conf

// Log rotation strategies.
const (
	RotationDaily  = "daily"
	RotationWeekly = "weekly"
	RotationSize   = "size"
)

// Default capture stream parameters.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 1
	DefaultBitDepth   = 16
)

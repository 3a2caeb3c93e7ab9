package capture

import (
	"log/slog"

	"github.com/osaudio/capture-go/internal/logging"
)

// getLogger returns the capture package logger, falling back to the default
// slog logger when logging has not been initialized (tests, library use).
func getLogger() *slog.Logger {
	if l := logging.ForService("capture"); l != nil {
		return l
	}
	return slog.Default().With("service", "capture")
}

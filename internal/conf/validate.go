package conf

import (
	"github.com/osaudio/capture-go/internal/errors"
)

// ValidateSettings checks the loaded configuration for invalid values.
func ValidateSettings(settings *Settings) error {
	if err := validateCaptureSettings(&settings.Capture); err != nil {
		return err
	}
	return validateLogSettings(&settings.Main.Log)
}

func validateCaptureSettings(c *CaptureSettings) error {
	if c.SampleRate <= 0 {
		return errors.Newf("invalid sample rate: %d Hz, must be greater than 0", c.SampleRate).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("setting", "capture.samplerate").
			Build()
	}
	if c.Channels <= 0 || c.Channels > 8 {
		return errors.Newf("invalid channel count: %d, must be between 1 and 8", c.Channels).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("setting", "capture.channels").
			Build()
	}
	if c.BitDepth != 8 && c.BitDepth != 16 {
		return errors.Newf("invalid bit depth: %d, must be 8 or 16", c.BitDepth).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("setting", "capture.bitdepth").
			Build()
	}
	if c.FrameCount < 0 {
		return errors.Newf("invalid frame count: %d, must not be negative", c.FrameCount).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("setting", "capture.framecount").
			Build()
	}
	if c.NotificationFrames < 0 {
		return errors.Newf("invalid notification frames: %d, must not be negative", c.NotificationFrames).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("setting", "capture.notificationframes").
			Build()
	}
	return validateTimeoutSettings(&c.Timeouts)
}

func validateTimeoutSettings(t *TimeoutSettings) error {
	for name, v := range map[string]int{
		"waitquantumms":      t.WaitQuantumMs,
		"runtimeoutms":       t.RunTimeoutMs,
		"startuptimeoutms":   t.StartupTimeoutMs,
		"syncstarttimeoutms": t.SyncStartTimeoutMs,
		"restoretimeoutms":   t.RestoreTimeoutMs,
	} {
		if v < 0 {
			return errors.Newf("invalid timeout %s: %d ms, must not be negative", name, v).
				Component("conf").
				Category(errors.CategoryValidation).
				Context("setting", "capture.timeouts."+name).
				Build()
		}
	}
	return nil
}

func validateLogSettings(l *LogConfig) error {
	if !l.Enabled {
		return nil
	}
	if l.Path == "" {
		return errors.Newf("log path must not be empty when file logging is enabled").
			Component("conf").
			Category(errors.CategoryValidation).
			Context("setting", "main.log.path").
			Build()
	}
	switch l.Rotation {
	case RotationDaily, RotationWeekly, RotationSize:
	default:
		return errors.Newf("invalid log rotation: %q", l.Rotation).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("setting", "main.log.rotation").
			Build()
	}
	return nil
}

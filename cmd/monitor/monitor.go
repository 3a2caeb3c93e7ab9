// Package monitor implements the live capture monitoring command.
package monitor

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/osaudio/capture-go/internal/capture"
	"github.com/osaudio/capture-go/internal/conf"
	"github.com/osaudio/capture-go/internal/logging"
	"github.com/osaudio/capture-go/internal/observability/metrics"
)

// Command returns the monitor subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		tone     float64
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Attach a capture session and report level, position and overruns",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMonitor(settings, tone, duration)
		},
	}
	cmd.Flags().Float64Var(&tone, "tone", 0, "Use the internal tone generator at this frequency instead of a device")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this duration, 0 runs until interrupted")
	return cmd
}

func runMonitor(settings *conf.Settings, tone float64, duration time.Duration) error {
	logger := logging.ForService("monitor")
	if logger == nil {
		logger = slog.Default()
	}
	var closeFileLogger func() error
	if settings.Main.Log.Enabled {
		fileLogger, closeFn, err := logging.NewFileLogger(settings.Main.Log.Path, "monitor", slog.LevelInfo, &settings.Main.Log)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logger = fileLogger
		closeFileLogger = closeFn
	}
	if closeFileLogger != nil {
		defer closeFileLogger() //nolint:errcheck
	}

	var svc capture.Service
	if tone > 0 {
		loop := capture.NewLoopbackService(tone)
		defer loop.Close() //nolint:errcheck
		svc = loop
	} else {
		dev := capture.NewDeviceService(settings.Debug)
		defer dev.Close() //nolint:errcheck
		svc = dev
	}

	registry := prometheus.NewRegistry()
	mets, err := metrics.NewCaptureMetrics(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	format := capture.FormatS16LE
	if settings.Capture.BitDepth == 8 {
		format = capture.FormatU8
	}
	params := capture.StreamParams{
		SampleRate: uint32(settings.Capture.SampleRate),
		Format:     format,
		Channels:   uint32(settings.Capture.Channels),
		FrameCount: uint32(settings.Capture.FrameCount),
		Source:     settings.Capture.Source,
	}

	// one second of decoupling buffer between the worker and the reporter
	drain, err := capture.NewStreamBuffer("monitor", int(params.SampleRate*params.FrameSize()))
	if err != nil {
		return err
	}

	var lastLevel atomic.Int64
	var clipping atomic.Bool
	callbacks := &capture.Callbacks{
		OnMoreData: func(buf *capture.Buffer) int {
			if err := drain.Write(buf.Data); err != nil {
				logger.Warn("drain buffer rejected data", "error", err)
			}
			level := capture.CalculateLevel(buf.Data, buf.Format)
			lastLevel.Store(int64(level.Level))
			clipping.Store(level.Clipping)
			return int(buf.Size)
		},
		OnNewPos: func(pos uint32) {
			logger.Info("capture progress",
				"position_frames", pos,
				"level", lastLevel.Load(),
				"clipping", clipping.Load())
		},
		OnOverrun: func() {
			logger.Warn("capture overrun, application too slow")
		},
	}

	session, err := capture.Open(svc, capture.Config{
		Params:             params,
		NotificationFrames: uint32(settings.Capture.NotificationFrames),
		Callbacks:          callbacks,
		Policy:             timeoutPolicy(&settings.Capture.Timeouts),
		Metrics:            mets,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer session.Close() //nolint:errcheck

	// report position once per second of audio
	if err := session.SetPositionUpdatePeriod(params.SampleRate); err != nil {
		return err
	}
	if err := session.Start(capture.SyncNone); err != nil {
		return err
	}
	logger.Info("monitoring",
		"session_id", session.ID(),
		"sample_rate", session.SampleRate(),
		"latency", session.Latency().String())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	if duration > 0 {
		select {
		case <-quit:
		case <-time.After(duration):
		}
	} else {
		<-quit
	}

	session.Stop()
	if lost := session.LostFrames(); lost > 0 {
		logger.Warn("frames lost while monitoring", "frames", lost)
	}
	logger.Info("monitor finished",
		"position_frames", session.Position(),
		"buffered_bytes", drain.Length())
	return nil
}

// timeoutPolicy maps configured millisecond values onto the session's wait
// policy; zeros keep the built-in defaults.
func timeoutPolicy(t *conf.TimeoutSettings) capture.TimeoutPolicy {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return capture.TimeoutPolicy{
		WaitQuantum:      ms(t.WaitQuantumMs),
		RunTimeout:       ms(t.RunTimeoutMs),
		StartupTimeout:   ms(t.StartupTimeoutMs),
		SyncStartTimeout: ms(t.SyncStartTimeoutMs),
		RestoreTimeout:   ms(t.RestoreTimeoutMs),
	}
}

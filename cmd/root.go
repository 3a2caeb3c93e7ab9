// Package cmd assembles the command line interface.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/osaudio/capture-go/cmd/devices"
	"github.com/osaudio/capture-go/cmd/monitor"
	"github.com/osaudio/capture-go/internal/conf"
)

// RootCommand creates the root command with subcommands attached.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "capture-go",
		Short: "Audio capture client over a shared ring buffer",
		Long: `capture-go consumes a continuous audio stream produced into a shared
ring buffer, with blocking reads or callback delivery, and transparent
recovery when the producer dies mid-stream.`,
	}

	rootCmd.AddCommand(
		devices.Command(settings),
		monitor.Command(settings),
	)

	defineGlobalFlags(rootCmd, settings)
	return rootCmd
}

// defineGlobalFlags defines flags that are shared across all commands.
func defineGlobalFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", settings.Debug, "Enable debug output")
	rootCmd.PersistentFlags().StringVarP(&settings.Capture.Source, "source", "s", settings.Capture.Source, "Capture device name or ID")
	rootCmd.PersistentFlags().IntVar(&settings.Capture.SampleRate, "rate", settings.Capture.SampleRate, "Sample rate in Hz")
	rootCmd.PersistentFlags().IntVar(&settings.Capture.Channels, "channels", settings.Capture.Channels, "Channel count")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		cobra.CheckErr(err)
	}
}

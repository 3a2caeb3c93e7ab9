package main

import (
	"log/slog"
	"os"

	"github.com/osaudio/capture-go/cmd"
	"github.com/osaudio/capture-go/internal/conf"
	"github.com/osaudio/capture-go/internal/logging"
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	logging.Init()

	settings, err := conf.Load()
	if err != nil {
		logging.Error("error loading configuration", "error", err)
		return 1
	}
	if settings.Debug {
		logging.SetLevel(slog.LevelDebug)
	}

	if err := cmd.RootCommand(settings).Execute(); err != nil {
		logging.Error("command failed", "error", err)
		return 1
	}
	return 0
}

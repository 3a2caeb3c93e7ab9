// Package conf loads and validates the application configuration.
package conf

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// LogConfig holds file logging settings.
type LogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	Rotation string `yaml:"rotation"` // daily, weekly or size
	MaxSize  int64  `yaml:"maxsize"`  // max size in bytes for size rotation
}

// MainSettings contains application-wide settings.
type MainSettings struct {
	Name string    `yaml:"name"` // node name, used to identify this client in logs
	Log  LogConfig `yaml:"log"`
}

// TimeoutSettings controls the adaptive wait policy of the capture session.
// All values are in milliseconds; zero selects the built-in default.
type TimeoutSettings struct {
	WaitQuantumMs      int `yaml:"waitquantumms"`      // short cv wait quantum
	RunTimeoutMs       int `yaml:"runtimeoutms"`       // steady-state producer health ceiling
	StartupTimeoutMs   int `yaml:"startuptimeoutms"`   // first-buffer ceiling after a plain start
	SyncStartTimeoutMs int `yaml:"syncstarttimeoutms"` // first-buffer ceiling after a synchronized start
	RestoreTimeoutMs   int `yaml:"restoretimeoutms"`   // follower wait bound during recovery
}

// CaptureSettings describes the capture stream to open.
type CaptureSettings struct {
	Source             string          `yaml:"source"` // capture device name or ID, empty for default
	SampleRate         int             `yaml:"samplerate"`
	Channels           int             `yaml:"channels"`
	BitDepth           int             `yaml:"bitdepth"`
	FrameCount         int             `yaml:"framecount"`         // ring capacity in frames, 0 = service default
	NotificationFrames int             `yaml:"notificationframes"` // callback granularity, 0 = framecount/2
	Timeouts           TimeoutSettings `yaml:"timeouts"`
}

// Settings is the root configuration structure.
type Settings struct {
	Debug   bool            `yaml:"debug"`
	Main    MainSettings    `yaml:"main"`
	Capture CaptureSettings `yaml:"capture"`
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("capture")
	viper.AutomaticEnv()

	// Set default values for each configuration parameter
	// function defined in defaults.go
	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, defaults apply
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPaths returns the config file search paths in priority order.
func GetDefaultConfigPaths() ([]string, error) {
	var paths []string

	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "capture-go"))
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "capture-go"))
	}

	// Current directory is always a valid fallback
	paths = append(paths, ".")

	if len(paths) == 0 {
		return nil, fmt.Errorf("no config paths available")
	}

	return paths, nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

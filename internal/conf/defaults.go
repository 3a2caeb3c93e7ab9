package conf

import (
	"github.com/spf13/viper"
)

// setDefaultConfig sets the default values for the configuration parameters.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	// Main settings
	viper.SetDefault("main.name", "capture-go")
	viper.SetDefault("main.log.enabled", false)
	viper.SetDefault("main.log.path", "capture.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 10*1024*1024)

	// Capture stream settings
	viper.SetDefault("capture.source", "sysdefault")
	viper.SetDefault("capture.samplerate", DefaultSampleRate)
	viper.SetDefault("capture.channels", DefaultChannels)
	viper.SetDefault("capture.bitdepth", DefaultBitDepth)
	viper.SetDefault("capture.framecount", 0)
	viper.SetDefault("capture.notificationframes", 0)

	// Timeout policy, zero values select the session defaults
	viper.SetDefault("capture.timeouts.waitquantumms", 0)
	viper.SetDefault("capture.timeouts.runtimeoutms", 0)
	viper.SetDefault("capture.timeouts.startuptimeoutms", 0)
	viper.SetDefault("capture.timeouts.syncstarttimeoutms", 0)
	viper.SetDefault("capture.timeouts.restoretimeoutms", 0)
}

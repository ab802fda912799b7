package config

import (
	"log/slog"

	"github.com/airmic/airmic/internal/discovery"
	"github.com/spf13/viper"
)

func setViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("servicetype", discovery.DefaultServiceType)
	viper.SetDefault("domain", discovery.DefaultDomain)
	viper.SetDefault("resolvetimeoutseconds", 5)
	viper.SetDefault("samplerate", 44100)
	viper.SetDefault("channels", 2)
	viper.SetDefault("sink", "portaudio")
	viper.SetDefault("wavpath", "capture.wav")
}

func LoadConfig(configFilePath string) {
	setViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Info("config file not read, using defaults", "configFilePath", configFilePath, "err", err)
		}
	}
}

package main

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything the tool needs to reach a chip.
type Config struct {
	// Transport selection
	Transport string `mapstructure:"transport"` // spidev, bridge or sim

	SpidevPath string `mapstructure:"spidev_path"`
	BridgePort string `mapstructure:"bridge_port"`
	BridgeBaud int    `mapstructure:"bridge_baud"`
	SimProfile string `mapstructure:"sim_profile"`
	SimFile    string `mapstructure:"sim_file"` // persistent backing file, empty for in-memory

	// Identification and bus behaviour
	Frequency   int64  `mapstructure:"frequency"`   // requested SPI clock in Hz, 0 for family maximum
	LegacyID    bool   `mapstructure:"legacy_id"`   // fall back to the pre-JEDEC read-ID command
	Descriptors string `mapstructure:"descriptors"` // YAML overlay with extra chip families

	// Operation behaviour
	Verify bool `mapstructure:"verify"` // read back after erase and fail on non-0xFF bytes

	LogLevel string `mapstructure:"log_level"`

	ConfigFile string `mapstructure:"-"`
}

// LoadConfig merges defaults, an optional config file and command line
// flags, in increasing priority.
func LoadConfig() (*Config, error) {
	viper.SetDefault("transport", "spidev")
	viper.SetDefault("spidev_path", "/dev/spidev0.0")
	viper.SetDefault("bridge_port", "/dev/ttyUSB0")
	viper.SetDefault("bridge_baud", 921600)
	viper.SetDefault("sim_profile", "en25q32")
	viper.SetDefault("sim_file", "")
	viper.SetDefault("frequency", 0)
	viper.SetDefault("legacy_id", false)
	viper.SetDefault("descriptors", "")
	viper.SetDefault("verify", false)
	viper.SetDefault("log_level", "info")

	pflag.StringP("config", "c", "", "Configuration file path.")
	pflag.StringP("transport", "t", viper.GetString("transport"), "Transport to use (spidev, bridge, sim).")
	pflag.StringP("spidev_path", "p", viper.GetString("spidev_path"), "Spidev device node.")
	pflag.StringP("bridge_port", "P", viper.GetString("bridge_port"), "Serial port of the SPI bridge.")
	pflag.IntP("bridge_baud", "b", viper.GetInt("bridge_baud"), "Serial port speed of the SPI bridge.")
	pflag.String("sim_profile", viper.GetString("sim_profile"), "Chip profile for the simulated transport.")
	pflag.String("sim_file", viper.GetString("sim_file"), "Backing file for the simulated transport.")
	pflag.Int64P("frequency", "f", viper.GetInt64("frequency"), "SPI clock in Hz (0 selects the family maximum).")
	pflag.BoolP("legacy_id", "l", viper.GetBool("legacy_id"), "Try the legacy read-ID command for pre-JEDEC parts.")
	pflag.StringP("descriptors", "d", viper.GetString("descriptors"), "YAML file with extra chip descriptors.")
	pflag.Bool("verify", viper.GetBool("verify"), "Verify erased regions read back as 0xFF.")
	pflag.StringP("log_level", "v", viper.GetString("log_level"), "Log verbosity level (debug, info, warn, error).")
	pflag.Parse()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return nil, fmt.Errorf("failed to bind pflags: %w", err)
	}

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.serialflash")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// Package config handles configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pixel format policies
const (
	PixelFormatAuto     = "auto"
	PixelFormatBaseline = "baseline"
)

// Supported compositor overrides. Empty means detect from the environment.
var Compositors = []string{"sway", "hyprland", "niri"}

// Config represents the application configuration
type Config struct {
	Wallpaper  WallpaperConfig  `mapstructure:"wallpaper"`
	Compositor CompositorConfig `mapstructure:"compositor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// WallpaperConfig controls where images come from and how they are rendered
type WallpaperConfig struct {
	Dir         string `mapstructure:"dir"`
	Contrast    int    `mapstructure:"contrast"`     // percent, -100..100
	Brightness  int    `mapstructure:"brightness"`   // percent, -100..100
	PixelFormat string `mapstructure:"pixel_format"` // auto or baseline
	Watch       bool   `mapstructure:"watch"`        // re-render when a wallpaper file changes
}

// CompositorConfig selects the workspace IPC and its reconnect policy
type CompositorConfig struct {
	Name         string        `mapstructure:"name"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

// MetricsConfig enables the Prometheus endpoint when ListenAddress is set
type MetricsConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Wallpaper: WallpaperConfig{
			PixelFormat: PixelFormatAuto,
		},
		Compositor: CompositorConfig{
			ReconnectMin: 500 * time.Millisecond,
			ReconnectMax: 30 * time.Second,
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system. Flags must already be bound
// with viper.BindPFlag for them to take precedence over the file.
func Init() error {
	viper.SetConfigName("waybg")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		for _, dir := range searchPaths() {
			viper.AddConfigPath(dir)
		}
	}

	viper.SetEnvPrefix("WAYBG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("wallpaper.dir", DefaultConfig.Wallpaper.Dir)
	viper.SetDefault("wallpaper.contrast", DefaultConfig.Wallpaper.Contrast)
	viper.SetDefault("wallpaper.brightness", DefaultConfig.Wallpaper.Brightness)
	viper.SetDefault("wallpaper.pixel_format", DefaultConfig.Wallpaper.PixelFormat)
	viper.SetDefault("wallpaper.watch", DefaultConfig.Wallpaper.Watch)

	viper.SetDefault("compositor.name", DefaultConfig.Compositor.Name)
	viper.SetDefault("compositor.reconnect_min", DefaultConfig.Compositor.ReconnectMin)
	viper.SetDefault("compositor.reconnect_max", DefaultConfig.Compositor.ReconnectMax)

	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)
	viper.SetDefault("metrics.listen_address", DefaultConfig.Metrics.ListenAddress)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	return nil
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	switch c.Wallpaper.PixelFormat {
	case PixelFormatAuto, PixelFormatBaseline:
	default:
		return fmt.Errorf("invalid pixel format %q: expected %s or %s",
			c.Wallpaper.PixelFormat, PixelFormatAuto, PixelFormatBaseline)
	}

	if err := checkPercent("contrast", c.Wallpaper.Contrast); err != nil {
		return err
	}
	if err := checkPercent("brightness", c.Wallpaper.Brightness); err != nil {
		return err
	}

	if c.Compositor.Name != "" && !isKnownCompositor(c.Compositor.Name) {
		return fmt.Errorf("unknown compositor %q: expected one of %s",
			c.Compositor.Name, strings.Join(Compositors, ", "))
	}

	if c.Compositor.ReconnectMin <= 0 {
		return fmt.Errorf("compositor.reconnect_min must be positive, got %s", c.Compositor.ReconnectMin)
	}
	if c.Compositor.ReconnectMax < c.Compositor.ReconnectMin {
		return fmt.Errorf("compositor.reconnect_max (%s) is below reconnect_min (%s)",
			c.Compositor.ReconnectMax, c.Compositor.ReconnectMin)
	}
	return nil
}

func checkPercent(name string, v int) error {
	if v < -100 || v > 100 {
		return fmt.Errorf("%s must be within -100..100, got %d", name, v)
	}
	return nil
}

func isKnownCompositor(name string) bool {
	for _, c := range Compositors {
		if c == name {
			return true
		}
	}
	return false
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		d := DefaultConfig
		return &d
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// GetConfigPath returns the path of the config file in use, or the preferred
// location when none was found.
func GetConfigPath() string {
	if configPathOverride != "" {
		return configPathOverride
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	paths := searchPaths()
	return filepath.Join(paths[0], "waybg.toml")
}

func searchPaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "waybg"))
	}
	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".config", "waybg"))
	}
	return append(paths, ".")
}

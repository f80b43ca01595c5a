package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	SetConfigPath("")
	Set(nil)
	t.Cleanup(func() {
		viper.Reset()
		SetConfigPath("")
		Set(nil)
	})
}

func TestInit(t *testing.T) {
	t.Run("initializes with defaults when no config exists", func(t *testing.T) {
		resetConfig(t)
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		t.Setenv("HOME", t.TempDir())
		t.Chdir(t.TempDir())

		require.NoError(t, Init())

		c := Get()
		assert.Equal(t, PixelFormatAuto, c.Wallpaper.PixelFormat)
		assert.Equal(t, 500*time.Millisecond, c.Compositor.ReconnectMin)
		assert.Equal(t, 30*time.Second, c.Compositor.ReconnectMax)
		assert.Empty(t, c.Compositor.Name)
		assert.Empty(t, c.Metrics.ListenAddress)
	})

	t.Run("reads an explicit config file", func(t *testing.T) {
		resetConfig(t)
		path := filepath.Join(t.TempDir(), "waybg.toml")
		content := `[wallpaper]
dir = "/srv/walls"
contrast = 15
brightness = -10
pixel_format = "baseline"
watch = true

[compositor]
name = "niri"
reconnect_min = "1s"
reconnect_max = "10s"

[metrics]
listen_address = "127.0.0.1:9090"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		SetConfigPath(path)

		require.NoError(t, Init())

		c := Get()
		assert.Equal(t, "/srv/walls", c.Wallpaper.Dir)
		assert.Equal(t, 15, c.Wallpaper.Contrast)
		assert.Equal(t, -10, c.Wallpaper.Brightness)
		assert.Equal(t, PixelFormatBaseline, c.Wallpaper.PixelFormat)
		assert.True(t, c.Wallpaper.Watch)
		assert.Equal(t, "niri", c.Compositor.Name)
		assert.Equal(t, time.Second, c.Compositor.ReconnectMin)
		assert.Equal(t, 10*time.Second, c.Compositor.ReconnectMax)
		assert.Equal(t, "127.0.0.1:9090", c.Metrics.ListenAddress)
		assert.Equal(t, path, GetConfigPath())
	})

	t.Run("rejects invalid TOML", func(t *testing.T) {
		resetConfig(t)
		path := filepath.Join(t.TempDir(), "waybg.toml")
		require.NoError(t, os.WriteFile(path, []byte("[wallpaper\ncontrast = 1"), 0o644))
		SetConfigPath(path)

		assert.Error(t, Init())
	})

	t.Run("rejects a missing explicit file", func(t *testing.T) {
		resetConfig(t)
		SetConfigPath(filepath.Join(t.TempDir(), "absent.toml"))

		assert.Error(t, Init())
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		resetConfig(t)
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		t.Setenv("HOME", t.TempDir())
		t.Chdir(t.TempDir())
		t.Setenv("WAYBG_WALLPAPER_PIXEL_FORMAT", "baseline")

		require.NoError(t, Init())
		assert.Equal(t, PixelFormatBaseline, Get().Wallpaper.PixelFormat)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"bad pixel format", func(c *Config) { c.Wallpaper.PixelFormat = "rgb565" }, "pixel format"},
		{"contrast too high", func(c *Config) { c.Wallpaper.Contrast = 101 }, "contrast"},
		{"brightness too low", func(c *Config) { c.Wallpaper.Brightness = -101 }, "brightness"},
		{"unknown compositor", func(c *Config) { c.Compositor.Name = "kwin" }, "unknown compositor"},
		{"known compositor", func(c *Config) { c.Compositor.Name = "hyprland" }, ""},
		{"zero backoff", func(c *Config) { c.Compositor.ReconnectMin = 0 }, "reconnect_min"},
		{"inverted backoff", func(c *Config) { c.Compositor.ReconnectMax = time.Millisecond }, "reconnect_max"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetReturnsCopyOfDefaults(t *testing.T) {
	resetConfig(t)

	c := Get()
	c.Wallpaper.PixelFormat = "mutated"
	assert.Equal(t, PixelFormatAuto, DefaultConfig.Wallpaper.PixelFormat)
}

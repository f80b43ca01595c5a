package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bnema/waybg/internal/catalog"
	"github.com/bnema/waybg/internal/compositor"
	"github.com/bnema/waybg/internal/config"
	"github.com/bnema/waybg/internal/daemon"
	"github.com/bnema/waybg/internal/logger"
	"github.com/bnema/waybg/internal/metrics"
	"github.com/bnema/waybg/internal/render"
	"github.com/bnema/waybg/internal/wayland"
)

// Version is set during build
var Version = "0.1.0-dev"

// watchSettle coalesces the burst of writes an editor makes when saving.
const watchSettle = 250 * time.Millisecond

// Execute runs the root command
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "waybg [flags] <wallpaper-dir>",
		Short: "waybg - per-workspace wallpapers for Wayland",
		Long: `waybg draws a wallpaper on every output and switches it with the active
workspace. Wallpapers live in <wallpaper-dir>/<output>/<workspace>.<ext>, with
_default.<ext> used for workspaces without their own image.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runDaemon,
	}
	cmd.Version = Version
	cmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s\n" .Version}}`)

	flags := cmd.Flags()
	flags.Int("contrast", 0, "Contrast adjustment in percent (-100..100)")
	flags.Int("brightness", 0, "Brightness adjustment in percent (-100..100)")
	flags.String("pixelformat", config.PixelFormatAuto, "Buffer pixel format: auto or baseline (XRGB8888 only)")
	flags.String("compositor", "", "Force the workspace IPC: sway, hyprland or niri")
	flags.String("config", "", "Path to the config file")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.Bool("watch", false, "Re-render wallpapers when their files change")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	// Bind flags to viper
	viper.BindPFlag("wallpaper.contrast", flags.Lookup("contrast"))
	viper.BindPFlag("wallpaper.brightness", flags.Lookup("brightness"))
	viper.BindPFlag("wallpaper.pixel_format", flags.Lookup("pixelformat"))
	viper.BindPFlag("wallpaper.watch", flags.Lookup("watch"))
	viper.BindPFlag("compositor.name", flags.Lookup("compositor"))
	viper.BindPFlag("logging.log_level", flags.Lookup("log-level"))
	viper.BindPFlag("metrics.listen_address", flags.Lookup("metrics-addr"))

	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		config.SetConfigPath(path)
	}
	viper.Set("wallpaper.dir", args[0])
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := config.Get()

	if err := logger.SetLevel(cfg.Logging.LogLevel); err != nil {
		return err
	}
	logger.Debug("Configuration loaded", "path", config.GetConfigPath())

	cat, err := catalog.Scan(cfg.Wallpaper.Dir)
	if err != nil {
		return err
	}
	logger.Info("Wallpapers loaded", "root", cat.Root(), "outputs", len(cat.Outputs()), "files", cat.Len())

	source, err := compositor.Detect(cfg.Compositor.Name, os.Getenv)
	if err != nil {
		return err
	}

	client, err := wayland.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to the Wayland display: %w", err)
	}
	defer client.Close()

	m := metrics.New()
	if cfg.Metrics.ListenAddress != "" {
		srv := metrics.NewServer(cfg.Metrics.ListenAddress, m)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	var changes <-chan string
	if cfg.Wallpaper.Watch {
		w, err := cat.Watch(watchSettle)
		if err != nil {
			logger.Warn("File watching unavailable", "err", err)
		} else {
			defer w.Close()
			changes = w.Changed()
		}
	}

	renderer := render.New(render.Adjust{
		Contrast:   cfg.Wallpaper.Contrast,
		Brightness: cfg.Wallpaper.Brightness,
	})

	d := daemon.New(daemon.Deps{
		Backend:  client,
		Source:   source,
		Resolver: cat,
		Renderer: renderer,
		Changes:  changes,
		Metrics:  m,
	}, daemon.Options{
		Baseline:     cfg.Wallpaper.PixelFormat == config.PixelFormatBaseline,
		ReconnectMin: cfg.Compositor.ReconnectMin,
		ReconnectMax: cfg.Compositor.ReconnectMax,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	client.Start()
	return d.Run(ctx)
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/fritztv/fritztv/internal/catalog"
	"github.com/fritztv/fritztv/internal/config"
	internalhttp "github.com/fritztv/fritztv/internal/http"
	"github.com/fritztv/fritztv/internal/metrics"
	"github.com/fritztv/fritztv/internal/observability"
	"github.com/fritztv/fritztv/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fritztv server",
	Long: `Start the fritztv HTTP server.

The server exposes the channel list, the fMP4 and HLS stream
endpoints, and Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8000, "Port to listen on")
	serveCmd.Flags().String("mode", "", "Transcoding mode (Smooth, LowLatency)")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("transcoding.mode", serveCmd.Flags().Lookup("mode"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Flags given on the command line override file and environment values.
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("mode") {
		cfg.Transcoding.Mode, _ = flags.GetString("mode")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	logger.Info("starting fritztv",
		slog.String("mode", cfg.Transcoding.Mode),
		slog.String("transport", cfg.Transcoding.Transport),
		slog.Int("max_parallel_streams", cfg.Server.MaxParallelStreams))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Catalog: initial load, best effort per URL.
	cat := catalog.New(cfg.Fritzbox.PlaylistURLs, cfg.Fritzbox.PlaylistTimeout, logger)
	if err := cat.Refresh(ctx); err != nil {
		logger.Error("no channels loaded from any playlist, using a mock channel",
			slog.String("error", err.Error()))
		cat.SetFallback([]catalog.Channel{{
			ID:   catalog.ChannelID("rtsp://127.0.0.1:8554/test"),
			Name: "Test Channel",
			URL:  "rtsp://127.0.0.1:8554/test",
		}})
	}

	registry := relay.NewRegistry(relay.RegistryConfig{
		MaxParallelStreams: cfg.Server.MaxParallelStreams,
		IdleTimeout:        cfg.Transcoding.IdleTimeout,
		StateDir:           cfg.Storage.StateDir,
		Transcoding:        cfg.Transcoding,
	}, logger)
	defer registry.Close()

	m := metrics.New()
	sampler := metrics.NewSampler(m, registry, cfg.Monitoring.SampleInterval,
		cfg.Monitoring.ConsoleLogBandwidth, logger)

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	handlers := internalhttp.NewHandlers(cat, registry, m.Handler(), logger)
	handlers.Register(server.Router())

	// Optional scheduled catalog refresh.
	var scheduler *cron.Cron
	if cfg.Fritzbox.RefreshCron != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(cfg.Fritzbox.RefreshCron, func() {
			if err := cat.Refresh(context.Background()); err != nil {
				logger.Warn("scheduled refresh failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			return fmt.Errorf("invalid fritzbox.refresh_cron: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		err := sampler.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	logger.Info("fritztv stopped")
	return nil
}

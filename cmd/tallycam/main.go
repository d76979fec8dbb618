package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tallycam/internal/broadcast"
	"tallycam/internal/capture"
	"tallycam/internal/config"
	"tallycam/internal/detect"
	"tallycam/internal/framelog"
	"tallycam/internal/logging"
	"tallycam/internal/registry"
	"tallycam/internal/server"
	"tallycam/internal/session"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "tallycam",
		Short: "Stream annotated camera frames and a running unique-object count to browsers",
		Long: `tallycam reads frames from one camera, runs detection and tracking on
the latest frame for every connected viewer, and pushes the annotated image
together with the number of distinct objects seen so far over a websocket.`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", path, err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	config.SetDefaults(v)
	config.BindEnv(v)
	d := config.Default()
	f := cmd.Flags()
	f.StringP("config", "c", "", "YAML config file")
	f.IntP("port", "p", d.Port, "HTTP port")
	f.String("device", d.Device.Address, "capture device address (sim://, tcp://, ipc://, http(s)://); env IP_ADDR")
	f.Bool("device-optional", d.Device.Optional, "keep serving when the device cannot be opened")
	f.Int("device-max-failures", d.Device.MaxFailures, "consecutive read failures before the device is given up (0 = never)")
	f.String("detector", d.Detector.Endpoint, `detector: "local" or a ZeroMQ endpoint of a detector sidecar`)
	f.Bool("detector-reentrant", d.Detector.Reentrant, "allow concurrent detect calls (remote detectors only)")
	f.String("registry-scope", d.Registry.Scope, `unique-object scope: "global" or "session"`)
	f.Duration("registry-retention", d.Registry.Retention, "forget identities unseen for this long (0 = never)")
	f.Bool("frame-log", d.FrameLog.Enabled, "record received frames to disk")
	f.String("frame-log-dir", d.FrameLog.Dir, "directory for frame logs")
	f.String("log-level", d.Log.Level, "log level")
	f.String("log-format", d.Log.Format, `log format: "console" or "json"`)

	for key, flag := range map[string]string{
		"config":              "config",
		"port":                "port",
		"device.address":      "device",
		"device.optional":     "device-optional",
		"device.max_failures": "device-max-failures",
		"detector.endpoint":   "detector",
		"detector.reentrant":  "detector-reentrant",
		"registry.scope":      "registry-scope",
		"registry.retention":  "registry-retention",
		"frame_log.enabled":   "frame-log",
		"frame_log.dir":       "frame-log-dir",
		"log.level":           "log-level",
		"log.format":          "log-format",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func run(parent context.Context, cfg config.AppConfig) (err error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := capture.Options{
		RetryInterval: cfg.Device.RetryInterval,
		MaxFailures:   cfg.Device.MaxFailures,
		ReadTimeout:   cfg.Device.ReadTimeout,
	}
	if cfg.FrameLog.Enabled {
		writer, err := framelog.Create(cfg.FrameLog.Dir, "frames")
		if err != nil {
			return fmt.Errorf("start frame log: %w", err)
		}
		logger.Infow("recording frames", "path", writer.Path())
		opts.Recorder = writer
		defer func() { err = multierr.Append(err, writer.Close()) }()
	}

	src, err := capture.Open(ctx, cfg.Device.Address, opts, logger.Named("capture"))
	if err != nil {
		if !cfg.Device.Optional {
			return err
		}
		logger.Warnw("serving without a camera", "error", err)
		src = capture.Unavailable(err)
	}
	defer func() { err = multierr.Append(err, src.Close()) }()

	det, err := detect.New(cfg.Detector, logger.Named("detect"))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, det.Close()) }()

	provider := newProvider(cfg.Registry, logger.Named("registry"))
	sessions := session.NewManager(src, det, provider, broadcast.Options{
		RetryInterval: cfg.Broadcast.RetryInterval,
		YieldInterval: cfg.Broadcast.YieldInterval,
		Encoder:       broadcast.JPEGEncoder{Quality: cfg.Broadcast.JPEGQuality},
	}, logger.Named("session"))
	defer sessions.Close()

	started := time.Now()
	srv := server.New(cfg, sessions, func() map[string]any {
		return map[string]any{
			"capture":    src.Stats(),
			"started_at": started.Format(time.RFC3339),
			"uptime_s":   int(time.Since(started).Seconds()),
		}
	}, logger.Named("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		reportStats(gctx, src, sessions, logger.Named("stats"))
		return nil
	})
	logger.Infow("tallycam started", "port", cfg.Port, "device", cfg.Device.Address, "detector", cfg.Detector.Endpoint)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Infow("shutting down")
	return nil
}

func newProvider(cfg config.RegistryConfig, logger *zap.SugaredLogger) *registry.Provider {
	newRegistry := func() *registry.Registry {
		return registry.New(
			registry.WithRetention(cfg.Retention),
			registry.WithNewObjectHook(func(id int64, count int) {
				logger.Infow("new unique object", "id", id, "count", count)
			}),
		)
	}
	if cfg.Scope == config.RegistryScopeSession {
		return registry.NewSessionProvider(newRegistry)
	}
	return registry.NewGlobalProvider(newRegistry())
}

func reportStats(ctx context.Context, src *capture.Source, sessions *session.Manager, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := src.Stats()
			logger.Infow("stats",
				"available", stats.Available,
				"frames", stats.Captured,
				"failures", stats.Failures,
				"overwritten", stats.Overwrites,
				"sessions", sessions.Count(),
				"counts", sessions.Provider().Counts(),
			)
		}
	}
}

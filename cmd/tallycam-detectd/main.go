// Command tallycam-detectd serves the built-in blob tracker over ZeroMQ so a
// tallycam server can run with --detector tcp://host:port. It is also the
// reference for writing other detector sidecars.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tallycam/internal/detect"
	"tallycam/internal/logging"
)

func main() {
	var (
		endpoint  string
		threshold float64
		maxMissed int
		logLevel  string
		logFormat string
	)
	cmd := &cobra.Command{
		Use:          "tallycam-detectd",
		Short:        "Serve detect requests on a ZeroMQ REP socket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel, logFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			local := detect.NewLocal(detect.LocalConfig{Threshold: threshold, MaxMissed: maxMissed})
			sidecar, err := detect.Listen(endpoint, detect.Serialized(local), logger)
			if err != nil {
				return err
			}
			logger.Infow("detector sidecar listening", "endpoint", endpoint)
			return sidecar.Serve(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&endpoint, "bind", "tcp://*:5560", "ZeroMQ endpoint to bind")
	f.Float64Var(&threshold, "threshold", 80, "gray level below which a pixel belongs to an object")
	f.IntVar(&maxMissed, "max-missed", 15, "frames a track may go unseen before it is dropped")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	f.StringVar(&logFormat, "log-format", "console", `log format: "console" or "json"`)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

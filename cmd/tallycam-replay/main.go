// Command tallycam-replay plays a frame log back as a ZeroMQ PUSH feed, so a
// recorded session can be fed to tallycam with --device tcp://host:port.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tallycam/internal/framelog"
	"tallycam/internal/logging"
)

type options struct {
	path  string
	bind  string
	speed float64
	loop  bool
}

func main() {
	var (
		opts      options
		logLevel  string
		logFormat string
	)
	cmd := &cobra.Command{
		Use:          "tallycam-replay --path FILE",
		Short:        "Replay a frame log over ZeroMQ",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel, logFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return replay(ctx, opts, logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.path, "path", "", "frame log file")
	f.StringVar(&opts.bind, "bind", "tcp://*:5550", "ZeroMQ endpoint to bind the PUSH socket on")
	f.Float64Var(&opts.speed, "speed", 1, "playback speed factor (0 = as fast as possible)")
	f.BoolVar(&opts.loop, "loop", false, "start over at the end of the log")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	f.StringVar(&logFormat, "log-format", "console", `log format: "console" or "json"`)
	_ = cmd.MarkFlagRequired("path")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func replay(ctx context.Context, opts options, logger *zap.SugaredLogger) error {
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return err
	}
	defer socket.Close()
	if err := socket.SetLinger(0); err != nil {
		return err
	}
	// a slow or absent consumer makes send fail instead of block, and the
	// frame is dropped as a live camera would drop it
	if err := socket.SetSndtimeo(100 * time.Millisecond); err != nil {
		return err
	}
	if err := socket.Bind(opts.bind); err != nil {
		return fmt.Errorf("bind %s: %w", opts.bind, err)
	}
	logger.Infow("replaying", "path", opts.path, "endpoint", opts.bind, "speed", opts.speed)

	for {
		sent, dropped, err := playOnce(ctx, socket, opts)
		logger.Infow("end of log", "sent", sent, "dropped", dropped)
		if err != nil || !opts.loop || ctx.Err() != nil {
			return err
		}
	}
}

func playOnce(ctx context.Context, socket *zmq4.Socket, opts options) (sent, dropped int, err error) {
	f, err := os.Open(opts.path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	r, err := framelog.NewReader(f)
	if err != nil {
		return 0, 0, err
	}

	var first time.Time
	start := time.Now()
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return sent, dropped, nil
		}
		if err != nil {
			return sent, dropped, err
		}
		if first.IsZero() {
			first = rec.At
		}
		if opts.speed > 0 {
			due := start.Add(time.Duration(float64(rec.At.Sub(first)) / opts.speed))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return sent, dropped, nil
				case <-time.After(wait):
				}
			}
		} else if ctx.Err() != nil {
			return sent, dropped, nil
		}
		if _, err := socket.SendBytes(rec.Payload, 0); err != nil {
			dropped++
			continue
		}
		sent++
	}
}

// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"roitracer/internal/config"
	"roitracer/internal/engine/replay"
	"roitracer/internal/logger"
)

var (
	version = "0.1.0"
)

// Process exit codes.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, flags, err := config.NewConfig(args, stderr)
	if err != nil {
		if errors.Is(err, config.ErrUsage) {
			return exitUsage
		}
		fmt.Fprintf(stderr, "roitracer: %v\n", err)
		return exitFatal
	}
	if cfg == nil {
		if flags.Version {
			fmt.Fprintf(stdout, "roitracer %s\n", version)
		}
		return exitOK
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(stderr, "roitracer: failed to configure loggers: %v\n", err)
		return exitFatal
	}

	feed, closeFeed, err := openFeed(flags.Feed, stdin)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to open event feed")
		return exitFatal
	}
	defer closeFeed()

	t, err := NewROITracer(cfg)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to start")
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := t.Run(ctx, replay.NewDecoder(feed))
	if err != nil {
		var exitErr *replay.ExitError
		if errors.As(err, &exitErr) {
			log.Error().Int32("exit_code", exitErr.Code).Msg("❌ Tracer terminated the process")
		} else {
			log.Error().Err(err).Msg("❌ Replay failed")
		}
		if code == 0 {
			code = exitFatal
		}
		return int(code)
	}

	log.Info().Str("output_dir", t.Session().OutputDir()).Msg("roitracer stopped gracefully")
	return int(code)
}

// openFeed opens the event feed; "-" reads standard input.
func openFeed(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

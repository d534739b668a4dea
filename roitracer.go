package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/getsentry/sentry-go"
	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roitracer/internal/config"
	"roitracer/internal/engine/replay"
	"roitracer/internal/tracer"
)

// ROITracer wires a trace session to the replay engine and, optionally, to a
// metrics server and crash reporting.
type ROITracer struct {
	config     *config.AppConfig
	session    *tracer.Session
	engine     *replay.Engine
	registry   *prometheus.Registry
	httpServer *http.Server
	reporting  bool
	log        plog.Logger
}

// NewROITracer creates and initializes a new ROITracer instance.
func NewROITracer(cfg *config.AppConfig) (*ROITracer, error) {
	t := &ROITracer{
		config: cfg,
		log:    plog.DefaultLogger, // main app uses default logger
	}
	t.log.Info().
		Str("version", version).
		Str("output_dir", cfg.Tracer.OutputDir).
		Str("format", cfg.Tracer.Format).
		Str("compression", cfg.Tracer.Compression).
		Msg("Starting roitracer")

	if err := t.setupReporting(); err != nil {
		return nil, err
	}
	if err := t.setupSession(); err != nil {
		return nil, err
	}
	t.setupMetrics()
	if cfg.Server.Enabled {
		t.setupHTTPServer()
	}
	return t, nil
}

// setupReporting initializes Sentry when a DSN is configured.
func (t *ROITracer) setupReporting() error {
	if t.config.Reporting.SentryDSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         t.config.Reporting.SentryDSN,
		Environment: t.config.Reporting.Environment,
		Release:     version,
	})
	if err != nil {
		return fmt.Errorf("can't initialize sentry: %w", err)
	}
	t.reporting = true
	t.log.Debug().Str("environment", t.config.Reporting.Environment).Msg("- Sentry reporting enabled")
	return nil
}

// setupSession creates the trace session and attaches it to the replay engine.
func (t *ROITracer) setupSession() error {
	opts, err := tracer.OptionsFromConfig(&t.config.Tracer)
	if err != nil {
		return fmt.Errorf("invalid tracer configuration: %w", err)
	}
	opts.OnFatal = t.reportFatal

	t.session, err = tracer.NewSession(opts)
	if err != nil {
		return fmt.Errorf("failed to create trace session: %w", err)
	}
	t.engine = replay.New(replay.Options{Cache: t.config.Tracer.Registry})
	t.session.Attach(t.engine)
	t.log.Debug().Str("session_id", t.session.ID()).Msg("- Trace session attached")
	return nil
}

func (t *ROITracer) setupMetrics() {
	t.registry = prometheus.NewRegistry()
	t.registry.MustRegister(
		tracer.NewCollector(t.session),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.log.Debug().Msg("- Metrics registry created")
}

// setupHTTPServer configures the HTTP server for metrics and pprof.
func (t *ROITracer) setupHTTPServer() {
	t.log.Debug().Str("metrics_path", t.config.Server.MetricsPath).Msg("Setting up HTTP handlers")
	mux := http.NewServeMux()
	mux.Handle(t.config.Server.MetricsPath, promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	if t.config.Server.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>roitracer</title></head>
            <body>
            <h1>roitracer v` + version + ` </h1>
            <p>Session ` + t.session.ID() + `</p>
            <p><a href="` + t.config.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	t.httpServer = &http.Server{
		Addr:              t.config.Server.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// reportFatal runs right before the engine terminates the traced process.
func (t *ROITracer) reportFatal(reason string) {
	if !t.reporting {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", t.session.ID())
		scope.SetLevel(sentry.LevelFatal)
		sentry.CaptureMessage(reason)
	})
	sentry.Flush(2 * time.Second)
}

// Run replays src through the session and returns the traced process exit
// code.
func (t *ROITracer) Run(ctx context.Context, src replay.Source) (int32, error) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if t.httpServer != nil {
		go func() {
			// Recover from panics in this goroutine to trigger a graceful shutdown.
			defer func() {
				if r := recover(); r != nil {
					t.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
					stop()
				}
			}()
			t.log.Info().Str("address", t.config.Server.ListenAddress).Msg("🌐 Starting HTTP server")
			if err := t.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Error().Err(err).Msg("❌ Failed to start HTTP server")
			}
		}()
	}

	t.log.Info().Str("session_id", t.session.ID()).Msg("🔄 Replaying event feed...")
	start := time.Now()
	code, err := t.engine.Run(ctx, src)
	t.log.Info().
		Uint64("events", t.engine.Events()).
		Uint64("threads", t.session.ThreadCount()).
		Dur("elapsed", time.Since(start)).
		Int32("exit_code", code).
		Msg("Replay complete")

	t.shutdown()

	if err != nil && t.reporting {
		var exitErr *replay.ExitError
		if !errors.As(err, &exitErr) {
			// Fatal tracer conditions were already reported.
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
	}
	return code, err
}

func (t *ROITracer) shutdown() {
	if t.httpServer == nil {
		return
	}
	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.httpServer.Shutdown(httpCtx); err != nil {
		t.log.Error().Err(err).Msg("❌ Error shutting down HTTP server")
	} else {
		t.log.Debug().Msg("HTTP server shut down cleanly")
	}
}

// Session returns the trace session.
func (t *ROITracer) Session() *tracer.Session { return t.session }

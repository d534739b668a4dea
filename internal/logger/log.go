// Package logger configures phuslu/log from the [logging] section and hands
// out component loggers.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phuslu/log"

	"roitracer/internal/config"
)

// asyncChannelSize bounds the queue of every async writer.
const asyncChannelSize = 4096

var levels = map[string]log.Level{
	"trace":   log.TraceLevel,
	"debug":   log.DebugLevel,
	"info":    log.InfoLevel,
	"warn":    log.WarnLevel,
	"warning": log.WarnLevel,
	"error":   log.ErrorLevel,
	"fatal":   log.FatalLevel,
}

// levelFor maps a configured level name to a log.Level; unknown names mean
// info.
func levelFor(name string) log.Level {
	if lvl, ok := levels[strings.ToLower(name)]; ok {
		return lvl
	}
	return log.InfoLevel
}

func timeLocation(name string) *time.Location {
	switch name {
	case "", "Local":
		return time.Local
	case "UTC":
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

func timeFormat(name string) string {
	switch name {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	}
	return name
}

// GlogFormatter renders entries as glog lines: "Lyyyy.. goid caller] msg".
type GlogFormatter struct{}

// Formatter implements log.ConsoleWriter's Formatter.
func (GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	b := make([]byte, 0, 64+len(a.Message))
	if a.Level == "" {
		b = append(b, '?')
	} else {
		b = append(b, a.Level[0]&^0x20)
	}
	b = append(b, a.Time...)
	b = append(b, ' ')
	b = append(b, a.Goid...)
	b = append(b, ' ')
	b = append(b, a.Caller...)
	b = append(b, "] "...)
	b = append(b, a.Message...)
	b = append(b, '\n')
	return w.Write(b)
}

func async(w log.Writer, enabled bool) log.Writer {
	if !enabled {
		return w
	}
	return &log.AsyncWriter{ChannelSize: asyncChannelSize, Writer: w}
}

func consoleWriter(c *config.ConsoleConfig) log.Writer {
	var out io.Writer = os.Stderr
	if c.Writer == "stdout" {
		out = os.Stdout
	}
	if c.FastIO {
		return async(&log.IOWriter{Writer: out}, c.Async)
	}

	cw := &log.ConsoleWriter{
		ColorOutput:    c.ColorOutput,
		QuoteString:    c.QuoteString,
		EndWithMessage: true,
		Writer:         out,
	}
	switch c.Format {
	case "logfmt":
		cw.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	case "glog":
		cw.Formatter = GlogFormatter{}.Formatter
	}
	return async(cw, c.Async)
}

func fileWriter(c *config.FileConfig) (log.Writer, error) {
	if c.EnsureFolder {
		if err := os.MkdirAll(filepath.Dir(c.Filename), 0o755); err != nil {
			return nil, fmt.Errorf("log folder: %w", err)
		}
	}
	return async(&log.FileWriter{
		Filename:     c.Filename,
		FileMode:     0o644,
		MaxSize:      c.MaxSize << 20,
		MaxBackups:   c.MaxBackups,
		TimeFormat:   timeFormat(c.TimeFormat),
		LocalTime:    c.LocalTime,
		HostName:     c.HostName,
		ProcessID:    c.ProcessID,
		EnsureFolder: c.EnsureFolder,
	}, c.Async), nil
}

func syslogWriter(c *config.SyslogConfig) log.Writer {
	return async(&log.SyslogWriter{
		Network:  c.Network,
		Address:  c.Address,
		Hostname: c.Hostname,
		Tag:      c.Tag,
		Marker:   c.Marker,
	}, c.Async)
}

// outputWriter builds the writer for one enabled [[logging.outputs]] entry.
func outputWriter(o config.LogOutput) (log.Writer, error) {
	switch o.Type {
	case "console":
		if o.Console != nil {
			return consoleWriter(o.Console), nil
		}
	case "file":
		if o.File != nil {
			return fileWriter(o.File)
		}
	case "syslog":
		if o.Syslog != nil {
			return syslogWriter(o.Syslog), nil
		}
	default:
		return nil, fmt.Errorf("unknown output type: %s", o.Type)
	}
	return nil, fmt.Errorf("%s output missing %s configuration", o.Type, o.Type)
}

// createMultiWriter fans entries out to every enabled output. With none
// enabled, logs go to stderr.
func createMultiWriter(outputs []config.LogOutput) (log.Writer, error) {
	var ws log.MultiEntryWriter
	for _, o := range outputs {
		if !o.Enabled {
			continue
		}
		w, err := outputWriter(o)
		if err != nil {
			return nil, err
		}
		ws = append(ws, w)
	}
	switch len(ws) {
	case 0:
		return &log.IOWriter{Writer: os.Stderr}, nil
	case 1:
		return ws[0], nil
	}
	return &ws, nil
}

// ConfigureLogging replaces log.DefaultLogger. Component loggers created
// afterwards inherit its level, time settings and writers.
func ConfigureLogging(cfg config.LoggingConfig) error {
	w, err := createMultiWriter(cfg.Outputs)
	if err != nil {
		return err
	}

	d := cfg.Defaults
	log.DefaultLogger = log.Logger{
		Level:        levelFor(d.Level),
		Caller:       d.Caller,
		TimeField:    d.TimeField,
		TimeFormat:   timeFormat(d.TimeFormat),
		TimeLocation: timeLocation(d.TimeLocation),
		Writer:       w,
	}

	log.Info().
		Str("level", d.Level).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")
	return nil
}

// NewLoggerWithContext returns a copy of the default logger tagged with
// component. Call it after ConfigureLogging.
func NewLoggerWithContext(component string) log.Logger {
	l := log.DefaultLogger
	l.Caller = 0
	l.Context = log.NewContext(l.Context).Str("component", component).Value()
	return l
}

// NewSampledLoggerCtx is NewLoggerWithContext behind a SampledLogger, for
// failures that can repeat once per traced instruction.
func NewSampledLoggerCtx(component string) *SampledLogger {
	l := NewLoggerWithContext(component)
	return NewSampledLogger(&l, DefaultSampleEvery, DefaultSampleBurst)
}

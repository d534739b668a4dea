package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"

	"roitracer/internal/maps"
)

// Configuration system:
// - config.example.toml is generated with -generate-config
// - ROITRACE_* environment variables override the file
// - command-line flags override both

// ErrUsage is returned by NewConfig when the command line is malformed.
var ErrUsage = errors.New("usage error")

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Tracer configuration
	Tracer TracerConfig `toml:"tracer"`

	// Metrics/pprof HTTP server configuration
	Server ServerConfig `toml:"server"`

	// Crash reporting configuration
	Reporting ReportingConfig `toml:"reporting"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// TracerConfig contains the trace recording settings.
type TracerConfig struct {
	// Directory receiving the per-thread trace files (default: ".")
	OutputDir string `toml:"output_dir" env:"ROITRACE_OUTPUT_DIR"`

	// File name pattern, must contain exactly one %d for the thread id (default: "thread_%d.trace")
	FilePattern string `toml:"file_pattern" env:"ROITRACE_FILE_PATTERN"`

	// Record format: "instruction" or "event" (default: "instruction")
	Format string `toml:"format" env:"ROITRACE_FORMAT"`

	// Stream compression: "none" or "lz4" (default: "none")
	Compression string `toml:"compression" env:"ROITRACE_COMPRESSION"`

	// Per-thread write buffer size in bytes (default: 65536)
	BufferSize int `toml:"buffer_size" env:"ROITRACE_BUFFER_SIZE"`

	// fsync the trace file when a thread leaves its ROI (default: true)
	SyncOnEnd bool `toml:"sync_on_end" env:"ROITRACE_SYNC_ON_END"`

	// Maximum number of live threads, 0 means unlimited (default: 0)
	MaxThreads int `toml:"max_threads" env:"ROITRACE_MAX_THREADS"`

	// Thread registry implementation: "xsync", "sharded", "cornelk", "sync" (default: "xsync")
	Registry string `toml:"registry" env:"ROITRACE_REGISTRY"`

	// Write session.json into the output directory at exit (default: true)
	WriteManifest bool `toml:"write_manifest" env:"ROITRACE_WRITE_MANIFEST"`

	// ROI marker recognition
	Markers MarkerConfig `toml:"markers"`
}

// MarkerConfig selects how routine names are recognized as ROI boundaries.
type MarkerConfig struct {
	// Matching policy: "substring", "exact", "regexp" (default: "substring")
	Match string `toml:"match" env:"ROITRACE_MARKER_MATCH"`

	// Begin marker name or pattern (default: "__begin_pin_roi")
	Begin string `toml:"begin" env:"ROITRACE_MARKER_BEGIN"`

	// End marker name or pattern (default: "__end_pin_roi")
	End string `toml:"end" env:"ROITRACE_MARKER_END"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Serve metrics while tracing (default: false)
	Enabled bool `toml:"enabled" env:"ROITRACE_SERVER_ENABLED"`

	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address" env:"ROITRACE_LISTEN_ADDRESS"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// ReportingConfig contains crash reporting settings.
type ReportingConfig struct {
	// Sentry DSN, empty disables reporting (default: "")
	SentryDSN string `toml:"sentry_dsn" env:"ROITRACE_SENTRY_DSN"`

	// Sentry environment tag (default: "development")
	Environment string `toml:"environment" env:"ROITRACE_ENVIRONMENT"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level" env:"ROITRACE_LOG_LEVEL"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: false)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "roitracer")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Tracer: TracerConfig{
			OutputDir:     ".",
			FilePattern:   "thread_%d.trace",
			Format:        "instruction",
			Compression:   "none",
			BufferSize:    64 * 1024,
			SyncOnEnd:     true,
			MaxThreads:    0,
			Registry:      "xsync",
			WriteManifest: true,
			Markers: MarkerConfig{
				Match: "substring",
				Begin: "__begin_pin_roi",
				End:   "__end_pin_roi",
			},
		},
		Server: ServerConfig{
			Enabled:       false,
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Reporting: ReportingConfig{
			SentryDSN:   "",
			Environment: "development",
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/roitracer.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     false,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "roitracer",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults.
// Environment overrides are applied on top of the file.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := cleanenv.ReadEnv(config); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# roitracer example configuration
# This file is auto-generated and serves as an example configuration.
# Every [tracer] key can also be set with a ROITRACE_* environment variable.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	t := &c.Tracer
	switch t.Format {
	case "instruction", "event":
	default:
		return fmt.Errorf("tracer.format must be \"instruction\" or \"event\", got %q", t.Format)
	}
	switch t.Compression {
	case "none", "lz4":
	default:
		return fmt.Errorf("tracer.compression must be \"none\" or \"lz4\", got %q", t.Compression)
	}
	if strings.Count(t.FilePattern, "%") != 1 || !strings.Contains(t.FilePattern, "%d") {
		return fmt.Errorf("tracer.file_pattern must contain exactly one %%d, got %q", t.FilePattern)
	}
	if strings.ContainsRune(t.FilePattern, filepath.Separator) {
		return fmt.Errorf("tracer.file_pattern must be a file name, got %q", t.FilePattern)
	}
	if t.BufferSize < 0 {
		return fmt.Errorf("tracer.buffer_size cannot be negative")
	}
	if t.MaxThreads < 0 {
		return fmt.Errorf("tracer.max_threads cannot be negative")
	}
	if !maps.IsImplementation(t.Registry) {
		return fmt.Errorf("tracer.registry must be one of %v, got %q", maps.Implementations, t.Registry)
	}

	m := &t.Markers
	if m.Begin == "" || m.End == "" {
		return fmt.Errorf("tracer.markers.begin and tracer.markers.end cannot be empty")
	}
	switch m.Match {
	case "substring", "exact":
	case "regexp":
		if _, err := regexp.Compile(m.Begin); err != nil {
			return fmt.Errorf("tracer.markers.begin: %w", err)
		}
		if _, err := regexp.Compile(m.End); err != nil {
			return fmt.Errorf("tracer.markers.end: %w", err)
		}
	default:
		return fmt.Errorf("tracer.markers.match must be \"substring\", \"exact\" or \"regexp\", got %q", m.Match)
	}

	if c.Server.Enabled {
		if c.Server.ListenAddress == "" {
			return fmt.Errorf("server.listen_address cannot be empty")
		}
		if c.Server.MetricsPath == "" {
			return fmt.Errorf("server.metrics_path cannot be empty")
		}
	}

	// Validate that at least one output is enabled
	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// Flags holds the command-line flags
type Flags struct {
	ConfigPath     string
	GenerateConfig string
	Format         string
	OutputDir      string
	ListenAddress  string
	Version        bool

	// Feed is the positional event feed argument ("-" for stdin).
	Feed string
}

// NewConfig creates a new configuration by parsing args and loading the config file.
// It returns (nil, flags, nil) when the invocation was fully handled (config
// generation, version) and the program should exit cleanly.
func NewConfig(args []string, output io.Writer) (*AppConfig, *Flags, error) {
	flags := &Flags{}
	fs := flag.NewFlagSet("roitracer", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: roitracer [options] <feed.jsonl | ->\n\n")
		fmt.Fprintf(output, "Replays an instrumentation event feed and writes one trace file per thread.\n\n")
		fs.PrintDefaults()
	}

	fs.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	fs.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	fs.StringVar(&flags.Format,
		"format",
		"",
		"Trace record format: instruction or event.")
	fs.StringVar(&flags.OutputDir,
		"out",
		"",
		"Directory for the per-thread trace files.")
	fs.StringVar(&flags.ListenAddress,
		"web.listen-address",
		"",
		"Serve metrics on this address while tracing.")
	fs.BoolVar(&flags.Version,
		"version",
		false,
		"Print the version and exit.")

	if err := fs.Parse(args); err != nil {
		return nil, flags, fmt.Errorf("%w: %v", ErrUsage, err)
	}

	if flags.Version {
		return nil, flags, nil
	}

	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, flags, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Fprintf(output, "Generated %s successfully\n", flags.GenerateConfig)
		return nil, flags, nil
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return nil, flags, fmt.Errorf("%w: expected exactly one event feed argument, got %d", ErrUsage, fs.NArg())
	}
	flags.Feed = fs.Arg(0)

	config, err := LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, flags, err
	}

	// Override config with command-line flags if they were set by the user
	if isFlagPassed(fs, "format") {
		config.Tracer.Format = flags.Format
	}
	if isFlagPassed(fs, "out") {
		config.Tracer.OutputDir = flags.OutputDir
	}
	if isFlagPassed(fs, "web.listen-address") {
		config.Server.Enabled = true
		config.Server.ListenAddress = flags.ListenAddress
	}

	if err := config.Validate(); err != nil {
		return nil, flags, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, flags, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/xsx123123/EBIDownload/internal/external"
	"github.com/xsx123123/EBIDownload/internal/filter"
	"github.com/xsx123123/EBIDownload/internal/source/blobrange"
	"github.com/xsx123123/EBIDownload/internal/transfer"
)

// EnvPrefix prefixes every environment variable, e.g. EBIDOWNLOAD_MAX_PARALLEL.
const EnvPrefix = "EBIDOWNLOAD"

// DefaultToolsFile is read when present even if no path was given.
const DefaultToolsFile = "EBIDownload.yaml"

// LogPrefix starts every per-run log file name.
const LogPrefix = "EBIDownload_"

const (
	SourceENA = "ena"
	SourceSRA = "sra"
)

// Config struct for environment variables. Command-line flags override these values.
type Config struct {
	Accession string `envconfig:"ACCESSION"`
	TSV       string `envconfig:"TSV"`
	OutputDir string `envconfig:"OUTPUT" default:"."`
	Source    string `envconfig:"SOURCE" default:"ena"`
	Fallback  string `envconfig:"FALLBACK" default:"none"`

	MaxParallel     int           `envconfig:"MAX_PARALLEL" default:"4"`
	ThreadsPerFile  int           `envconfig:"THREADS" default:"8"`
	ChunkSize       string        `envconfig:"CHUNK_SIZE" default:"20MiB"`
	RetryAttempts   int           `envconfig:"RETRY_ATTEMPTS" default:"5"`
	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF" default:"1s"`
	RetryMaxBackoff time.Duration `envconfig:"RETRY_MAX_BACKOFF" default:"30s"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`

	FilterSample  string `envconfig:"FILTER_SAMPLE"`
	FilterRun     string `envconfig:"FILTER_RUN"`
	ExcludeSample string `envconfig:"EXCLUDE_SAMPLE"`
	ExcludeRun    string `envconfig:"EXCLUDE_RUN"`
	FilterCombine string `envconfig:"FILTER_COMBINE" default:"and"`

	PEOnly      bool   `envconfig:"PE_ONLY"`
	OnlyScripts bool   `envconfig:"ONLY_SCRIPTS"`
	Convert     bool   `envconfig:"CONVERT"`
	S3          bool   `envconfig:"S3"`
	S3Params    string `envconfig:"S3_PARAMS" default:"region=us-east-1&anonymous=true"`

	ToolsFile        string        `envconfig:"CONFIG" default:"EBIDownload.yaml"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile          string        `envconfig:"LOG_FILE"`
	LogMaxSizeMB     int           `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	LogRetention     time.Duration `envconfig:"LOG_RETENTION" default:"720h"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"500ms"`

	DBPath            string        `envconfig:"DB_PATH"`
	CachePath         string        `envconfig:"CACHE_PATH"`
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"24h"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	MinFreeSpace      string        `envconfig:"MIN_FREE_SPACE" default:"10GiB"`

	StatusAddr string `envconfig:"STATUS_ADDR"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"ebidownload"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"10s"`
	}

	Tools external.Tools `ignored:"true"`
}

// LoadConfig loads .env when present, then reads environment variables.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	cfg.Tools = external.DefaultTools()

	return &cfg, nil
}

// toolsFile mirrors EBIDownload.yaml.
type toolsFile struct {
	Software struct {
		Ascp        string `yaml:"ascp"`
		Prefetch    string `yaml:"prefetch"`
		FasterqDump string `yaml:"fasterq_dump"`
		Pigz        string `yaml:"pigz"`
		Wget        string `yaml:"wget"`
	} `yaml:"software"`
	Setting struct {
		OpenSSH string `yaml:"openssh"`
		MaxSize string `yaml:"max_size"`
	} `yaml:"setting"`
}

// LoadTools merges the tool paths YAML into c.Tools. A missing default file is not an error.
func (c *Config) LoadTools() error {
	if c.ToolsFile == "" {
		return nil
	}

	data, err := os.ReadFile(c.ToolsFile)
	if errors.Is(err, fs.ErrNotExist) && c.ToolsFile == DefaultToolsFile {
		return nil
	}

	if err != nil {
		return &transfer.ConfigurationError{Field: "config", Reason: "cannot read " + c.ToolsFile, Err: err}
	}

	var tf toolsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return &transfer.ConfigurationError{Field: "config", Reason: "cannot parse " + c.ToolsFile, Err: err}
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&c.Tools.Ascp, tf.Software.Ascp)
	set(&c.Tools.Prefetch, tf.Software.Prefetch)
	set(&c.Tools.FasterqDump, tf.Software.FasterqDump)
	set(&c.Tools.Pigz, tf.Software.Pigz)
	set(&c.Tools.Wget, tf.Software.Wget)
	set(&c.Tools.SSHKey, tf.Setting.OpenSSH)
	set(&c.Tools.MaxSize, tf.Setting.MaxSize)

	return nil
}

// Validate checks option values and combinations before any transfer starts.
func (c *Config) Validate() error {
	switch {
	case c.Accession == "" && c.TSV == "":
		return &transfer.ConfigurationError{Field: "accession", Reason: "one of --accession or --tsv is required"}
	case c.Accession != "" && c.TSV != "":
		return &transfer.ConfigurationError{Field: "accession", Reason: "--accession and --tsv are mutually exclusive"}
	case c.OutputDir == "":
		return &transfer.ConfigurationError{Field: "output", Reason: "must not be empty"}
	case c.MaxParallel < 1:
		return &transfer.ConfigurationError{Field: "parallel", Reason: "must be at least 1"}
	case c.ThreadsPerFile < 1:
		return &transfer.ConfigurationError{Field: "threads", Reason: "must be at least 1"}
	case c.RetryAttempts < 1:
		return &transfer.ConfigurationError{Field: "retry-attempts", Reason: "must be at least 1"}
	}

	if _, err := c.ChunkSizeBytes(); err != nil {
		return err
	}

	if _, err := c.MinFreeSpaceBytes(); err != nil {
		return err
	}

	switch c.Source {
	case SourceENA:
		if c.Fallback == external.MechanismPrefetch {
			return &transfer.ConfigurationError{Field: "fallback", Reason: "prefetch produces .sra objects and needs --source sra"}
		}

		if c.Convert {
			return &transfer.ConfigurationError{Field: "convert", Reason: "conversion applies to --source sra"}
		}

		if c.S3 {
			return &transfer.ConfigurationError{Field: "s3", Reason: "bucket access applies to --source sra"}
		}
	case SourceSRA:
		if c.Fallback == external.MechanismAscp {
			return &transfer.ConfigurationError{Field: "fallback", Reason: "ascp serves ENA fastq files and needs --source ena"}
		}
	default:
		return &transfer.ConfigurationError{Field: "source", Reason: fmt.Sprintf("unknown source %q, expected ena or sra", c.Source)}
	}

	if c.OnlyScripts && (c.Fallback == "" || c.Fallback == external.MechanismNone) {
		return &transfer.ConfigurationError{Field: "only-scripts", Reason: "requires a --fallback mechanism to script"}
	}

	if _, err := external.New(c.Fallback, c.Tools); err != nil {
		return err
	}

	if _, err := filter.New(c.FilterPatterns()); err != nil {
		return err
	}

	return nil
}

// FilterPatterns collects the filter options.
func (c *Config) FilterPatterns() filter.Patterns {
	return filter.Patterns{
		IncludeSample: c.FilterSample,
		IncludeRun:    c.FilterRun,
		ExcludeSample: c.ExcludeSample,
		ExcludeRun:    c.ExcludeRun,
		Combine:       filter.Combine(c.FilterCombine),
	}
}

// ChunkSizeBytes parses ChunkSize; plain numbers are megabytes.
func (c *Config) ChunkSizeBytes() (int64, error) {
	return parseSize("chunk-size", c.ChunkSize, true)
}

func (c *Config) MinFreeSpaceBytes() (int64, error) {
	return parseSize("min-free-space", c.MinFreeSpace, false)
}

var plainNumber = regexp.MustCompile(`^\d+$`)

func parseSize(field, v string, positive bool) (int64, error) {
	if plainNumber.MatchString(strings.TrimSpace(v)) {
		v += "MiB"
	}

	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, &transfer.ConfigurationError{Field: field, Reason: fmt.Sprintf("invalid size %q", v), Err: err}
	}

	if n > math.MaxInt64 {
		return 0, &transfer.ConfigurationError{Field: field, Reason: fmt.Sprintf("size %q is too large", v)}
	}

	if positive && n == 0 {
		return 0, &transfer.ConfigurationError{Field: field, Reason: "must be positive"}
	}

	return int64(n), nil
}

// StateDir holds the ledger, the resolver cache and the default log file.
func (c *Config) StateDir() string {
	return filepath.Join(c.OutputDir, ".ebidownload")
}

func (c *Config) LedgerPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	return filepath.Join(c.StateDir(), "outcomes.db")
}

func (c *Config) ResolverCachePath() string {
	if c.CachePath != "" {
		return c.CachePath
	}

	return filepath.Join(c.StateDir(), "metadata.db")
}

// LogDir holds the per-run log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir(), "logs")
}

// LogPath returns the log file for a run started at ts.
func (c *Config) LogPath(ts time.Time) string {
	if c.LogFile != "" {
		return c.LogFile
	}

	return filepath.Join(c.LogDir(), LogPrefix+ts.Format("20060102_150405")+".log")
}

// BlobOpener opens buckets for bucket/key descriptors.
func (c *Config) BlobOpener() blobrange.Opener {
	return blobrange.S3Opener(c.S3Params)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package csvfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	InputDir     string `koanf:"input_dir"`
	ProcessedDir string `koanf:"processed_dir"`
	ErrorDir     string `koanf:"error_dir"`
	Pattern      string `koanf:"pattern"` // glob on the base name

	Topic     string   `koanf:"topic"`
	Subject   string   `koanf:"subject"` // schema subject; defaults to topic
	KeyFields []string `koanf:"key_fields"`

	Header      bool   `koanf:"header"`
	InferSchema bool   `koanf:"infer_schema"`
	Delimiter   string `koanf:"delimiter"`

	MaxInFlightFiles int           `koanf:"max_in_flight_files"`
	MaxPendingRows   int64         `koanf:"max_pending_rows"`
	RowsPerSec       int64         `koanf:"rows_per_sec"` // 0 = unthrottled
	ScanInterval     time.Duration `koanf:"scan_interval"`
	CommitInterval   time.Duration `koanf:"commit_interval"` // offset persist cadence
	LeaseTTL         time.Duration `koanf:"lease_ttl"`
	Owner            string        `koanf:"owner"`

	RetryMaxElapsed time.Duration `koanf:"retry_max_elapsed"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `CONVEYOR_SOURCE__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("csvfile schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("CONVEYOR_SOURCE__", "__", nil), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

func applyDefaults(c *Config) {
	if c.Pattern == "" {
		c.Pattern = "*.csv"
	}
	if c.Subject == "" {
		c.Subject = c.Topic
	}
	if c.Delimiter == "" {
		c.Delimiter = ","
	}
	if c.MaxInFlightFiles <= 0 {
		c.MaxInFlightFiles = 4
	}
	if c.MaxPendingRows <= 0 {
		c.MaxPendingRows = 10_000
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = 30 * time.Second
	}
	if c.CommitInterval == 0 {
		c.CommitInterval = 5 * time.Second
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.Owner == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "conveyor"
		}
		c.Owner = host
	}
	if c.RetryMaxElapsed == 0 {
		c.RetryMaxElapsed = 2 * time.Minute
	}
}

func (c Config) validate() error {
	if c.InputDir == "" {
		return fmt.Errorf("csvfile: input_dir is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("csvfile: topic is required")
	}
	if len(c.Delimiter) != 1 {
		return fmt.Errorf("csvfile: delimiter must be a single character, got %q", c.Delimiter)
	}
	return nil
}

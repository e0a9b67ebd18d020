package postgres

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type WriteMode string

const (
	ModeUpsert WriteMode = "upsert" // insert-or-update by key
	ModeAppend WriteMode = "append" // plain insert, no dedup
)

type Config struct {
	ConnString string    `koanf:"conn_string"`
	Table      string    `koanf:"table"`
	Mode       WriteMode `koanf:"mode"`
	KeyFields  []string  `koanf:"key_fields"` // required for upsert

	AutoCreate bool `koanf:"auto_create"` // CREATE TABLE IF NOT EXISTS on first record
	AutoEvolve bool `koanf:"auto_evolve"` // ADD COLUMN for newer schema versions

	BatchSize     int           `koanf:"batch_size"`
	FlushInterval time.Duration `koanf:"flush_interval"`

	DeadLetterTopic string `koanf:"dead_letter_topic"` // "" = drop with a log line

	RetryMaxElapsed time.Duration `koanf:"retry_max_elapsed"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `CONVEYOR_SINK__`, delimiter `__`).
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
		return Config{}, fmt.Errorf("postgres schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("CONVEYOR_SINK__", "__", nil), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

func applyDefaults(c *Config) {
	if c.Mode == "" {
		c.Mode = ModeUpsert
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = time.Second
	}
	if c.RetryMaxElapsed == 0 {
		c.RetryMaxElapsed = 2 * time.Minute
	}
}

func (c Config) validate() error {
	if c.ConnString == "" {
		return fmt.Errorf("postgres: conn_string is required")
	}
	if c.Table == "" {
		return fmt.Errorf("postgres: table is required")
	}
	switch c.Mode {
	case ModeUpsert:
		if len(c.KeyFields) == 0 {
			return fmt.Errorf("postgres: upsert mode requires key_fields")
		}
	case ModeAppend:
	default:
		return fmt.Errorf("postgres: unknown mode %q", c.Mode)
	}
	return nil
}

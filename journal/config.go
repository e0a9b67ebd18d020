package journal

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

type Config struct {
	Brokers   []string `koanf:"brokers"`
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default oldest)

	// Partitions applies to drivers that create topics themselves
	// (the in-memory driver); Kafka topics are provisioned externally.
	Partitions int32 `koanf:"partitions"`

	CommitInterval time.Duration `koanf:"commit_interval"`
	AppendTimeout  time.Duration `koanf:"append_timeout"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `CONVEYOR_JOURNAL__`, delimiter `__`).
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
		return Config{}, fmt.Errorf("journal schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("CONVEYOR_JOURNAL__", "__", nil), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Version == "" {
		c.Version = "3.6.0"
	}
	if c.StartFrom == "" {
		c.StartFrom = "oldest"
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.CommitInterval == 0 {
		c.CommitInterval = 5 * time.Second
	}
	if c.AppendTimeout == 0 {
		c.AppendTimeout = 30 * time.Second
	}
}

package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/justapithecus/runpack/filler"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "RUNPACK_CONFIG"

// Config represents a runpack.yaml file. Every value is a default that
// the matching CLI flag overrides.
type Config struct {
	// Format is the document format for pack (msgpack, jsonl).
	Format string `yaml:"format"`
	// CatalogPath is the registry search path; the first entry is written.
	CatalogPath []string `yaml:"catalog_path"`
	// Handlers maps resource specs to built-in handler names.
	Handlers    map[string]string `yaml:"handlers"`
	Storage     StorageConfig     `yaml:"storage"`
	ReportPath  string            `yaml:"report_path"`
	DatabaseURI string            `yaml:"database_uri"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// StorageConfig holds bundle storage defaults.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// NotifyConfig names the destinations of pack completion events.
type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	Redis   RedisConfig   `yaml:"redis"`
}

// WebhookConfig configures the HTTP notifier.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
	Retries *int              `yaml:"retries"`
}

// RedisConfig configures the Redis pub/sub notifier.
type RedisConfig struct {
	URL     string        `yaml:"url"`
	Channel string        `yaml:"channel"`
	Timeout time.Duration `yaml:"timeout"`
	Retries *int          `yaml:"retries"`
}

// HandlerRegistry extends base with the configured spec aliases.
// Specs are applied in sorted order so errors are deterministic.
func (c *Config) HandlerRegistry(base filler.Registry) (filler.Registry, error) {
	out := base.Clone()
	specs := make([]string, 0, len(c.Handlers))
	for spec := range c.Handlers {
		specs = append(specs, spec)
	}
	sort.Strings(specs)
	for _, spec := range specs {
		if err := out.Alias(spec, c.Handlers[spec]); err != nil {
			return nil, fmt.Errorf("config handlers: %w", err)
		}
	}
	return out, nil
}

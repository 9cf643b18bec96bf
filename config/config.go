// Package config defines the scan configuration loaded from ferret.yaml.
package config

import (
	"fmt"
	"time"
)

// Config represents a ferret.yaml configuration file. All values are
// optional and act as defaults for ferret run flags; CLI flags always
// override config values.
type Config struct {
	// Name is the scan name. A name is generated when empty.
	Name string `yaml:"name"`
	// Targets seed the scan and, when Whitelist is empty, define its scope.
	Targets []string `yaml:"targets"`
	// Whitelist overrides the scope normally derived from Targets.
	Whitelist []string `yaml:"whitelist"`
	// Blacklist excludes hosts from the scan.
	Blacklist []string `yaml:"blacklist"`
	// ScopeReportDistance is the maximum scope distance reported externally.
	ScopeReportDistance int `yaml:"scope_report_distance"`
	// DNSResolution enables DNS resolution for the scan.
	DNSResolution bool `yaml:"dns_resolution"`
	// StatusInterval is how often the status reporter logs a summary.
	StatusInterval Duration `yaml:"status_interval"`
	// Output configures the file sink output module.
	Output OutputConfig `yaml:"output"`
	// Adapter configures downstream event publication.
	Adapter AdapterConfig `yaml:"adapter"`
	// WordCloudPath persists the word cloud between scans when set.
	WordCloudPath string `yaml:"word_cloud_path"`
	// Verbose lowers the log level to debug.
	Verbose bool `yaml:"verbose"`
}

// OutputConfig holds file sink defaults from the config file.
type OutputConfig struct {
	// Path is the output file. Empty writes records to stdout instead.
	Path string `yaml:"path"`
	// Format is "json" (newline-delimited) or "msgpack".
	Format string `yaml:"format"`
}

// AdapterConfig holds adapter defaults from the config file.
type AdapterConfig struct {
	// Type is "redis" or "webhook". Empty disables the adapter.
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
	// Prefix namespaces Redis channels and keys.
	Prefix string `yaml:"prefix,omitempty"`
	// Headers are added to webhook requests.
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	// BatchSize is the webhook records-per-POST.
	BatchSize int `yaml:"batch_size,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks config invariants that YAML parsing cannot express.
func (c *Config) Validate() error {
	if c.ScopeReportDistance < 0 {
		return fmt.Errorf("scope_report_distance must be >= 0, got %d", c.ScopeReportDistance)
	}
	switch c.Output.Format {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("invalid output format %q (must be json or msgpack)", c.Output.Format)
	}
	switch c.Adapter.Type {
	case "", "redis", "webhook":
	default:
		return fmt.Errorf("invalid adapter type %q (must be redis or webhook)", c.Adapter.Type)
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		return fmt.Errorf("adapter type %q requires a url", c.Adapter.Type)
	}
	if c.Adapter.BatchSize < 0 {
		return fmt.Errorf("adapter batch_size must be >= 0, got %d", c.Adapter.BatchSize)
	}
	return nil
}

// Default returns a config with engine defaults applied.
func Default() *Config {
	return &Config{
		StatusInterval: Duration{Duration: 15 * time.Second},
	}
}

// Package config holds the engine configuration: the backend-name → backend
// settings mapping consumed by collector initialization, plus ambient
// logging and tracing settings.
package config

import (
	"fmt"
	"strings"
)

// LoggingMode selects how a backend receives data.
type LoggingMode string

const (
	// ModeGlobalReduce: all processes accumulate, the external aggregator
	// merges and logs a single entry per step. Backends in this mode are
	// never instantiated per process.
	ModeGlobalReduce LoggingMode = "global_reduce"
	// ModePerRankReduce: each process logs its own locally reduced values
	// at flush.
	ModePerRankReduce LoggingMode = "per_rank_reduce"
	// ModePerRankNoReduce: raw values stream to the backend the moment they
	// are recorded.
	ModePerRankNoReduce LoggingMode = "per_rank_no_reduce"
)

// ParseLoggingMode normalizes and validates a mode string.
func ParseLoggingMode(s string) (LoggingMode, error) {
	m := LoggingMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeGlobalReduce, ModePerRankReduce, ModePerRankNoReduce:
		return m, nil
	}
	return "", fmt.Errorf("unknown logging mode %q", s)
}

// Backend configures one named logging backend.
type Backend struct {
	Mode LoggingMode `mapstructure:"logging_mode" yaml:"logging_mode"`

	// Dashboard sink options.
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APIKey          string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Project         string `mapstructure:"project" yaml:"project,omitempty"`
	Group           string `mapstructure:"group" yaml:"group,omitempty"`
	PerRankShareRun bool   `mapstructure:"per_rank_share_run" yaml:"per_rank_share_run,omitempty"`

	// JSONL sink options.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// Tracing configures optional OTLP trace export around flush and backend
// calls. Disabled unless an endpoint is set.
type Tracing struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Protocol    string `mapstructure:"protocol" yaml:"protocol,omitempty"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure,omitempty"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name,omitempty"`
}

// Enabled reports whether trace export is configured.
func (t Tracing) Enabled() bool { return t.Endpoint != "" }

// Config is the full engine configuration.
type Config struct {
	Backends map[string]Backend `mapstructure:"backends" yaml:"backends"`
	Tracing  Tracing            `mapstructure:"tracing" yaml:"tracing,omitempty"`
	LogLevel string             `mapstructure:"log_level" yaml:"log_level,omitempty"`
}

// Validate checks every backend entry for a known mode and the options its
// sink requires.
func (c *Config) Validate() error {
	for name, b := range c.Backends {
		mode, err := ParseLoggingMode(string(b.Mode))
		if err != nil {
			return fmt.Errorf("backend %q: %w", name, err)
		}
		b.Mode = mode
		c.Backends[name] = b

		switch SinkName(name) {
		case "dashboard":
			if b.Project == "" {
				return fmt.Errorf("backend %q: dashboard sink requires a project", name)
			}
		case "jsonl":
			if b.Path == "" {
				return fmt.Errorf("backend %q: jsonl sink requires a path", name)
			}
		}
	}
	if c.Tracing.Protocol != "" && c.Tracing.Protocol != "grpc" && c.Tracing.Protocol != "http" {
		return fmt.Errorf("tracing: unknown protocol %q", c.Tracing.Protocol)
	}
	return nil
}

// SinkName strips an instance suffix so "jsonl.debug" still selects the
// jsonl sink.
func SinkName(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// Loader reads configuration from files, environment and flags.
type Loader struct{}

// NewLoader creates a configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line style arguments plus an optional config file into
// a validated Config. Environment variables prefixed RANKFOLD_ override file
// values (RANKFOLD_LOG_LEVEL, RANKFOLD_TRACING_ENDPOINT, ...).
func (Loader) Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("rankfold", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to YAML config file")
	logLevel := flags.String("log-level", "", "engine log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("RANKFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.Backends == nil {
		cfg.Backends = map[string]Backend{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes strict-parses raw YAML. Embedding applications and tests use it
// to build configs without touching the filesystem.
func LoadBytes(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Backends == nil {
		cfg.Backends = map[string]Backend{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

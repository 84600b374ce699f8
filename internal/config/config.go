package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
	QueueCapacity int    `json:"queue_capacity" yaml:"queue_capacity"`
	Engine        struct {
		MaxHoldMs       int    `json:"max_hold_ms" yaml:"max_hold_ms"`
		HistoryCap      int    `json:"history_cap" yaml:"history_cap"`
		ShutdownPolicy  string `json:"shutdown_policy" yaml:"shutdown_policy"`
		SweepIntervalMs int    `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
		Trace           bool   `json:"trace" yaml:"trace"`
	} `json:"engine" yaml:"engine"`
	Source struct {
		Kind            string `json:"kind" yaml:"kind"`
		Path            string `json:"path" yaml:"path"`
		Lenient         bool   `json:"lenient" yaml:"lenient"`
		SyntheticStepMs int    `json:"synthetic_step_ms" yaml:"synthetic_step_ms"`
		SyntheticRounds int    `json:"synthetic_rounds" yaml:"synthetic_rounds"`
	} `json:"source" yaml:"source"`
	Sinks struct {
		JSONL         bool `json:"jsonl" yaml:"jsonl"`
		SQLite        bool `json:"sqlite" yaml:"sqlite"`
		Websocket     bool `json:"websocket" yaml:"websocket"`
		Backlog       int  `json:"backlog" yaml:"backlog"`
		RetryAttempts int  `json:"retry_attempts" yaml:"retry_attempts"`
	} `json:"sinks" yaml:"sinks"`
	HTTP struct {
		Listen         string   `json:"listen" yaml:"listen"`
		AuthToken      string   `json:"auth_token" yaml:"auth_token" secret:"true"`
		MaxWSClients   int      `json:"max_ws_clients" yaml:"max_ws_clients"`
		AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	} `json:"http" yaml:"http"`
	Drain struct {
		Schedule string `json:"schedule" yaml:"schedule"`
	} `json:"drain" yaml:"drain"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".chordlog"),
		LogLevel:      "info",
		LogFormat:     "text",
		QueueCapacity: 1024,
	}
	cfg.Engine.ShutdownPolicy = "flush"
	cfg.Engine.SweepIntervalMs = 250
	cfg.Source.Kind = "stdin"
	cfg.Source.SyntheticStepMs = 10
	cfg.Source.SyntheticRounds = 1
	cfg.Sinks.JSONL = true
	cfg.Sinks.Websocket = true
	cfg.Sinks.Backlog = 256
	cfg.Sinks.RetryAttempts = 3
	cfg.HTTP.Listen = "127.0.0.1:7420"
	cfg.HTTP.MaxWSClients = 16
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if dir := os.Getenv("CHORDLOG_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("CHORDLOG_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if listen := os.Getenv("CHORDLOG_HTTP_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}
	if token := os.Getenv("CHORDLOG_AUTH_TOKEN"); token != "" {
		cfg.HTTP.AuthToken = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.QueueCapacity < 0 {
		errs = append(errs, errors.New("queue_capacity must not be negative"))
	}
	if c.Engine.MaxHoldMs < 0 {
		errs = append(errs, errors.New("engine.max_hold_ms must not be negative"))
	}
	if c.Engine.HistoryCap < 0 {
		errs = append(errs, errors.New("engine.history_cap must not be negative"))
	}
	switch c.Engine.ShutdownPolicy {
	case "", "flush", "discard":
	default:
		errs = append(errs, fmt.Errorf("engine.shutdown_policy must be flush or discard, got %q", c.Engine.ShutdownPolicy))
	}
	switch c.Source.Kind {
	case "", "stdin", "synthetic", "http":
	case "file":
		if c.Source.Path == "" {
			errs = append(errs, errors.New("source.path is required for file source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q", c.Source.Kind))
	}
	if c.Source.Kind == "http" && c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen is required for http source"))
	}
	return errors.Join(errs...)
}

func (c *Config) MaxHold() time.Duration {
	return time.Duration(c.Engine.MaxHoldMs) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Engine.SweepIntervalMs) * time.Millisecond
}

func (c *Config) SyntheticStep() time.Duration {
	return time.Duration(c.Source.SyntheticStepMs) * time.Millisecond
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := Save(path, cfg); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ListValues flattens cfg into dot-separated keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) map[string]any {
	flat := Flatten(cfg)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the effective value of a dot-separated key, after
// defaults and env overrides. The file is created with defaults if it does
// not exist.
func GetValue(path, key string) (any, error) {
	if _, err := lookup(key); err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Flatten(cfg)[key], nil
}

// SetValue stores raw under a dot-separated key, converted to the type of
// the field. Other keys in the file are left as written. The resulting file
// must still load as a valid Config.
func SetValue(path, key, raw string) error {
	f, err := lookup(key)
	if err != nil {
		return err
	}
	value, err := parseValue(f, raw)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	m, err := readRaw(path)
	if err != nil {
		return err
	}
	setPath(m, key, value)

	data, err := encode(path, m)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	check := Defaults()
	if err := decode(path, data, check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := check.Validate(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeAtomic(path, data)
}

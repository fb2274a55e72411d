// Package config loads taskkit process settings from TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/task"
)

// FileName is the configuration file looked up by Load.
const FileName = "taskkit.toml"

// Config is the decoded configuration file.
type Config struct {
	Execution ExecutionConfig `toml:"execution"`
	Log       LogConfig       `toml:"log"`
	Bus       BusConfig       `toml:"bus"`
	State     StateConfig     `toml:"state"`
	Admin     AdminConfig     `toml:"admin"`
	Tasks     []TaskLimit     `toml:"tasks"`
}

// ExecutionConfig holds the options of the execution contexts a worker
// creates.
type ExecutionConfig struct {
	Application       string         `toml:"application"`
	Task              string         `toml:"task"`
	DeathMode         task.DeathMode `toml:"death_mode"`
	OverrideThreshold Duration       `toml:"override_threshold"`
	KeepAliveElapsed  Duration       `toml:"keep_alive_elapsed"`
	KeepAliveInterval Duration       `toml:"keep_alive_interval"`
}

// LogConfig selects the minimum log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	// Kind is "memory" or "nats".
	Kind           string   `toml:"kind"`
	URL            string   `toml:"url"`
	Name           string   `toml:"name"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// StateConfig selects the coordinator's state store.
type StateConfig struct {
	// Kind is "memory", "nats" or "sqlite".
	Kind   string `toml:"kind"`
	Bucket string `toml:"bucket"`
	Path   string `toml:"path"`
}

// AdminConfig configures the coordinator's HTTP API. An empty Addr
// disables it.
type AdminConfig struct {
	Addr string `toml:"addr"`
}

// TaskLimit is one [[tasks]] entry.
type TaskLimit struct {
	Application      string `toml:"application"`
	Task             string `toml:"task"`
	ConcurrencyLimit int    `toml:"concurrency_limit"`
}

// Duration decodes Go duration strings such as "90s" or "1h30m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			DeathMode:         task.DeathModeOverride,
			OverrideThreshold: Duration(time.Hour),
		},
		Log:   LogConfig{Level: string(logging.LevelInfo)},
		Bus:   BusConfig{Kind: "memory", Name: "taskkit", RequestTimeout: Duration(10 * time.Second)},
		State: StateConfig{Kind: "memory", Bucket: "taskkit"},
	}
}

// StandardPaths returns the locations Load searches, in priority order.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskkit", FileName))
	}
	return paths
}

// Load reads the first configuration file found in StandardPaths. It
// returns the defaults and an empty path when none exists.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// LoadFile reads and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.InvalidConfiguration("read config",
			errors.WithCause(err), errors.WithMetadata("path", path))
	}
	return Parse(string(data))
}

// Parse decodes and validates TOML content over the defaults.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, errors.InvalidConfiguration("decode config", errors.WithCause(err))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.InvalidConfiguration("unknown config keys: " + strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.InvalidConfiguration(err.Error())
	}
	switch c.Bus.Kind {
	case "memory":
	case "nats":
		if c.Bus.URL == "" {
			return errors.InvalidConfiguration("bus.url is required for the nats bus")
		}
	default:
		return errors.InvalidConfiguration(fmt.Sprintf("unknown bus kind %q", c.Bus.Kind))
	}
	switch c.State.Kind {
	case "memory":
	case "nats":
		if c.Bus.Kind != "nats" {
			return errors.InvalidConfiguration("the nats state store needs the nats bus")
		}
	case "sqlite":
		if c.State.Path == "" {
			return errors.InvalidConfiguration("state.path is required for the sqlite store")
		}
	default:
		return errors.InvalidConfiguration(fmt.Sprintf("unknown state kind %q", c.State.Kind))
	}
	if c.Bus.RequestTimeout < 0 {
		return errors.InvalidConfiguration("bus.request_timeout must not be negative")
	}

	seen := make(map[string]bool)
	for i, t := range c.Tasks {
		if strings.TrimSpace(t.Application) == "" || strings.TrimSpace(t.Task) == "" {
			return errors.InvalidConfiguration(fmt.Sprintf("tasks[%d]: application and task are required", i))
		}
		if t.ConcurrencyLimit < 0 {
			return errors.InvalidConfiguration(fmt.Sprintf("tasks[%d]: concurrency_limit must not be negative", i))
		}
		key := t.Application + "\x00" + t.Task
		if seen[key] {
			return errors.InvalidConfiguration(fmt.Sprintf("tasks[%d]: duplicate entry for %s/%s", i, t.Application, t.Task))
		}
		seen[key] = true
	}

	if c.Execution.Application != "" || c.Execution.Task != "" {
		if err := c.ExecutionOptions().Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ExecutionOptions converts the [execution] section into task options.
func (c *Config) ExecutionOptions() task.Options {
	return task.Options{
		DeathMode:         c.Execution.DeathMode,
		OverrideThreshold: time.Duration(c.Execution.OverrideThreshold),
		KeepAliveElapsed:  time.Duration(c.Execution.KeepAliveElapsed),
		KeepAliveInterval: time.Duration(c.Execution.KeepAliveInterval),
	}
}

// Logger returns a logger at the configured level.
func (c *Config) Logger() *logging.Logger {
	l := logging.New()
	if level, err := logging.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(level)
	}
	return l
}

// LimitSetter stores concurrency limits.
type LimitSetter interface {
	SetLimit(app, taskName string, limit int) error
}

// ApplyLimits writes every [[tasks]] limit to s.
func (c *Config) ApplyLimits(s LimitSetter) error {
	for _, t := range c.Tasks {
		if err := s.SetLimit(t.Application, t.Task, t.ConcurrencyLimit); err != nil {
			return err
		}
	}
	return nil
}

package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultChannel          = "default"
	DefaultMemoryLimitMB    = 1024
	DefaultSnapshotInterval = 300 // seconds
	DefaultDriverType       = "sqlite"
	DefaultDriverDSN        = "qmaster.db"
	DefaultMaxAttempts      = 3
	DefaultStopTimeout      = 10 * time.Second
	DefaultRestartInterval  = time.Second

	EnvPrefix = "QMASTER"
)

// Config is the top-level configuration of one supervised channel.
type Config struct {
	Channel      string         `mapstructure:"channel"`
	PIDPath      string         `mapstructure:"pid_path"`
	MemoryLimit  int            `mapstructure:"memory_limit"`
	SleepSeconds float64        `mapstructure:"sleep_seconds"`
	Worker       WorkerConfig   `mapstructure:"worker"`
	JobSnapshot  SnapshotConfig `mapstructure:"job_snapshot"`
	Driver       DriverConfig   `mapstructure:"driver"`
	Log          LogConfig      `mapstructure:"log"`
	HTTP         HTTPConfig     `mapstructure:"http"`
	WatchConfig  bool           `mapstructure:"watch_config"`
}

type WorkerConfig struct {
	Command         string          `mapstructure:"command"`
	WorkDir         string          `mapstructure:"workdir"`
	Instances       int             `mapstructure:"instances"`
	StopTimeout     time.Duration   `mapstructure:"stop_timeout"`
	RestartInterval time.Duration   `mapstructure:"restart_interval"`
	Env             []string        `mapstructure:"env"`
	EnvFiles        []string        `mapstructure:"env_files"`
	UseOSEnv        bool            `mapstructure:"use_os_env"`
	Log             WorkerLogConfig `mapstructure:"log"`
}

// WorkerLogConfig controls where worker stdout/stderr are written.
type WorkerLogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type SnapshotConfig struct {
	Handler  []string                  `mapstructure:"handler"`
	Interval int                       `mapstructure:"interval"`
	Options  map[string]map[string]any `mapstructure:"options"`
}

type DriverConfig struct {
	Type        string `mapstructure:"type"`
	DSN         string `mapstructure:"dsn"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// Defaults returns a configuration with every default applied.
func Defaults() Config {
	c := Config{Worker: WorkerConfig{UseOSEnv: true}}
	c.Normalize()
	return c
}

// Normalize fills unset fields with defaults and coerces out-of-range values.
// SleepSeconds is kept as configured; SleepTime floors it.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = DefaultChannel
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = DefaultMemoryLimitMB
	}
	if c.JobSnapshot.Interval <= 0 {
		c.JobSnapshot.Interval = DefaultSnapshotInterval
	}
	if c.Worker.Instances < 1 {
		c.Worker.Instances = 1
	}
	if c.Worker.StopTimeout <= 0 {
		c.Worker.StopTimeout = DefaultStopTimeout
	}
	if c.Worker.RestartInterval <= 0 {
		c.Worker.RestartInterval = DefaultRestartInterval
	}
	if c.Driver.Type == "" {
		c.Driver.Type = DefaultDriverType
	}
	if c.Driver.DSN == "" && c.Driver.Type != "memory" {
		c.Driver.DSN = DefaultDriverDSN
	}
	if c.Driver.MaxAttempts <= 0 {
		c.Driver.MaxAttempts = DefaultMaxAttempts
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// SleepTime is the pause between two pops of a worker. Never negative.
func (c Config) SleepTime() time.Duration {
	if c.SleepSeconds <= 0 {
		return 0
	}
	return time.Duration(c.SleepSeconds * float64(time.Second))
}

// SnapshotInterval returns the snapshot period, coerced to a positive value.
func (c Config) SnapshotInterval() time.Duration {
	n := c.JobSnapshot.Interval
	if n <= 0 {
		n = DefaultSnapshotInterval
	}
	return time.Duration(n) * time.Second
}

// HandlerOptions returns the options block for a snapshot handler reference.
func (c Config) HandlerOptions(name string) map[string]any {
	if c.JobSnapshot.Options == nil {
		return nil
	}
	return c.JobSnapshot.Options[strings.ToLower(name)]
}

// Validate checks values Normalize cannot repair.
func (c Config) Validate() error {
	if strings.ContainsAny(c.Channel, `/\`) {
		return fmt.Errorf("channel %q must not contain path separators", c.Channel)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "color":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Loader reads a configuration file through viper and can watch it for changes.
type Loader struct {
	v    *viper.Viper
	path string

	mu  sync.Mutex
	cur Config
}

// NewLoader creates a loader for path. An empty path loads defaults and
// environment overrides only.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("toml")
		}
	}
	return &Loader{v: v, path: path}
}

// Load reads the file (when set), applies env overrides and normalizes.
func (l *Loader) Load() (Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	l.mu.Lock()
	l.cur = c
	l.mu.Unlock()
	return c, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

// Watch invokes fn with the re-read configuration every time the file
// changes. Invalid intermediate states are reported through onErr.
func (l *Loader) Watch(fn func(Config), onErr func(error)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := l.decode()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(c)
	})
	l.v.WatchConfig()
}

// Load is a shorthand for NewLoader(path).Load().
func Load(path string) (Config, error) {
	return NewLoader(path).Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("channel", DefaultChannel)
	v.SetDefault("pid_path", "")
	v.SetDefault("memory_limit", DefaultMemoryLimitMB)
	v.SetDefault("sleep_seconds", 0)
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.workdir", "")
	v.SetDefault("worker.instances", 1)
	v.SetDefault("worker.stop_timeout", DefaultStopTimeout)
	v.SetDefault("worker.restart_interval", DefaultRestartInterval)
	v.SetDefault("worker.use_os_env", true)
	v.SetDefault("job_snapshot.handler", []string{})
	v.SetDefault("job_snapshot.interval", DefaultSnapshotInterval)
	v.SetDefault("driver.type", DefaultDriverType)
	v.SetDefault("driver.dsn", DefaultDriverDSN)
	v.SetDefault("driver.max_attempts", DefaultMaxAttempts)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("http.listen", "")
	v.SetDefault("watch_config", false)
}

package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MAILBOX_IMAP_PASSWORD.
const EnvPrefix = "MAILBOX"

// IMAPConfig describes the mailbox server and account.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Security string `mapstructure:"security" yaml:"security"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password is normally left empty and resolved from the keyring or
	// MAILBOX_IMAP_PASSWORD.
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	DefaultFolder      string `mapstructure:"default_folder" yaml:"default_folder"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// BackoffConfig bounds reconnect attempts.
type BackoffConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxRetries      uint64        `mapstructure:"max_retries" yaml:"max_retries"`
}

// EngineConfig tunes the synchronization engine.
type EngineConfig struct {
	OperationTimeout  time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	IOTimeout         time.Duration `mapstructure:"io_timeout" yaml:"io_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	Backoff           BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
	StatsSampleSize   int           `mapstructure:"stats_sample_size" yaml:"stats_sample_size"`
	BodyPreviewLimit  int           `mapstructure:"body_preview_limit" yaml:"body_preview_limit"`
	MaxPageSize       int           `mapstructure:"max_page_size" yaml:"max_page_size"`
}

// LoggingConfig selects level, format (console or json) and destination.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// HTTPConfig configures the admin HTTP adapter.
type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	AdminToken string `mapstructure:"admin_token" yaml:"admin_token,omitempty"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	IMAP    IMAPConfig    `mapstructure:"imap" yaml:"imap"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailboxctl/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailboxctl", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.security", "tls")
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.default_folder", "INBOX")
	v.SetDefault("imap.insecure_skip_verify", false)

	v.SetDefault("engine.operation_timeout", 30*time.Second)
	v.SetDefault("engine.io_timeout", 60*time.Second)
	v.SetDefault("engine.dial_timeout", 30*time.Second)
	v.SetDefault("engine.keepalive_interval", 2*time.Minute)
	v.SetDefault("engine.backoff.initial_interval", time.Second)
	v.SetDefault("engine.backoff.max_interval", 30*time.Second)
	v.SetDefault("engine.backoff.multiplier", 2.0)
	v.SetDefault("engine.backoff.max_retries", 5)
	v.SetDefault("engine.stats_sample_size", 50)
	v.SetDefault("engine.body_preview_limit", 4096)
	v.SetDefault("engine.max_page_size", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.admin_token", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultAppConfig returns the configuration used when no file exists,
// with environment overrides applied.
func DefaultAppConfig() *AppConfig {
	cfg := &AppConfig{}
	_ = newViper().Unmarshal(cfg)
	return cfg
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, defaults are used. Environment variables
// prefixed with MAILBOX_ override both.
func LoadConfig(path string) (*AppConfig, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings the engine cannot run without.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.IMAP.Host == "" {
		errs = append(errs, errors.New("imap.host is required"))
	}
	if c.IMAP.Username == "" {
		errs = append(errs, errors.New("imap.username is required"))
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		errs = append(errs, fmt.Errorf("imap.port %d out of range", c.IMAP.Port))
	}
	switch c.IMAP.Security {
	case "tls", "starttls", "none":
	default:
		errs = append(errs, fmt.Errorf("imap.security must be tls, starttls or none, got %q", c.IMAP.Security))
	}
	for key, d := range map[string]time.Duration{
		"engine.operation_timeout":        c.Engine.OperationTimeout,
		"engine.io_timeout":               c.Engine.IOTimeout,
		"engine.dial_timeout":             c.Engine.DialTimeout,
		"engine.backoff.initial_interval": c.Engine.Backoff.InitialInterval,
		"engine.backoff.max_interval":     c.Engine.Backoff.MaxInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Engine.KeepaliveInterval < 0 {
		errs = append(errs, errors.New("engine.keepalive_interval must not be negative"))
	}
	return errors.Join(errs...)
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed. The password is never written.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	imapCfg := cfg.IMAP
	imapCfg.Password = ""

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("imap", imapCfg)
	v.Set("engine", cfg.Engine)
	v.Set("logging", cfg.Logging)
	v.Set("http", cfg.HTTP)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

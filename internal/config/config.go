package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/chadmayfield/weatherlogd/internal/schedule"
)

// ErrConfiguration marks a missing or invalid configuration value.
var ErrConfiguration = errors.New("invalid configuration")

// MinPollInterval is the shortest poll interval, in seconds, the data
// source accepts without rate limiting.
const MinPollInterval = 60

// Config is the top-level configuration for weatherlogd.
type Config struct {
	ListenAddr string        `mapstructure:"listen_addr"`
	LogFormat  string        `mapstructure:"log_format"`
	LogLevel   string        `mapstructure:"log_level"`
	Storage    StorageConfig `mapstructure:"storage"`
	Ambient    AmbientConfig `mapstructure:"ambient"`
	Backup     BackupConfig  `mapstructure:"backup"`
}

// StorageConfig locates the measurement database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// AmbientConfig identifies the device to collect from.
type AmbientConfig struct {
	APIKey            string `mapstructure:"api_key"`
	ApplicationKey    string `mapstructure:"application_key"`
	MACAddress        string `mapstructure:"mac_address"`
	PollInterval      int    `mapstructure:"poll_interval"` // seconds
	BaseURL           string `mapstructure:"base_url"`
	Realtime          bool   `mapstructure:"realtime"`
	RealtimeURL       string `mapstructure:"realtime_url"`
	BackfillOnStartup bool   `mapstructure:"backfill_on_startup"`
	BackfillMaxDays   int    `mapstructure:"backfill_max_days"`
}

// BackupConfig controls off-site backups to S3-compatible storage.
type BackupConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Bucket             string `mapstructure:"bucket"`
	Endpoint           string `mapstructure:"endpoint"` // empty for AWS S3
	Region             string `mapstructure:"region"`
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretAccessKey    string `mapstructure:"secret_access_key"`
	DailyRetentionDays int    `mapstructure:"daily_retention_days"`
	Prefix             string `mapstructure:"prefix"`
	Schedule           string `mapstructure:"schedule"` // "minute hour * * *"
	PathStyle          bool   `mapstructure:"path_style"`
}

// Secrets that may be supplied only through the environment, keyed by
// config path.
var secretEnv = map[string]string{
	"ambient.api_key":          "WEATHERLOGD_AMBIENT_API_KEY",
	"ambient.application_key":  "WEATHERLOGD_AMBIENT_APPLICATION_KEY",
	"backup.access_key_id":     "WEATHERLOGD_BACKUP_ACCESS_KEY_ID",
	"backup.secret_access_key": "WEATHERLOGD_BACKUP_SECRET_ACCESS_KEY",
}

// Load reads configuration and validates all of it.
func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Read reads configuration from flag path, env vars, then default file paths,
// without validating it. Maintenance commands that need only part of the
// configuration validate that part themselves.
// Precedence: flag → $WEATHERLOGD_CONFIG env → ~/.config/weatherlogd/config.yaml → /etc/weatherlogd/config.yaml
func Read(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("WEATHERLOGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("WEATHERLOGD_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "weatherlogd"))
		}
		v.AddConfigPath("/etc/weatherlogd")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
		if info, err := os.Stat(cfgPath); err == nil {
			perm := info.Mode().Perm()
			if perm&0004 != 0 {
				slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
			}
		}
	}

	// AutomaticEnv only answers Get for keys viper already knows, so keys
	// absent from both file and defaults are bound explicitly.
	for key, env := range secretEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")
	v.SetDefault("storage.path", "data/weather.db")
	v.SetDefault("ambient.poll_interval", MinPollInterval)
	v.SetDefault("ambient.base_url", "https://rt.ambientweather.net")
	v.SetDefault("ambient.realtime", true)
	v.SetDefault("ambient.realtime_url", "https://rt2.ambientweather.net")
	v.SetDefault("ambient.backfill_on_startup", true)
	v.SetDefault("ambient.backfill_max_days", 7)
	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.region", "us-east-1")
	v.SetDefault("backup.daily_retention_days", 45)
	v.SetDefault("backup.prefix", "weather-backups/")
	v.SetDefault("backup.schedule", "0 2 * * *")
}

var (
	macColons = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)
	macBare   = regexp.MustCompile(`^[0-9A-Fa-f]{12}$`)
)

// ValidMAC reports whether mac is XX:XX:XX:XX:XX:XX or twelve hex digits.
func ValidMAC(mac string) bool {
	return macColons.MatchString(mac) || macBare.MatchString(mac)
}

// NormalizeMAC returns mac in upper-case colon form. Invalid input is
// returned upper-cased but otherwise untouched.
func NormalizeMAC(mac string) string {
	mac = strings.ToUpper(mac)
	if !macBare.MatchString(mac) {
		return mac
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, mac[i:i+2])
	}
	return strings.Join(parts, ":")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return invalid("storage.path is required")
	}
	dir := filepath.Dir(c.Storage.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating storage directory %q: %w", dir, err)
		}
	}

	if err := c.Ambient.Validate(); err != nil {
		return err
	}
	if err := c.Backup.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return invalid("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "", "json", "text":
	default:
		return invalid("log_format must be 'json' or 'text', got %q", c.LogFormat)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return invalid("listen_addr %q is not a valid address: %v", c.ListenAddr, err)
	}

	return nil
}

// Validate checks the data source settings.
func (a *AmbientConfig) Validate() error {
	if a.APIKey == "" {
		return invalid("ambient.api_key is required")
	}
	if a.ApplicationKey == "" {
		return invalid("ambient.application_key is required")
	}
	if a.MACAddress == "" {
		return invalid("ambient.mac_address is required")
	}
	if !ValidMAC(a.MACAddress) {
		return invalid("ambient.mac_address %q is not a valid MAC address", a.MACAddress)
	}
	a.MACAddress = NormalizeMAC(a.MACAddress)
	if a.PollInterval < MinPollInterval {
		return invalid("ambient.poll_interval must be >= %d seconds, got %d", MinPollInterval, a.PollInterval)
	}
	if a.Realtime {
		u, err := url.Parse(a.RealtimeURL)
		if err != nil || u.Host == "" {
			return invalid("ambient.realtime_url %q is not a valid URL", a.RealtimeURL)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return invalid("ambient.realtime_url scheme must be http(s) or ws(s), got %q", u.Scheme)
		}
	}
	return nil
}

// Validate checks the backup settings. Nothing is required while backups
// are disabled.
func (b *BackupConfig) Validate() error {
	if !b.Enabled {
		return nil
	}
	var missing []string
	if b.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if b.AccessKeyID == "" {
		missing = append(missing, "access_key_id")
	}
	if b.SecretAccessKey == "" {
		missing = append(missing, "secret_access_key")
	}
	if len(missing) > 0 {
		return invalid("backup is enabled but missing required configuration: %s", strings.Join(missing, ", "))
	}
	if b.DailyRetentionDays < 1 {
		return invalid("backup.daily_retention_days must be positive, got %d", b.DailyRetentionDays)
	}
	if _, err := schedule.ParseCron(b.Schedule); err != nil {
		return invalid("backup.schedule: %v", err)
	}
	return nil
}

// Redacted returns a copy with secrets masked, for printing.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***REDACTED***"
	}
	c.Ambient.APIKey = mask(c.Ambient.APIKey)
	c.Ambient.ApplicationKey = mask(c.Ambient.ApplicationKey)
	c.Backup.AccessKeyID = mask(c.Backup.AccessKeyID)
	c.Backup.SecretAccessKey = mask(c.Backup.SecretAccessKey)
	return c
}

// Package config loads devin-relay settings from config.toml, .env and the
// process environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/asheshgoplani/devin-relay/internal/logging"
)

const (
	// FileName is the config file inside the relay directory.
	FileName = "config.toml"
	// DirName is the relay directory under $HOME.
	DirName = ".devin-relay"
)

var configLog = logging.ForComponent(logging.CompConfig)

// Environment variables read by Load.
const (
	EnvConfigPath  = "DEVIN_RELAY_CONFIG"
	EnvDiscordBot  = "DISCORD_BOT_TOKEN"
	EnvDevinAPIKey = "DEVIN_API_KEY"
	EnvDevinBase   = "DEVIN_API_BASE"
	EnvDBPath      = "SESSIONS_DB_PATH"
	EnvLogLevel    = "DEVIN_RELAY_LOG_LEVEL"
)

// Config is the whole relay configuration. Secrets are never read from or
// written to the TOML file.
type Config struct {
	Devin   DevinSettings   `toml:"devin"`
	Discord DiscordSettings `toml:"discord"`
	Monitor MonitorSettings `toml:"monitor"`
	Relay   RelaySettings   `toml:"relay"`
	Storage StorageSettings `toml:"storage"`
	Logs    LogSettings     `toml:"logs"`
	HTTP    HTTPSettings    `toml:"http"`
	Updates UpdateSettings  `toml:"updates"`

	// DiscordToken and DevinAPIKey come from the environment only.
	DiscordToken string `toml:"-"`
	DevinAPIKey  string `toml:"-"`

	// Path is the file the config was read from, empty when none existed.
	Path string `toml:"-"`
}

// DevinSettings configures the Devin API client.
type DevinSettings struct {
	APIBase           string  `toml:"api_base"`
	TimeoutSecs       int     `toml:"timeout_secs"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// DiscordSettings configures the gateway and REST clients.
type DiscordSettings struct {
	APIBase           string  `toml:"api_base"`
	GatewayURL        string  `toml:"gateway_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// MonitorSettings configures session polling.
type MonitorSettings struct {
	PollIntervalSecs int `toml:"poll_interval_secs"`
	PollTimeoutSecs  int `toml:"poll_timeout_secs"`
	OutputLimit      int `toml:"output_limit"`

	// ResumeOnStart re-attaches monitors for recent threads after a restart.
	ResumeOnStart     bool `toml:"resume_on_start"`
	ResumeWindowHours int  `toml:"resume_window_hours"`
}

// RelaySettings configures thread keywords and naming.
type RelaySettings struct {
	AsideKeyword  string `toml:"aside_keyword"`
	MuteKeyword   string `toml:"mute_keyword"`
	UnmuteKeyword string `toml:"unmute_keyword"`
	ThreadNameMax int    `toml:"thread_name_max"`
}

// StorageSettings locates the SQLite directory database.
type StorageSettings struct {
	DBPath string `toml:"db_path"`
}

// LogSettings mirrors logging.Config.
type LogSettings struct {
	Dir                   string `toml:"dir"`
	Level                 string `toml:"level"`
	Format                string `toml:"format"`
	MaxSizeMB             int    `toml:"max_size_mb"`
	MaxBackups            int    `toml:"max_backups"`
	MaxAgeDays            int    `toml:"max_age_days"`
	Compress              bool   `toml:"compress"`
	RingBufferMB          int    `toml:"ring_buffer_mb"`
	AggregateIntervalSecs int    `toml:"aggregate_interval_secs"`
	PprofEnabled          bool   `toml:"pprof_enabled"`
	PprofAddr             string `toml:"pprof_addr"`
}

// HTTPSettings enables the operability server. Empty Listen disables it.
type HTTPSettings struct {
	Listen string `toml:"listen"`
	// Token guards /api and /events; /healthz stays open.
	Token string `toml:"token"`
}

// UpdateSettings controls the GitHub release check.
type UpdateSettings struct {
	CheckOnStart       bool `toml:"check_on_start"`
	CheckIntervalHours int  `toml:"check_interval_hours"`
}

// Dir returns ~/.devin-relay.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home dir: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Path returns $DEVIN_RELAY_CONFIG or ~/.devin-relay/config.toml.
func Path() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Default returns a config with every default applied and no secrets.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadEnvFile loads KEY=VALUE pairs from the given .env files (".env" when
// none are named) without overriding variables already set. Missing files
// are ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the TOML file at path (Path() when empty), applies defaults and
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := Path()
		if err != nil {
			return nil, err
		}
		path = p
	}

	c := &Config{}
	if _, err := os.Stat(path); err == nil {
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("config.toml parse error: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			configLog.Warn("config_unknown_keys", slog.String("path", path), slog.String("keys", strings.Join(keys, ",")))
		}
		c.Path = path
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	c.applyEnv()
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyEnv() {
	c.DiscordToken = strings.TrimSpace(os.Getenv(EnvDiscordBot))
	c.DevinAPIKey = strings.TrimSpace(os.Getenv(EnvDevinAPIKey))
	if v := os.Getenv(EnvDevinBase); v != "" {
		c.Devin.APIBase = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logs.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Devin.APIBase == "" {
		c.Devin.APIBase = "https://api.devin.ai/v1"
	}
	if c.Devin.TimeoutSecs == 0 {
		c.Devin.TimeoutSecs = 30
	}
	if c.Discord.APIBase == "" {
		c.Discord.APIBase = "https://discord.com/api/v10"
	}
	if c.Discord.GatewayURL == "" {
		c.Discord.GatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	}
	if c.Discord.RequestsPerSecond == 0 {
		c.Discord.RequestsPerSecond = 5
	}
	if c.Monitor.PollIntervalSecs == 0 {
		c.Monitor.PollIntervalSecs = 15
	}
	if c.Monitor.PollTimeoutSecs == 0 {
		c.Monitor.PollTimeoutSecs = 10
	}
	if c.Monitor.OutputLimit == 0 {
		c.Monitor.OutputLimit = 1800
	}
	if c.Monitor.ResumeWindowHours == 0 {
		c.Monitor.ResumeWindowHours = 24
	}
	if c.Relay.AsideKeyword == "" {
		c.Relay.AsideKeyword = "aside"
	}
	if c.Relay.MuteKeyword == "" {
		c.Relay.MuteKeyword = "mute"
	}
	if c.Relay.UnmuteKeyword == "" {
		c.Relay.UnmuteKeyword = "unmute"
	}
	if c.Relay.ThreadNameMax == 0 {
		c.Relay.ThreadNameMax = 50
	}
	if c.Storage.DBPath == "" {
		if dir, err := Dir(); err == nil {
			c.Storage.DBPath = filepath.Join(dir, "sessions.db")
		} else {
			c.Storage.DBPath = "sessions.db"
		}
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Updates.CheckIntervalHours == 0 {
		c.Updates.CheckIntervalHours = 6
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}
}

// Validate rejects settings the relay cannot run with. Missing secrets are
// reported by RequireSecrets instead, since only `run` needs both.
func (c *Config) Validate() error {
	var errs []error
	if c.Devin.TimeoutSecs < 0 {
		errs = append(errs, fmt.Errorf("devin.timeout_secs must not be negative"))
	}
	if c.Devin.RequestsPerSecond < 0 || c.Discord.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second must not be negative"))
	}
	if c.Monitor.PollIntervalSecs <= 0 {
		errs = append(errs, fmt.Errorf("monitor.poll_interval_secs must be positive"))
	}
	if c.Monitor.PollTimeoutSecs <= 0 {
		errs = append(errs, fmt.Errorf("monitor.poll_timeout_secs must be positive"))
	}
	if c.Monitor.OutputLimit <= 3 {
		errs = append(errs, fmt.Errorf("monitor.output_limit must be greater than 3"))
	}
	if c.Monitor.ResumeWindowHours < 0 {
		errs = append(errs, fmt.Errorf("monitor.resume_window_hours must not be negative"))
	}
	if c.Updates.CheckIntervalHours < 0 {
		errs = append(errs, fmt.Errorf("updates.check_interval_hours must not be negative"))
	}
	kws := map[string]string{
		"relay.aside_keyword":  c.Relay.AsideKeyword,
		"relay.mute_keyword":   c.Relay.MuteKeyword,
		"relay.unmute_keyword": c.Relay.UnmuteKeyword,
	}
	seen := make(map[string]string, len(kws))
	for _, name := range []string{"relay.aside_keyword", "relay.mute_keyword", "relay.unmute_keyword"} {
		kw := strings.ToLower(strings.TrimSpace(kws[name]))
		if kw == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
			continue
		}
		if other, dup := seen[kw]; dup {
			errs = append(errs, fmt.Errorf("%s duplicates %s", name, other))
		}
		seen[kw] = name
	}
	if c.Relay.ThreadNameMax <= 3 || c.Relay.ThreadNameMax > 100 {
		errs = append(errs, fmt.Errorf("relay.thread_name_max must be between 4 and 100"))
	}
	switch c.Logs.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logs.format must be json or text, got %q", c.Logs.Format))
	}
	return errors.Join(errs...)
}

// RequireSecrets reports which of the bot's secrets are missing.
func (c *Config) RequireSecrets() error {
	var missing []string
	if c.DiscordToken == "" {
		missing = append(missing, EnvDiscordBot)
	}
	if c.DevinAPIKey == "" {
		missing = append(missing, EnvDevinAPIKey)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RequireDevinKey is the subset of RequireSecrets the API subcommands need.
func (c *Config) RequireDevinKey() error {
	if c.DevinAPIKey == "" {
		return fmt.Errorf("missing required environment variable: %s", EnvDevinAPIKey)
	}
	return nil
}

// PollInterval returns the monitor tick period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalSecs) * time.Second
}

// PollTimeout bounds one fetch inside a tick.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Monitor.PollTimeoutSecs) * time.Second
}

// DevinTimeout is the HTTP timeout for the Devin client.
func (c *Config) DevinTimeout() time.Duration {
	return time.Duration(c.Devin.TimeoutSecs) * time.Second
}

// UpdateInterval is how long a cached release check stays fresh.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.Updates.CheckIntervalHours) * time.Hour
}

// ResumeWindow is how far back resume_on_start looks.
func (c *Config) ResumeWindow() time.Duration {
	return time.Duration(c.Monitor.ResumeWindowHours) * time.Hour
}

// LoggingConfig converts [logs] into a logging.Config. The bot mirrors to
// stderr; CLI subcommands log to the file only.
func (c *Config) LoggingConfig(stderr bool) logging.Config {
	return logging.Config{
		LogDir:                c.Logs.Dir,
		Level:                 c.Logs.Level,
		Format:                c.Logs.Format,
		Stderr:                stderr,
		MaxSizeMB:             c.Logs.MaxSizeMB,
		MaxBackups:            c.Logs.MaxBackups,
		MaxAgeDays:            c.Logs.MaxAgeDays,
		Compress:              c.Logs.Compress,
		RingBufferSize:        c.Logs.RingBufferMB * 1024 * 1024,
		AggregateIntervalSecs: c.Logs.AggregateIntervalSecs,
		PprofEnabled:          c.Logs.PprofEnabled,
		PprofAddr:             c.Logs.PprofAddr,
	}
}

// Save writes c to path as TOML. The write goes to a temp file that is
// fsynced and renamed over the target.
func Save(c *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# devin-relay configuration\n")
	buf.WriteString("# Secrets (DISCORD_BOT_TOKEN, DEVIN_API_KEY) belong in the environment or .env\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: finalize: %w", err)
	}
	return nil
}

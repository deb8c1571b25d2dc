package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/am-sokolov/liveroom-go/pkg/artifactstore"
)

// Signaling transports.
const (
	SignalingPoll      = "poll"
	SignalingWebSocket = "websocket"
)

const envPrefix = "LIVEROOM_"

type Config struct {
	BackendURL      string
	AuthToken       string
	UserID          string
	DisplayName     string
	Guest           bool
	Signaling       string // poll or websocket
	SignalingWSURL  string
	PollInterval    time.Duration
	ICEServers      []string
	ReconnectGrace  time.Duration
	SegmentInterval time.Duration
	UploadTimeout   time.Duration
	ArtifactDB      string
	InviteBaseURL   string
	LogLevel        string
	LogFormat       string // json or console
	S3              artifactstore.S3Config
}

type fileConfig struct {
	BackendURL      string                 `toml:"backend_url"`
	AuthToken       string                 `toml:"auth_token"`
	UserID          string                 `toml:"user_id"`
	DisplayName     string                 `toml:"display_name"`
	Guest           *bool                  `toml:"guest"`
	Signaling       string                 `toml:"signaling"`
	SignalingWSURL  string                 `toml:"signaling_ws_url"`
	PollInterval    duration               `toml:"poll_interval"`
	ICEServers      []string               `toml:"ice_servers"`
	ReconnectGrace  duration               `toml:"reconnect_grace"`
	SegmentInterval duration               `toml:"segment_interval"`
	UploadTimeout   duration               `toml:"upload_timeout"`
	ArtifactDB      string                 `toml:"artifact_db"`
	InviteBaseURL   string                 `toml:"invite_base_url"`
	LogLevel        string                 `toml:"log_level"`
	LogFormat       string                 `toml:"log_format"`
	S3              artifactstore.S3Config `toml:"s3"`
}

// duration decodes TOML strings such as "2s".
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaults() *Config {
	return &Config{
		BackendURL:      "http://localhost:8080/api",
		Signaling:       SignalingPoll,
		PollInterval:    2 * time.Second,
		ICEServers:      []string{"stun:stun.l.google.com:19302"},
		ReconnectGrace:  10 * time.Second,
		SegmentInterval: 5 * time.Second,
		UploadTimeout:   2 * time.Minute,
		ArtifactDB:      artifactstore.DefaultPath(),
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Load reads defaults, then the config file, then .env, then LIVEROOM_*
// environment variables. A missing config file is not an error.
func Load() (*Config, error) {
	return LoadFrom(configFilePath(), ".env")
}

// LoadFrom is Load with explicit file locations. Empty paths are skipped.
func LoadFrom(configPath, envPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(configPath, &fc); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read %s: %w", configPath, err)
			}
		} else {
			applyFile(cfg, &fc)
		}
	}

	if envPath != "" {
		// Existing environment variables win over .env entries.
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", envPath, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Signaling {
	case SignalingPoll:
	case SignalingWebSocket:
		if c.SignalingWSURL == "" {
			return fmt.Errorf("signaling_ws_url is required for websocket signaling")
		}
	default:
		return fmt.Errorf("unknown signaling transport %q", c.Signaling)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	setString(&cfg.BackendURL, fc.BackendURL)
	setString(&cfg.AuthToken, fc.AuthToken)
	setString(&cfg.UserID, fc.UserID)
	setString(&cfg.DisplayName, fc.DisplayName)
	if fc.Guest != nil {
		cfg.Guest = *fc.Guest
	}
	setString(&cfg.Signaling, fc.Signaling)
	setString(&cfg.SignalingWSURL, fc.SignalingWSURL)
	setDuration(&cfg.PollInterval, fc.PollInterval.Duration)
	if len(fc.ICEServers) > 0 {
		cfg.ICEServers = fc.ICEServers
	}
	setDuration(&cfg.ReconnectGrace, fc.ReconnectGrace.Duration)
	setDuration(&cfg.SegmentInterval, fc.SegmentInterval.Duration)
	setDuration(&cfg.UploadTimeout, fc.UploadTimeout.Duration)
	if fc.ArtifactDB != "" {
		cfg.ArtifactDB = expandTilde(fc.ArtifactDB)
	}
	setString(&cfg.InviteBaseURL, fc.InviteBaseURL)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	cfg.S3 = fc.S3
}

func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.BackendURL, env("BACKEND_URL"))
	setString(&cfg.AuthToken, env("AUTH_TOKEN"))
	setString(&cfg.UserID, env("USER_ID"))
	setString(&cfg.DisplayName, env("DISPLAY_NAME"))
	setString(&cfg.Signaling, env("SIGNALING"))
	setString(&cfg.SignalingWSURL, env("SIGNALING_WS_URL"))
	setString(&cfg.InviteBaseURL, env("INVITE_BASE_URL"))
	setString(&cfg.LogLevel, env("LOG_LEVEL"))
	setString(&cfg.LogFormat, env("LOG_FORMAT"))
	if v := env("ARTIFACT_DB"); v != "" {
		cfg.ArtifactDB = expandTilde(v)
	}
	if v := env("ICE_SERVERS"); v != "" {
		cfg.ICEServers = splitList(v)
	}
	if v := env("GUEST"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sGUEST: %w", envPrefix, err)
		}
		cfg.Guest = b
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":    &cfg.PollInterval,
		"RECONNECT_GRACE":  &cfg.ReconnectGrace,
		"SEGMENT_INTERVAL": &cfg.SegmentInterval,
		"UPLOAD_TIMEOUT":   &cfg.UploadTimeout,
	}
	for key, dst := range durations {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
	}

	setString(&cfg.S3.Endpoint, env("S3_ENDPOINT"))
	setString(&cfg.S3.Bucket, env("S3_BUCKET"))
	setString(&cfg.S3.Region, env("S3_REGION"))
	setString(&cfg.S3.AccessKey, env("S3_ACCESS_KEY"))
	setString(&cfg.S3.SecretKey, env("S3_SECRET_KEY"))
	setString(&cfg.S3.SessionToken, env("S3_SESSION_TOKEN"))
	setString(&cfg.S3.Prefix, env("S3_PREFIX"))
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func configFilePath() string {
	var configDir string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "liveroom")
	} else if home, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(home, ".config", "liveroom")
	} else {
		return ""
	}
	return filepath.Join(configDir, "config.toml")
}

// Path returns the config file location Load reads.
func Path() string {
	return configFilePath()
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

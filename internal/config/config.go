package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token preference values for auth.token_preference.
const (
	PreferIDToken     = "id"
	PreferAccessToken = "access"
)

// Unauthorized policy values for auth.on_unauthorized.
const (
	OnUnauthorizedLogout = "logout"
	OnUnauthorizedWarn   = "warn"
)

// Storage strategies for auth.storage.
const (
	StorageFile   = "file"
	StorageCookie = "cookie"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

const (
	DefaultPollInterval = 5 * time.Second
	MinPollInterval     = time.Second
	MaxPollInterval     = 5 * time.Minute
)

type APIConfig struct {
	BaseURL string        `yaml:"base_url"` // API Gateway stage URL
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type OAuthConfig struct {
	ClientID    string   `yaml:"client_id"`
	AuthURL     string   `yaml:"auth_url"`  // Cognito hosted UI /oauth2/authorize
	TokenURL    string   `yaml:"token_url"` // Cognito hosted UI /oauth2/token
	RedirectURL string   `yaml:"redirect_url"`
	Scopes      []string `yaml:"scopes"`
}

// Enabled reports whether the hosted-UI code flow is configured.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.TokenURL != ""
}

type AuthConfig struct {
	TokenPreference string      `yaml:"token_preference"` // id | access
	OnUnauthorized  string      `yaml:"on_unauthorized"`  // logout | warn
	Storage         string      `yaml:"storage"`          // file | cookie | redis | memory
	StoragePath     string      `yaml:"storage_path"`
	CookiePath      string      `yaml:"cookie_path"` // defaults to cookies.json next to storage_path
	Redis           RedisConfig `yaml:"redis"`
	OAuth           OAuthConfig `yaml:"oauth"`
}

type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Sound        bool          `yaml:"sound"`
}

type DetectorConfig struct {
	URL           string        `yaml:"url"` // Lambda Function URL
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Prefix        string        `yaml:"prefix"`
	MaxFrames     int           `yaml:"max_frames"`
}

type StatusConfig struct {
	Addr string `yaml:"addr"` // empty disables the local status server
}

type Config struct {
	API      APIConfig      `yaml:"api"`
	Auth     AuthConfig     `yaml:"auth"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Detector DetectorConfig `yaml:"detector"`
	Status   StatusConfig   `yaml:"status"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		API: APIConfig{Timeout: 10 * time.Second},
		Auth: AuthConfig{
			TokenPreference: PreferIDToken,
			OnUnauthorized:  OnUnauthorizedLogout,
			Storage:         StorageFile,
			StoragePath:     defaultStoragePath(),
			Redis:           RedisConfig{Addr: "localhost:6379", Prefix: "lifeshot:"},
			OAuth:           OAuthConfig{Scopes: []string{"openid", "email"}},
		},
		Monitor: MonitorConfig{PollInterval: DefaultPollInterval, Sound: true},
		Detector: DetectorConfig{
			Timeout:       15 * time.Minute,
			RatePerSecond: 0.2,
			Burst:         1,
			Prefix:        "LifeShot/Test1/",
			MaxFrames:     200,
		},
	}
}

// Load reads the YAML file at path (if it exists) over the defaults, then applies
// LIFESHOT_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, err
		}
	}
	if err := c.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("LIFESHOT_API_URL", &c.API.BaseURL)
	setString("LIFESHOT_TOKEN_PREFERENCE", &c.Auth.TokenPreference)
	setString("LIFESHOT_ON_UNAUTHORIZED", &c.Auth.OnUnauthorized)
	setString("LIFESHOT_STORAGE", &c.Auth.Storage)
	setString("LIFESHOT_STORAGE_PATH", &c.Auth.StoragePath)
	setString("LIFESHOT_COOKIE_PATH", &c.Auth.CookiePath)
	setString("LIFESHOT_REDIS_ADDR", &c.Auth.Redis.Addr)
	setString("LIFESHOT_REDIS_PASSWORD", &c.Auth.Redis.Password)
	setString("LIFESHOT_OAUTH_CLIENT_ID", &c.Auth.OAuth.ClientID)
	setString("LIFESHOT_DETECTOR_URL", &c.Detector.URL)
	setString("LIFESHOT_STATUS_ADDR", &c.Status.Addr)

	if v := strings.TrimSpace(getenv("LIFESHOT_POLL_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LIFESHOT_POLL_INTERVAL: %w", err)
		}
		c.Monitor.PollInterval = d
	}
	if v := strings.TrimSpace(getenv("LIFESHOT_SOUND")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LIFESHOT_SOUND: %w", err)
		}
		c.Monitor.Sound = b
	}
	return nil
}

// Validate normalizes enumerations and rejects values the console cannot run with.
func (c *Config) Validate() error {
	c.Auth.TokenPreference = strings.ToLower(strings.TrimSpace(c.Auth.TokenPreference))
	c.Auth.OnUnauthorized = strings.ToLower(strings.TrimSpace(c.Auth.OnUnauthorized))
	c.Auth.Storage = strings.ToLower(strings.TrimSpace(c.Auth.Storage))
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")

	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL)
		}
	}
	switch c.Auth.TokenPreference {
	case PreferIDToken, PreferAccessToken:
	default:
		return fmt.Errorf("auth.token_preference must be %q or %q, got %q", PreferIDToken, PreferAccessToken, c.Auth.TokenPreference)
	}
	switch c.Auth.OnUnauthorized {
	case OnUnauthorizedLogout, OnUnauthorizedWarn:
	default:
		return fmt.Errorf("auth.on_unauthorized must be %q or %q, got %q", OnUnauthorizedLogout, OnUnauthorizedWarn, c.Auth.OnUnauthorized)
	}
	switch c.Auth.Storage {
	case StorageFile:
		if c.Auth.StoragePath == "" {
			return errors.New("auth.storage_path is required for file storage")
		}
	case StorageCookie:
		if c.Auth.CookiePath == "" {
			if c.Auth.StoragePath == "" {
				return errors.New("auth.cookie_path or auth.storage_path is required for cookie storage")
			}
			c.Auth.CookiePath = filepath.Join(filepath.Dir(c.Auth.StoragePath), "cookies.json")
		}
	case StorageMemory:
	case StorageRedis:
		if c.Auth.Redis.Addr == "" {
			return errors.New("auth.redis.addr is required for redis storage")
		}
	default:
		return fmt.Errorf("auth.storage %q is not supported", c.Auth.Storage)
	}
	if err := CheckPollInterval(c.Monitor.PollInterval); err != nil {
		return fmt.Errorf("monitor.poll_interval: %w", err)
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 10 * time.Second
	}
	if c.Detector.MaxFrames < 0 {
		return errors.New("detector.max_frames must be >= 0")
	}
	if c.Detector.Burst <= 0 {
		c.Detector.Burst = 1
	}
	return nil
}

// CheckPollInterval rejects intervals outside [MinPollInterval, MaxPollInterval].
func CheckPollInterval(d time.Duration) error {
	if d < MinPollInterval || d > MaxPollInterval {
		return fmt.Errorf("%s must be within [%s, %s]", d, MinPollInterval, MaxPollInterval)
	}
	return nil
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(os.TempDir(), "lifeshot", "session.json")
	}
	return filepath.Join(dir, "lifeshot", "session.json")
}

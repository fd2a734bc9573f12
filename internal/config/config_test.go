package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitor.PollInterval != DefaultPollInterval {
		t.Fatalf("unexpected poll interval: %s", cfg.Monitor.PollInterval)
	}
	if cfg.Auth.TokenPreference != PreferIDToken || cfg.Auth.OnUnauthorized != OnUnauthorizedLogout {
		t.Fatalf("unexpected auth defaults: %+v", cfg.Auth)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifeshot.yml")
	doc := `
api:
  base_url: https://api.example.com/prod/
auth:
  token_preference: ACCESS
  on_unauthorized: warn
  storage: memory
monitor:
  poll_interval: 3s
detector:
  url: https://detector.lambda-url.eu-west-1.on.aws/
  max_frames: 50
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LIFESHOT_POLL_INTERVAL", "4s")
	t.Setenv("LIFESHOT_SOUND", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "https://api.example.com/prod" {
		t.Fatalf("base url not normalized: %q", cfg.API.BaseURL)
	}
	if cfg.Auth.TokenPreference != PreferAccessToken || cfg.Auth.OnUnauthorized != OnUnauthorizedWarn {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Monitor.PollInterval != 4*time.Second {
		t.Fatalf("env override not applied: %s", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.Sound {
		t.Fatalf("sound override not applied")
	}
	if cfg.Detector.MaxFrames != 50 || cfg.Detector.Prefix != "LifeShot/Test1/" {
		t.Fatalf("unexpected detector config: %+v", cfg.Detector)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "preference", mutate: func(c *Config) { c.Auth.TokenPreference = "refresh" }, want: "token_preference"},
		{name: "policy", mutate: func(c *Config) { c.Auth.OnUnauthorized = "ignore" }, want: "on_unauthorized"},
		{name: "storage", mutate: func(c *Config) { c.Auth.Storage = "sessionStorage" }, want: "auth.storage"},
		{name: "interval", mutate: func(c *Config) { c.Monitor.PollInterval = 0 }, want: "poll_interval"},
		{name: "base url", mutate: func(c *Config) { c.API.BaseURL = "not a url" }, want: "base_url"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestCookieStorageDefaultsPathNextToStoragePath(t *testing.T) {
	cfg := Default()
	cfg.Auth.Storage = StorageCookie
	cfg.Auth.StoragePath = filepath.Join("state", "lifeshot", "session.json")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want := filepath.Join("state", "lifeshot", "cookies.json"); cfg.Auth.CookiePath != want {
		t.Fatalf("cookie path = %q, want %q", cfg.Auth.CookiePath, want)
	}

	cfg = Default()
	cfg.Auth.Storage = StorageCookie
	cfg.Auth.CookiePath = "/tmp/jar.json"
	if err := cfg.Validate(); err != nil || cfg.Auth.CookiePath != "/tmp/jar.json" {
		t.Fatalf("explicit cookie path: %q, %v", cfg.Auth.CookiePath, err)
	}
}

func TestCheckPollInterval(t *testing.T) {
	cases := []struct {
		d  time.Duration
		ok bool
	}{
		{time.Millisecond, false},
		{MinPollInterval, true},
		{DefaultPollInterval, true},
		{MaxPollInterval, true},
		{MaxPollInterval + time.Second, false},
	}
	for _, tc := range cases {
		if err := CheckPollInterval(tc.d); (err == nil) != tc.ok {
			t.Fatalf("CheckPollInterval(%s) = %v", tc.d, err)
		}
	}
}

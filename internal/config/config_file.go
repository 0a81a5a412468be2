package config

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config with TOML-friendly types. Pointers mark values
// that may legitimately be zero.
type FileConfig struct {
	Listen  string `toml:"listen"`
	Journal string `toml:"journal"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`

	Scope struct {
		Allow    []string `toml:"allow"`
		Deny     []string `toml:"deny"`
		Disabled *bool    `toml:"disabled"`
	} `toml:"scope"`

	Engine struct {
		AllowUnsafeHeaders *bool    `toml:"allow_unsafe_headers"`
		HandleTTL          string   `toml:"handle_ttl"`
		RequestsPerSecond  *float64 `toml:"requests_per_second"`
		Burst              *int     `toml:"burst"`
		MaxBodyBytes       *int64   `toml:"max_body_bytes"`
		UserAgent          string   `toml:"user_agent"`
	} `toml:"engine"`

	Client struct {
		ConnectTimeout  string `toml:"connect_timeout"`
		MaxRedirections *int   `toml:"max_redirections"`
		Proxy           string `toml:"proxy"`
	} `toml:"client"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.httpbridge/config.toml, or "" without a home
// directory.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".httpbridge", "config.toml")
	}
	return ""
}

// ApplyFileConfig copies file values into cfg, skipping flags in changed.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("listen", fc.Listen, &cfg.ListenAddr)
	s.setString("journal", fc.Journal, &cfg.JournalPath)
	s.setString("log-level", fc.Log.Level, &cfg.LogLevel)
	s.setString("log-format", fc.Log.Format, &cfg.LogFormat)

	s.setStrings("allow", fc.Scope.Allow, &cfg.Allow)
	s.setStrings("deny", fc.Scope.Deny, &cfg.Deny)
	s.setBool("no-scope", fc.Scope.Disabled, &cfg.ScopeDisabled)

	s.setBool("allow-unsafe-headers", fc.Engine.AllowUnsafeHeaders, &cfg.AllowUnsafeHeaders)
	if err := s.setDuration("handle-ttl", fc.Engine.HandleTTL, &cfg.HandleTTL); err != nil {
		return err
	}
	s.setFloat("rps", fc.Engine.RequestsPerSecond, &cfg.RequestsPerSecond)
	s.setInt("burst", fc.Engine.Burst, &cfg.Burst)
	s.setInt64("max-body-bytes", fc.Engine.MaxBodyBytes, &cfg.MaxBodyBytes)
	s.setString("user-agent", fc.Engine.UserAgent, &cfg.UserAgent)

	if err := s.setDuration("connect-timeout", fc.Client.ConnectTimeout, &cfg.ConnectTimeout); err != nil {
		return err
	}
	s.setInt("max-redirections", fc.Client.MaxRedirections, &cfg.MaxRedirections)
	s.setString("proxy", fc.Client.Proxy, &cfg.Proxy)
	return nil
}

// FileExists reports whether p exists.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// Package config assembles daemon settings from defaults, a TOML file,
// HTTPBRIDGE_* environment variables and command-line flags. Flags win over
// the environment, which wins over the file.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/raysh454/httpbridge/internal/engine"
	"github.com/raysh454/httpbridge/internal/model"
	"github.com/raysh454/httpbridge/internal/scope"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HTTPBRIDGE_"

// Config holds daemon and engine settings.
type Config struct {
	ListenAddr  string
	JournalPath string

	LogLevel  string
	LogFormat string

	Allow         []string
	Deny          []string
	ScopeDisabled bool

	AllowUnsafeHeaders bool
	HandleTTL          time.Duration
	RequestsPerSecond  float64
	Burst              int
	MaxBodyBytes       int64
	UserAgent          string

	ConnectTimeout time.Duration
	// MaxRedirections below zero leaves the engine default.
	MaxRedirections int
	Proxy           string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	ec := engine.DefaultConfig()
	return Config{
		ListenAddr:      "127.0.0.1:8787",
		JournalPath:     "~/.httpbridge/journal.db",
		LogLevel:        "info",
		LogFormat:       "json",
		HandleTTL:       ec.HandleTTL,
		Burst:           ec.Burst,
		UserAgent:       ec.UserAgent,
		ConnectTimeout:  ec.Defaults.ConnectTimeoutDuration(),
		MaxRedirections: -1,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	if c.HandleTTL < 0 {
		return errors.New("handle ttl must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return errors.New("burst must be positive when rate limiting")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("max body bytes must not be negative")
	}
	if c.ConnectTimeout < 0 {
		return errors.New("connect timeout must not be negative")
	}
	if !c.ScopeDisabled && len(c.Allow) == 0 {
		return errors.New("scope has no allow rules; add --allow patterns or disable the scope")
	}
	if _, err := scope.New(c.scope()); err != nil {
		return err
	}
	return c.defaults().Validate()
}

func (c *Config) scope() scope.Config {
	return scope.Config{Allow: c.Allow, Deny: c.Deny, Disabled: c.ScopeDisabled}
}

func (c *Config) defaults() model.ClientOptions {
	opts := model.ClientOptions{ConnectTimeout: model.Millis(c.ConnectTimeout)}
	if c.MaxRedirections >= 0 {
		opts.MaxRedirections = model.Int(c.MaxRedirections)
	}
	if c.Proxy != "" {
		opts.Proxy = &model.ProxyConfig{All: &model.Proxy{URL: c.Proxy}}
	}
	return opts
}

// Engine converts c into the engine's settings.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		Scope:              c.scope(),
		AllowUnsafeHeaders: c.AllowUnsafeHeaders,
		HandleTTL:          c.HandleTTL,
		RequestsPerSecond:  c.RequestsPerSecond,
		Burst:              c.Burst,
		MaxBodyBytes:       c.MaxBodyBytes,
		UserAgent:          c.UserAgent,
		Defaults:           c.defaults(),
	}
}

// configSetter applies values unless the matching flag was set explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = append([]string(nil), value...)
}

func (s *configSetter) setInt(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setInt64(flag string, value *int64, dst *int64) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setFloat(flag string, value *float64, dst *float64) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// ApplyEnvConfig applies HTTPBRIDGE_* variables read through getenv.
// Values for flags in changed are skipped.
func ApplyEnvConfig(cfg *Config, getenv func(string) string, changed map[string]bool) error {
	s := newConfigSetter(changed)
	env := func(name string) string { return strings.TrimSpace(getenv(EnvPrefix + name)) }

	s.setString("listen", env("LISTEN"), &cfg.ListenAddr)
	s.setString("journal", env("JOURNAL"), &cfg.JournalPath)
	s.setString("log-level", env("LOG_LEVEL"), &cfg.LogLevel)
	s.setString("log-format", env("LOG_FORMAT"), &cfg.LogFormat)
	s.setString("user-agent", env("USER_AGENT"), &cfg.UserAgent)
	s.setString("proxy", env("PROXY"), &cfg.Proxy)
	s.setStrings("allow", splitList(env("ALLOW")), &cfg.Allow)
	s.setStrings("deny", splitList(env("DENY")), &cfg.Deny)

	if err := s.setDuration("handle-ttl", env("HANDLE_TTL"), &cfg.HandleTTL); err != nil {
		return err
	}
	if err := s.setDuration("connect-timeout", env("CONNECT_TIMEOUT"), &cfg.ConnectTimeout); err != nil {
		return err
	}

	for _, b := range []struct {
		flag, name string
		dst        *bool
	}{
		{"no-scope", "NO_SCOPE", &cfg.ScopeDisabled},
		{"allow-unsafe-headers", "ALLOW_UNSAFE_HEADERS", &cfg.AllowUnsafeHeaders},
	} {
		if v := env(b.name); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", b.flag, err)
			}
			s.setBool(b.flag, &parsed, b.dst)
		}
	}

	if v := env("RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse rps: %w", err)
		}
		s.setFloat("rps", &f, &cfg.RequestsPerSecond)
	}
	if v := env("BURST"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse burst: %w", err)
		}
		s.setInt("burst", &i, &cfg.Burst)
	}
	if v := env("MAX_REDIRECTIONS"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse max-redirections: %w", err)
		}
		s.setInt("max-redirections", &i, &cfg.MaxRedirections)
	}
	if v := env("MAX_BODY_BYTES"); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse max-body-bytes: %w", err)
		}
		s.setInt64("max-body-bytes", &i, &cfg.MaxBodyBytes)
	}
	return nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

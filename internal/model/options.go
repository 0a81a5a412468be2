package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ClientOptions configures how the engine performs a request. Nil fields
// mean "use the engine default".
type ClientOptions struct {
	MaxRedirections *int `json:"maxRedirections,omitempty" toml:"max_redirections,omitempty"`
	// ConnectTimeout is in milliseconds.
	ConnectTimeout *int64       `json:"connectTimeout,omitempty" toml:"connect_timeout_ms,omitempty"`
	Proxy          *ProxyConfig `json:"proxy,omitempty" toml:"proxy,omitempty"`
}

// ProxyConfig selects a proxy per target scheme. HTTP and HTTPS take
// precedence over All.
type ProxyConfig struct {
	All   *Proxy `json:"all,omitempty" toml:"all,omitempty"`
	HTTP  *Proxy `json:"http,omitempty" toml:"http,omitempty"`
	HTTPS *Proxy `json:"https,omitempty" toml:"https,omitempty"`
}

// Proxy is one upstream proxy. On the wire it is either a bare URL string or
// an object with url, basicAuth and noProxy.
type Proxy struct {
	URL       string     `json:"url" toml:"url"`
	BasicAuth *BasicAuth `json:"basicAuth,omitempty" toml:"basic_auth,omitempty"`
	// NoProxy is a comma separated list of hosts, domains and CIDRs that
	// bypass this proxy.
	NoProxy string `json:"noProxy,omitempty" toml:"no_proxy,omitempty"`
}

// BasicAuth holds proxy credentials.
type BasicAuth struct {
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
}

// UnmarshalJSON accepts either "http://proxy:8080" or {"url": ...}.
func (p *Proxy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = Proxy{URL: s}
		return nil
	}
	type plain Proxy
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("proxy: expected url string or object: %w", err)
	}
	*p = Proxy(obj)
	return nil
}

// For returns the proxy entry that applies to scheme, or nil.
func (c *ProxyConfig) For(scheme string) *Proxy {
	if c == nil {
		return nil
	}
	switch strings.ToLower(scheme) {
	case "https":
		if c.HTTPS != nil {
			return c.HTTPS
		}
	case "http":
		if c.HTTP != nil {
			return c.HTTP
		}
	}
	return c.All
}

// Merge returns a copy of o with every unset field taken from defaults.
func (o *ClientOptions) Merge(defaults ClientOptions) ClientOptions {
	out := defaults
	if o == nil {
		return out
	}
	if o.MaxRedirections != nil {
		out.MaxRedirections = o.MaxRedirections
	}
	if o.ConnectTimeout != nil {
		out.ConnectTimeout = o.ConnectTimeout
	}
	if o.Proxy != nil {
		out.Proxy = o.Proxy
	}
	return out
}

// ConnectTimeoutDuration converts ConnectTimeout to a duration; zero means unset.
func (o ClientOptions) ConnectTimeoutDuration() time.Duration {
	if o.ConnectTimeout == nil {
		return 0
	}
	return time.Duration(*o.ConnectTimeout) * time.Millisecond
}

// Validate rejects negative limits and proxies without a URL.
func (o ClientOptions) Validate() error {
	if o.MaxRedirections != nil && *o.MaxRedirections < 0 {
		return errors.New("maxRedirections must not be negative")
	}
	if o.ConnectTimeout != nil && *o.ConnectTimeout < 0 {
		return errors.New("connectTimeout must not be negative")
	}
	if o.Proxy != nil {
		for name, p := range map[string]*Proxy{"all": o.Proxy.All, "http": o.Proxy.HTTP, "https": o.Proxy.HTTPS} {
			if p != nil && strings.TrimSpace(p.URL) == "" {
				return fmt.Errorf("proxy %s: url is required", name)
			}
		}
	}
	return nil
}

// Int returns a pointer to v. Handy for optional option fields.
func Int(v int) *int { return &v }

// Millis returns a pointer to the millisecond count of d.
func Millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

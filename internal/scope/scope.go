// Package scope decides whether the engine may contact a URL, using glob
// allow and deny lists matched against the full URL string.
package scope

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotAllowed is returned when a URL is outside the configured scope.
var ErrNotAllowed = errors.New("url not allowed on the configured scope")

// Config lists glob patterns. Deny always wins over Allow.
type Config struct {
	Allow []string `toml:"allow"`
	Deny  []string `toml:"deny"`
	// Disabled turns enforcement off entirely.
	Disabled bool `toml:"disabled"`
}

// Scope is a validated, immutable set of rules.
type Scope struct {
	allow    []string
	deny     []string
	disabled bool
}

// New validates every pattern in cfg.
func New(cfg Config) (*Scope, error) {
	for _, p := range append(append([]string{}, cfg.Allow...), cfg.Deny...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid scope pattern %q", p)
		}
	}
	return &Scope{
		allow:    append([]string(nil), cfg.Allow...),
		deny:     append([]string(nil), cfg.Deny...),
		disabled: cfg.Disabled,
	}, nil
}

// Allows reports whether u may be requested.
func (s *Scope) Allows(u *url.URL) bool {
	if s == nil || s.disabled {
		return true
	}
	target := u.String()
	for _, p := range s.deny {
		if doublestar.MatchUnvalidated(p, target) {
			return false
		}
	}
	for _, p := range s.allow {
		if doublestar.MatchUnvalidated(p, target) {
			return true
		}
	}
	return false
}

// Check returns an error wrapping ErrNotAllowed when u is out of scope.
func (s *Scope) Check(u *url.URL) error {
	if s.Allows(u) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotAllowed, u.String())
}

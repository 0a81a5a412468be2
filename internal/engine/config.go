package engine

import (
	"time"

	"github.com/raysh454/httpbridge/internal/model"
	"github.com/raysh454/httpbridge/internal/scope"
)

// Config holds the engine's static settings.
type Config struct {
	// Scope restricts which URLs may be requested.
	Scope scope.Config

	// AllowUnsafeHeaders lets forbidden request headers such as origin or
	// host through to the wire. Off by default.
	AllowUnsafeHeaders bool

	// HandleTTL retires handles that have not been touched for this long.
	// Zero disables expiry.
	HandleTTL time.Duration

	// RequestsPerSecond throttles outgoing round trips. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int

	// MaxBodyBytes caps a single response body. Zero means unlimited.
	MaxBodyBytes int64

	// UserAgent is sent when the caller did not provide one.
	UserAgent string

	// Defaults are the client options used when a request does not set them.
	Defaults model.ClientOptions
}

// DefaultConfig returns a Config populated with conservative defaults. The
// scope is empty, so nothing is reachable until rules are added.
func DefaultConfig() Config {
	return Config{
		HandleTTL: 5 * time.Minute,
		Burst:     1,
		UserAgent: "httpbridge/0.1",
		Defaults: model.ClientOptions{
			ConnectTimeout: model.Millis(30 * time.Second),
		},
	}
}

package webclient

import "time"

type Backend string

const BackendNetHTTP Backend = "nethttp"

// Config selects and tunes a WebClient backend.
type Config struct {
	Backend Backend
	// Timeout bounds a whole exchange. Zero means 30s.
	Timeout time.Duration
	// UserAgent is set on requests that do not carry one.
	UserAgent string
}

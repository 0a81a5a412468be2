// Package webclient is the plain HTTP layer used to talk to a remote engine's
// REST API. Backends are registered by name and built through New.
package webclient

import "context"

type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)

	Close() error
}

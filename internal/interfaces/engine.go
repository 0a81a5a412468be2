package interfaces

import (
	"context"

	"github.com/raysh454/httpbridge/internal/model"
)

// Engine is the request/reply protocol a native HTTP engine exposes to a
// binding. It is implemented in-process by engine.Engine and remotely by the
// ipc and remote clients.
type Engine interface {
	// Configure replaces the default client options used by later issues.
	Configure(ctx context.Context, opts model.ClientOptions) error

	// Issue starts a request and returns its handle without waiting for
	// the network.
	Issue(ctx context.Context, req *model.IssueRequest) (model.Handle, error)

	// Cancel aborts and retires a handle. Retired or unknown handles are
	// acknowledged without error.
	Cancel(ctx context.Context, rid model.Handle) error

	// Send waits for status and headers of an issued request.
	Send(ctx context.Context, rid model.Handle) (*model.FetchResponse, error)

	// ReadBody returns the full response body for a body handle; nil
	// means empty.
	ReadBody(ctx context.Context, rid model.Handle) ([]byte, error)
}

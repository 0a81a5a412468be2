package server

import (
	"github.com/raysh454/httpbridge/internal/engine"
	"github.com/raysh454/httpbridge/internal/logging"
)

type Config struct {
	// ListenAddr is the HTTP listen address for the REST, IPC and metrics
	// endpoints.
	ListenAddr string

	Engine engine.Config

	// JournalPath is the SQLite file for the request journal. Empty
	// disables the journal.
	JournalPath string

	Logger logging.Logger
}

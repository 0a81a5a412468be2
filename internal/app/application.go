package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raysh454/httpbridge/internal/config"
	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/server"
)

const shutdownTimeout = 15 * time.Second

// Application is the daemon's runtime state: validated config, the logger
// and the engine server.
type Application struct {
	Config config.Config
	Logger logging.Logger
	Server *server.Server
}

// NewApplication validates cfg and builds the server. The caller owns the
// result and must call Shutdown or Run.
func NewApplication(cfg config.Config, logger logging.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}

	srv, err := server.NewServer(server.Config{
		ListenAddr:  cfg.ListenAddr,
		Engine:      cfg.Engine(),
		JournalPath: cfg.JournalPath,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &Application{Config: cfg, Logger: logger, Server: srv}, nil
}

// Run serves until ctx is done, then shuts down. If ready is non-nil it
// receives the bound address once the listener is up.
func (a *Application) Run(ctx context.Context, ready chan<- string) error {
	if a == nil {
		return errors.New("application is nil")
	}
	ln, err := net.Listen("tcp", a.Config.ListenAddr)
	if err != nil {
		_ = a.Server.Close()
		return fmt.Errorf("listen %s: %w", a.Config.ListenAddr, err)
	}
	hs := a.Server.HTTPServer()

	a.Logger.Info("engine listening", logging.Field{Key: "addr", Value: ln.Addr().String()})
	if ready != nil {
		ready <- ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := a.Server.CloseConnections(); err != nil {
			a.Logger.Warn("closing ipc connections", logging.Err(err))
		}

		// In-flight REST calls finish against a live engine before it closes.
		drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancelDrain()
		if err := hs.Shutdown(drainCtx); err != nil {
			a.Logger.Warn("http shutdown", logging.Err(err))
			_ = hs.Close()
		}

		closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancelClose()
		return a.Shutdown(closeCtx)
	})
	return g.Wait()
}

// Shutdown closes the server: IPC connections, engine and journal.
func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil {
		return errors.New("application is nil")
	}
	a.Logger.Info("application shutdown initiated")
	done := make(chan error, 1)
	go func() { done <- a.Server.Close() }()
	select {
	case err := <-done:
		if err != nil {
			a.Logger.Warn("server close returned error", logging.Err(err))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

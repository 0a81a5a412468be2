package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raysh454/httpbridge/internal/binding"
	"github.com/raysh454/httpbridge/internal/config"
	"github.com/raysh454/httpbridge/internal/engine"
	"github.com/raysh454/httpbridge/internal/interfaces"
	"github.com/raysh454/httpbridge/internal/ipc"
	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/remote"
	"github.com/raysh454/httpbridge/internal/scope"
	"github.com/raysh454/httpbridge/internal/webclient"
)

type fetchOptions struct {
	engineURL string
	method    string
	headers   []string
	data      string
	include   bool
	fail      bool
	timeout   time.Duration
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch one URL through the binding and print the body",
		Args:  cobra.ExactArgs(1),
	}
	cf := bindConfigFlags(cmd.Flags())
	fs := cmd.Flags()
	fs.StringVar(&opts.engineURL, "engine", "", "remote engine: ws://host/v1/ipc or http://host (default in-process)")
	fs.StringVarP(&opts.method, "request", "X", "GET", "request method")
	fs.StringArrayVarP(&opts.headers, "header", "H", nil, `request header "Name: value" (repeatable)`)
	fs.StringVarP(&opts.data, "data", "d", "", "request body")
	fs.BoolVarP(&opts.include, "include", "i", false, "print status line and headers")
	fs.BoolVarP(&opts.fail, "fail", "f", false, "exit non-zero on a non-2xx status")
	fs.DurationVar(&opts.timeout, "timeout", 0, "overall deadline (0 waits forever)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := cf.load(cmd)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: "console", Out: cmd.ErrOrStderr()})
		return runFetch(cmd.Context(), cmd.OutOrStdout(), cfg, opts, args[0], logger)
	}
	return cmd
}

func runFetch(ctx context.Context, out io.Writer, cfg config.Config, opts fetchOptions, target string, logger logging.Logger) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	eng, closeEngine, err := openEngine(ctx, opts.engineURL, cfg, target, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	var body io.Reader
	if opts.data != "" {
		body = strings.NewReader(opts.data)
	}
	req := binding.NewRequest(opts.method, target, body)
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		req.AddHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := binding.New(eng, logger).Fetch(ctx, req)
	if err != nil {
		return err
	}

	if opts.include {
		fmt.Fprintf(out, "%d %s\n", resp.Status, resp.StatusText)
		fmt.Fprintf(out, "url: %s\n", resp.URL)
		for _, h := range resp.Headers {
			fmt.Fprintf(out, "%s: %s\n", h.Name(), h.Value())
		}
		fmt.Fprintln(out)
	}
	if _, err := out.Write(resp.Body); err != nil {
		return err
	}
	if opts.fail && !resp.OK() {
		return fmt.Errorf("server replied %d %s", resp.Status, resp.StatusText)
	}
	return nil
}

// openEngine picks the engine behind the binding from the --engine URL.
func openEngine(ctx context.Context, engineURL string, cfg config.Config, target string, logger logging.Logger) (interfaces.Engine, func(), error) {
	if engineURL == "" {
		ec := cfg.Engine()
		if !ec.Scope.Disabled && len(ec.Scope.Allow) == 0 {
			sc := targetScope(target)
			sc.Deny = ec.Scope.Deny
			ec.Scope = sc
		}
		e, err := engine.New(ec, logger)
		if err != nil {
			return nil, nil, err
		}
		return e, func() { _ = e.Close() }, nil
	}

	u, err := url.Parse(engineURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid engine url %q: %w", engineURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		c, err := ipc.Dial(ctx, engineURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	case "http", "https":
		// Send may wait on a slow upstream; the caller's context bounds it.
		wc, err := webclient.New(webclient.Config{Backend: webclient.BackendNetHTTP, Timeout: time.Hour}, logger)
		if err != nil {
			return nil, nil, err
		}
		c, err := remote.New(engineURL, wc, logger)
		if err != nil {
			_ = wc.Close()
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}
	return nil, nil, errors.New("engine url must be ws://, wss://, http:// or https://")
}

// targetScope limits an in-process engine without allow rules to the
// target's origin.
func targetScope(target string) scope.Config {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "data" || u.Host == "" {
		return scope.Config{Disabled: err == nil && u.Scheme == "data"}
	}
	return scope.Config{Allow: []string{globEscape(u.Scheme+"://"+u.Host) + "/**"}}
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

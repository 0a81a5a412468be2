// Command httpbridge runs the fetch engine as a daemon or performs a single
// fetch through the binding.
package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/raysh454/httpbridge/internal/config"
)

var exampleUsage = strings.TrimSpace(`
  httpbridge serve --allow 'https://api.example.com/**'
  httpbridge fetch https://api.example.com/data.json
  httpbridge fetch --engine ws://127.0.0.1:8787/v1/ipc -X POST -d '{"a":1}' https://api.example.com/items
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "httpbridge",
		Short:         "Handle-based HTTP fetch engine and client binding",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newFetchCmd())
	return root
}

// configFlags binds the daemon/engine settings shared by serve and fetch.
type configFlags struct {
	cfg  config.Config
	path string
}

func bindConfigFlags(fs *pflag.FlagSet) *configFlags {
	cf := &configFlags{cfg: config.DefaultConfig()}
	c := &cf.cfg
	fs.StringVar(&cf.path, "config", "", "TOML config file (default ~/.httpbridge/config.toml)")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "listen address")
	fs.StringVar(&c.JournalPath, "journal", c.JournalPath, "SQLite request journal (empty disables)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json|console")
	fs.StringSliceVar(&c.Allow, "allow", c.Allow, "URL glob the engine may fetch (repeatable)")
	fs.StringSliceVar(&c.Deny, "deny", c.Deny, "URL glob the engine must refuse (repeatable)")
	fs.BoolVar(&c.ScopeDisabled, "no-scope", c.ScopeDisabled, "allow every URL")
	fs.BoolVar(&c.AllowUnsafeHeaders, "allow-unsafe-headers", c.AllowUnsafeHeaders, "forward forbidden request headers")
	fs.DurationVar(&c.HandleTTL, "handle-ttl", c.HandleTTL, "retire idle handles after this long (0 disables)")
	fs.Float64Var(&c.RequestsPerSecond, "rps", c.RequestsPerSecond, "outgoing requests per second (0 is unlimited)")
	fs.IntVar(&c.Burst, "burst", c.Burst, "rate limiter burst")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "response body cap (0 is unlimited)")
	fs.StringVar(&c.UserAgent, "user-agent", c.UserAgent, "default User-Agent")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "default connect timeout")
	fs.IntVar(&c.MaxRedirections, "max-redirections", c.MaxRedirections, "default redirect limit (-1 keeps the engine default)")
	fs.StringVar(&c.Proxy, "proxy", c.Proxy, "default proxy URL for all schemes")
	return cf
}

// load layers the config file and HTTPBRIDGE_* variables under explicitly
// set flags.
func (cf *configFlags) load(cmd *cobra.Command) (config.Config, error) {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	path := cf.path
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if path != "" && config.FileExists(path) {
		fc, err := config.LoadFileConfig(path)
		if err != nil {
			return cf.cfg, fmt.Errorf("load config: %w", err)
		}
		if err := config.ApplyFileConfig(&cf.cfg, fc, changed); err != nil {
			return cf.cfg, err
		}
	} else if cf.path != "" {
		return cf.cfg, fmt.Errorf("config file %s not found", cf.path)
	}

	if err := config.ApplyEnvConfig(&cf.cfg, os.Getenv, changed); err != nil {
		return cf.cfg, err
	}
	return cf.cfg, nil
}

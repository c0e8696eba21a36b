// Package cli implements the updateio command line: a headless hub that
// talks to a host over the same session the desktop app uses.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lobinuxsoft/updateio/apps/hub/config"
	"github.com/lobinuxsoft/updateio/apps/hub/logging"
	"github.com/lobinuxsoft/updateio/apps/hub/session"
	"github.com/lobinuxsoft/updateio/pkg/version"
)

// defaultLogLevel keeps command output free of info logs.
const defaultLogLevel = "warn"

// EnvPrefix prefixes the environment variables that override global flags,
// e.g. UPDATEIO_HOST or UPDATEIO_LOG_LEVEL.
const EnvPrefix = "UPDATEIO"

// rootOptions resolves global flags, environment and defaults through
// viper.
type rootOptions struct {
	v *viper.Viper
}

func (o *rootOptions) url() string            { return o.v.GetString("url") }
func (o *rootOptions) host() string           { return o.v.GetString("host") }
func (o *rootOptions) port() int              { return o.v.GetInt("port") }
func (o *rootOptions) timeout() time.Duration { return o.v.GetDuration("timeout") }
func (o *rootOptions) logLevel() string       { return o.v.GetString("log-level") }
func (o *rootOptions) configDir() string      { return o.v.GetString("config-dir") }
func (o *rootOptions) json() bool             { return o.v.GetBool("json") }

// New builds the root command.
func New() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	o := &rootOptions{v: v}

	root := &cobra.Command{
		Use:           "updateio",
		Short:         version.Name + " command line hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("url", "", "host WebSocket URL (overrides --host/--port)")
	flags.String("host", "", "host address (default: configured host, then mDNS discovery)")
	flags.Int("port", 0, "host port")
	flags.Duration("timeout", 0, "per-command timeout (0 waits for the host)")
	flags.String("log-level", "", "log level: debug|info|warn|error")
	flags.String("config-dir", "", "config directory (default: user config dir)")
	flags.Bool("json", false, "print JSON instead of text")
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	root.AddCommand(
		newGamesCmd(o),
		newSettingsCmd(o),
		newDashboardCmd(o),
		newDiscoverCmd(o),
		newDevhostCmd(o),
		newVersionCmd(o),
	)
	return root
}

func (o *rootOptions) config() (*config.Manager, error) {
	if dir := o.configDir(); dir != "" {
		return config.NewManagerAt(dir)
	}
	return config.NewManager()
}

func (o *rootOptions) logger(cmd *cobra.Command) (*slog.Logger, error) {
	name := o.logLevel()
	if name == "" {
		name = defaultLogLevel
	}
	level, err := logging.ParseLevel(name)
	if err != nil {
		return nil, err
	}
	return logging.NewWriter(cmd.ErrOrStderr(), "text", level), nil
}

// open connects to the host named by the flags, falling back to the
// configured host and then to discovery.
func (o *rootOptions) open(cmd *cobra.Command) (*session.Session, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	logger, err := o.logger(cmd)
	if err != nil {
		return nil, err
	}

	c := cfg.GetConfig()
	opts := session.Options{
		URL:            o.url(),
		Host:           o.host(),
		Port:           o.port(),
		HubName:        version.Name + " CLI",
		RequestTimeout: o.timeout(),
		Logger:         logger,
	}
	if opts.Host == "" {
		opts.Host = c.HostAddress
	}
	if opts.Port == 0 {
		opts.Port = c.HostPort
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = c.RequestTimeout()
	}

	return session.Open(cmd.Context(), opts)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.json() {
				return printJSON(cmd.OutOrStdout(), version.GetInfo())
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Name, version.Full())
			return err
		},
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lobinuxsoft/updateio/internal/devhost"
	"github.com/lobinuxsoft/updateio/internal/hosttest"
	"github.com/lobinuxsoft/updateio/pkg/discovery"
	"github.com/lobinuxsoft/updateio/pkg/version"
)

type devhostOptions struct {
	listen    string
	name      string
	advertise bool
	step      time.Duration
	pickPath  string
}

func newDevhostCmd(o *rootOptions) *cobra.Command {
	d := &devhostOptions{}
	cmd := &cobra.Command{
		Use:   "devhost",
		Short: "Serve a simulated host with a demo library",
		Long: "Serve a simulated host with a demo library until interrupted. The host\n" +
			"is advertised over mDNS so the hub finds it without configuration.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevhost(cmd, o, d)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&d.listen, "listen", ":0", "address to listen on")
	flags.StringVar(&d.name, "name", discovery.GetHostname()+" (dev)", "advertised host name")
	flags.BoolVar(&d.advertise, "advertise", true, "advertise the host over mDNS")
	flags.DurationVar(&d.step, "step", 500*time.Millisecond, "delay between progress events")
	flags.StringVar(&d.pickPath, "pick-path", "", "path returned by the folder picker (empty simulates a dismissed picker)")
	return cmd
}

func runDevhost(cmd *cobra.Command, o *rootOptions, d *devhostOptions) error {
	logger, err := o.logger(cmd)
	if err != nil {
		return err
	}

	lib := devhost.Demo(devhost.Options{Step: d.step, PickPath: d.pickPath, Logger: logger})
	defer lib.Close()

	host := hosttest.NewHost()
	host.Name = d.name
	host.Version = version.Version
	host.Platform = discovery.GetPlatform()
	host.SetLogger(logger)
	lib.Register(host)
	defer host.Close()

	ln, err := net.Listen("tcp", d.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.listen, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	srv := &http.Server{Handler: host.Handler(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	if d.advertise {
		adv := discovery.NewServer(discovery.ServiceInfo{
			ID:       uuid.NewString()[:8],
			Name:     d.name,
			Platform: host.Platform,
			Version:  version.Version,
			Port:     port,
		})
		if err := adv.Start(); err != nil {
			srv.Close()
			return err
		}
		defer adv.Stop()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "serving %s on ws://%s/ws\n", d.name, ln.Addr())

	select {
	case <-cmd.Context().Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

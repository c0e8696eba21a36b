package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lobinuxsoft/updateio/apps/hub/session"
	"github.com/lobinuxsoft/updateio/pkg/discovery"
)

func newDashboardCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Summarize the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(o, cmd, func(s *session.Session) error {
				if _, err := s.Games.Load(cmd.Context()); err != nil {
					return err
				}
				sum := s.Dashboard.Summary()
				if o.json() {
					return printJSON(cmd.OutOrStdout(), sum)
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Games:          %d\n", sum.TotalGames)
				fmt.Fprintf(w, "Updated today:  %d\n", sum.UpdatedToday)
				fmt.Fprintf(w, "Updating:       %d\n", len(sum.ActiveUpdates))
				for _, u := range sum.ActiveUpdates {
					fmt.Fprintf(w, "  %s  %d%%\n", u.Name, u.Progress)
				}
				fmt.Fprintf(w, "Failed:         %d\n", len(sum.Failed))
				for _, f := range sum.Failed {
					fmt.Fprintf(w, "  %s  %s\n", f.Name, f.Error)
				}
				return nil
			})
		},
	}
}

func newDiscoverCmd(o *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find hosts on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := discovery.NewClient()
			defer client.Close()

			hosts, err := client.Discover(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			if o.json() {
				return printJSON(cmd.OutOrStdout(), hosts)
			}
			if len(hosts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no hosts found")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPLATFORM\tVERSION\tURL")
			for _, h := range hosts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.Info.ID, h.Info.Name, h.Info.Platform, h.Info.Version, h.WebSocketAddress())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "wait", session.DefaultDiscoveryTimeout, "how long to listen for hosts")
	return cmd
}

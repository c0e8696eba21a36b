package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lobinuxsoft/updateio/apps/hub/session"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

func newSettingsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change host settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the host settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(o, cmd, func(s *session.Session) error {
				settings, err := s.Settings.Load(cmd.Context())
				if err != nil {
					return err
				}
				return o.printSettings(cmd.OutOrStdout(), settings)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting",
		Long: "Change one setting. The value is JSON; anything that does not parse as\n" +
			"JSON is sent as a string. Keys: autoUpdate, notifications, checkInterval, paths.",
		Example: "  updateio settings set checkInterval 30\n" +
			"  updateio settings set paths '{\"steam\":\"/games/steam\"}'",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := protocol.SettingsUpdate{
				Key:   protocol.SettingsKey(args[0]),
				Value: settingValue(args[1]),
			}
			return withSession(o, cmd, func(s *session.Session) error {
				if err := s.Settings.UpdateSettings(cmd.Context(), u); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", u.Key)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "pick <platform>",
		Short:     "Pick a library folder on the host for a storefront",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(protocol.PlatformSteam), string(protocol.PlatformEpic)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(o, cmd, func(s *session.Session) error {
				path, ok, err := s.Settings.PickLibraryPath(cmd.Context(), protocol.Platform(args[0]))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "selection cancelled")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s library: %s\n", args[0], path)
				return nil
			})
		},
	})

	return cmd
}

// settingValue returns raw when it is valid JSON and raw encoded as a JSON
// string otherwise.
func settingValue(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	data, _ := json.Marshal(raw)
	return data
}

func (o *rootOptions) printSettings(w io.Writer, s protocol.Settings) error {
	if o.json() {
		return printJSON(w, s)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%t\n", protocol.KeyAutoUpdate, s.AutoUpdate)
	fmt.Fprintf(tw, "%s\t%t\n", protocol.KeyNotifications, s.Notifications)
	fmt.Fprintf(tw, "%s\t%d\n", protocol.KeyCheckInterval, s.CheckInterval)
	fmt.Fprintf(tw, "%s.steam\t%s\n", protocol.KeyPaths, orDash(s.Paths.Steam))
	fmt.Fprintf(tw, "%s.epic\t%s\n", protocol.KeyPaths, orDash(s.Paths.Epic))
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

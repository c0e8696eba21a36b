package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/apps/hub/session"
	"github.com/lobinuxsoft/updateio/apps/hub/views"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// followView is the view id the CLI mounts while following an update.
const followView = "cli-follow"

func newGamesCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "games",
		Short: "List, check and update installed games",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List installed games",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(o, cmd, func(s *session.Session) error {
				games, err := s.Games.Load(cmd.Context())
				if err != nil {
					return err
				}
				return o.printGames(cmd.OutOrStdout(), games)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Rescan the host's libraries and list the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(o, cmd, func(s *session.Session) error {
				games, err := s.Games.Refresh(cmd.Context())
				if err != nil {
					return err
				}
				return o.printGames(cmd.OutOrStdout(), games)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <id>",
		Short: "Check whether a game has an update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(o, cmd, func(s *session.Session) error {
				available, err := s.Games.CheckUpdates(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if o.json() {
					return printJSON(cmd.OutOrStdout(), map[string]any{"gameId": args[0], "available": available})
				}
				if available {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: update available\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: up to date\n", args[0])
				}
				return nil
			})
		},
	})

	var follow bool
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Start an update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(o, cmd, func(s *session.Session) error {
				if !follow {
					if err := s.Games.UpdateGame(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: update started\n", args[0])
					return nil
				}
				return followUpdate(cmd.Context(), cmd.OutOrStdout(), s.Games, args[0])
			})
		},
	}
	update.Flags().BoolVarP(&follow, "follow", "f", false, "wait for the update and print its progress")
	cmd.AddCommand(update)

	return cmd
}

func withSession(o *rootOptions, cmd *cobra.Command, fn func(*session.Session) error) error {
	s, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// followUpdate starts an update of id and prints progress until the game
// settles.
func followUpdate(ctx context.Context, w io.Writer, g *views.Games, id string) error {
	games, err := g.Load(ctx)
	if err != nil {
		return err
	}
	initial, ok := findGame(games, id)
	if !ok {
		return fmt.Errorf("unknown game %q", id)
	}
	if err := g.Mount(ctx, followView); err != nil {
		return err
	}
	defer g.Unmount(followView)

	f := &follower{w: w, id: id, initial: initial, done: make(chan protocol.Game, 1), lastProgress: -1}
	unsubscribe := g.Query().Subscribe(f.observe)
	defer unsubscribe()

	if err := g.UpdateGame(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: update started\n", initial.Name)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case final := <-f.done:
		if final.UpdateStatus != nil && final.UpdateStatus.Error != "" {
			return fmt.Errorf("%s: %w: %s", final.Name, errUpdateFailed, final.UpdateStatus.Error)
		}
		fmt.Fprintf(w, "%s: up to date (%s)\n", final.Name, final.LastUpdate)
		return nil
	}
}

var errUpdateFailed = errors.New("update failed")

// follower watches the games entry for one game's update.
type follower struct {
	w       io.Writer
	id      string
	initial protocol.Game
	done    chan protocol.Game

	mu           sync.Mutex
	seenUpdating bool
	lastProgress int
	finished     bool
}

func (f *follower) observe(r query.Result[[]protocol.Game]) {
	g, ok := findGame(r.Data, f.id)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}

	if g.IsUpdating() {
		f.seenUpdating = true
		if p := g.UpdateStatus.Progress; p != nil && *p != f.lastProgress {
			f.lastProgress = *p
			fmt.Fprintf(f.w, "%s: %d%%\n", g.Name, *p)
		}
		return
	}

	if f.seenUpdating || g.LastUpdate != f.initial.LastUpdate || failedSince(g, f.initial) {
		f.finished = true
		f.done <- g
	}
}

func failedSince(g, initial protocol.Game) bool {
	if g.UpdateStatus == nil || g.UpdateStatus.Error == "" {
		return false
	}
	return initial.UpdateStatus == nil || initial.UpdateStatus.Error != g.UpdateStatus.Error
}

func findGame(games []protocol.Game, id string) (protocol.Game, bool) {
	for _, g := range games {
		if g.ID == id {
			return g, true
		}
	}
	return protocol.Game{}, false
}

func (o *rootOptions) printGames(w io.Writer, games []protocol.Game) error {
	if o.json() {
		return printJSON(w, games)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPLATFORM\tLAST UPDATE\tSTATUS")
	for _, g := range games {
		last := g.LastUpdate
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.ID, g.Name, g.Platform, last, statusText(g))
	}
	return tw.Flush()
}

func statusText(g protocol.Game) string {
	st := g.UpdateStatus
	switch {
	case st == nil:
		return "-"
	case st.IsUpdating && st.Progress != nil:
		return fmt.Sprintf("updating %d%%", *st.Progress)
	case st.IsUpdating:
		return "updating"
	case st.Error != "":
		return "failed: " + st.Error
	}
	return "-"
}

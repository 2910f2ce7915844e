package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/backtesting-org/pikerd/internal/watchlists"
)

// withWatchlists loads the user's watchlists, runs fn and saves the
// result when fn reports a change.
func withWatchlists(a *app, fn func(wl watchlists.Watchlists) (bool, error)) error {
	path, err := a.watchlistsPath()
	if err != nil {
		return err
	}
	wl, err := watchlists.Ensure(path)
	if err != nil {
		return err
	}
	changed, err := fn(wl)
	if err != nil || !changed {
		return err
	}
	return watchlists.Write(path, wl)
}

func newWatchlistsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchlists",
		Short: "Manage watchlists",
	}

	show := &cobra.Command{
		Use:   "show [name]",
		Short: "Print all watchlists, or one by name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWatchlists(a, func(wl watchlists.Watchlists) (bool, error) {
				merged := watchlists.Merge(wl, watchlists.Builtins)
				if len(args) == 0 {
					return false, printJSON(cmd.OutOrStdout(), merged)
				}
				syms, ok := merged[args[0]]
				if !ok {
					return false, fmt.Errorf("%w: %s", watchlists.ErrUnknownWatchlist, args[0])
				}
				return false, printJSON(cmd.OutOrStdout(), syms)
			})
		},
	}

	add := &cobra.Command{
		Use:   "add <name> <symbol>...",
		Short: "Add symbols to a watchlist, creating it if needed",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWatchlists(a, func(wl watchlists.Watchlists) (bool, error) {
				wl.Add(args[0], args[1:]...)
				return true, nil
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <name> <symbol>",
		Short: "Remove a symbol from a watchlist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWatchlists(a, func(wl watchlists.Watchlists) (bool, error) {
				return true, wl.Remove(args[0], args[1])
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a watchlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWatchlists(a, func(wl watchlists.Watchlists) (bool, error) {
				return true, wl.Delete(args[0])
			})
		},
	}

	load := &cobra.Command{
		Use:   "load <file>",
		Short: "Merge watchlists from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var extra watchlists.Watchlists
			if err := json.Unmarshal(raw, &extra); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withWatchlists(a, func(wl watchlists.Watchlists) (bool, error) {
				for name, syms := range extra {
					wl.Add(name, syms...)
				}
				return true, nil
			})
		},
	}

	cmd.AddCommand(show, add, rm, del, load)
	return cmd
}

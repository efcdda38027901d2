package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionEvictCmd)
	sessionCmd.AddCommand(sessionSweepCmd)
	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manages persisted sessions.",
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists every session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		infos, err := a.sessions.List(cmd.Context())
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Label", "Authenticated", "Created", "Last used", "Leased", "Expired"})
		for _, info := range infos {
			t.AppendRow(table.Row{
				info.ID,
				info.Label,
				yesNo(info.Authenticated),
				info.CreatedAt.In(a.clock.Location()).Format(time.DateTime),
				info.LastUsedAt.In(a.clock.Location()).Format(time.DateTime),
				yesNo(info.Leased),
				yesNo(info.Expired),
			})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
		return nil
	},
}

var sessionEvictCmd = &cobra.Command{
	Use:   "evict <id>...",
	Short: "Deletes sessions and their stored state.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var errs []error
		for _, id := range args {
			err := a.sessions.Evict(cmd.Context(), id)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			fmt.Println("evicted", id)
		}
		return errors.Join(errs...)
	},
}

var sessionSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Deletes every expired session that is not leased.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.sessions.SweepExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("swept %d sessions\n", n)
		return nil
	},
}

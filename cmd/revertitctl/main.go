// Package main is the CLI front-end for meshadmin-revertit.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshadmin/revertit/internal/control"
	"github.com/meshadmin/revertit/internal/domain"
)

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "revertitctl",
	Short: "Administrator front-end for the revertitd safety daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/meshadmin-revertit.sock", "path to the daemon's control socket")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(timeoutsCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(testCmd)

	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsCreateCmd)
	snapshotsCmd.AddCommand(snapshotsRestoreCmd)
	snapshotsCreateCmd.Flags().String("description", "", "human-readable note stored with the snapshot")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is reachable and its current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(socketPath)
		status, err := client.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "revertitd unreachable: %v\n", err)
			os.Exit(2)
		}
		printJSON(status)
		return nil
	},
}

var timeoutsCmd = &cobra.Command{
	Use:   "timeouts",
	Short: "List changes waiting on a confirmation deadline or grace window",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(socketPath)
		raw, err := client.ListChanges()
		if err != nil {
			return err
		}
		var changes []domain.PendingChange
		if err := json.Unmarshal(raw, &changes); err != nil {
			return err
		}
		for _, c := range changes {
			if c.State != domain.StateOpen && c.State != domain.StateGrace {
				continue
			}
			fmt.Printf("%s\t%s\t%s\tdeadline=%s\n", c.ChangeID, c.Category, c.State, c.Deadline.Format("15:04:05"))
		}
		return nil
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <change_id>",
	Short: "Confirm a pending change, keeping its edit and cancelling the revert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(socketPath)
		if err := client.Confirm(args[0]); err != nil {
			exitForCallError(err)
			return err
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <change_id>",
	Short: "Force a pending change straight into revert without waiting for its deadline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(socketPath)
		if err := client.Cancel(args[0]); err != nil {
			exitForCallError(err)
			return err
		}
		return nil
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect or operate on the snapshot store",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(socketPath)
		raw, err := client.SnapshotsList()
		if err != nil {
			return err
		}
		var snaps []domain.SnapshotMetadata
		if err := json.Unmarshal(raw, &snaps); err != nil {
			return err
		}
		for _, s := range snaps {
			fmt.Printf("%s\t%s\t%s\t%d entries\n", s.ID, s.Origin, s.Description, len(s.Entries))
		}
		return nil
	},
}

var snapshotsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a manual, retention-exempt snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		client := control.NewClient(socketPath)
		id, err := client.SnapshotsCreate(description)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var snapshotsRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot_id>",
	Short: "Restore every path recorded in a snapshot and restart affected services",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(socketPath)
		if err := client.SnapshotsRestore(args[0]); err != nil {
			exitForCallError(err)
			return err
		}
		return nil
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the daemon's self-test and report host capability coverage",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(socketPath)
		raw, err := client.SelfTest()
		if err != nil {
			fmt.Fprintf(os.Stderr, "self-test request failed: %v\n", err)
			os.Exit(1)
		}
		var report map[string]any
		if err := json.Unmarshal(raw, &report); err != nil {
			return err
		}
		printJSON(report)
		if ok, _ := report["ok"].(bool); !ok {
			os.Exit(1)
		}
		return nil
	},
}

// exitForCallError maps a *control.CallError's wire-level kind to this
// CLI's exit-code contract before os.Exit. Non-CallError errors
// (transport failures) fall through to cobra's default exit 1.
func exitForCallError(err error) {
	callErr, ok := err.(*control.CallError)
	if !ok {
		return
	}
	switch callErr.Kind {
	case "change_not_found":
		fmt.Fprintln(os.Stderr, callErr.Message)
		os.Exit(3)
	case "change_not_confirmable":
		fmt.Fprintln(os.Stderr, callErr.Message)
		os.Exit(4)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// diagCmd groups read-only diagnostic operations. The snapshot reports
// per-worker state (health, circuit, load) only; it includes no per-worker
// retry counts and no per-tree radix stats.
var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Read-only diagnostics over the worker pool",
}

var diagSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the current diagnostic snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := buildFromConfig()
		if err != nil {
			return err
		}
		defer gw.Close()

		snap := gw.Router.Snapshot()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("diag: encoding snapshot: %w", err)
		}
		return nil
	},
}

func init() {
	diagCmd.AddCommand(diagSnapshotCmd)
}

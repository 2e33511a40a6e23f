package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/output"
)

var provisionCmd = &cobra.Command{
	Use:     "provision",
	Short:   "Create tables, change tracking and scope records",
	GroupID: "scope",
	Long: `Creates missing tables, the tracking table and triggers of every synced
table, and the scope record. Existing rows are backfilled into tracking so
they upload on the next sync. Sync provisions on its own; this command makes
it explicit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		noTables, _ := cmd.Flags().GetBool("no-tables")

		flags := models.ProvisionLocalDefault
		if noTables {
			flags &^= models.ProvisionTable
		}

		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.Close()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		for _, l := range ws.locals {
			s, err := l.Provision(ctx, flags, overwrite)
			if err != nil {
				return err
			}
			if !jsonOut {
				output.Success("provisioned %s (%d tables)", l.ScopeName(), len(s.Tables))
			}
		}
		if jsonOut {
			return output.JSON(map[string]any{"provisioned": scopeNames(ws)})
		}
		return nil
	},
}

var deprovisionCmd = &cobra.Command{
	Use:     "deprovision",
	Short:   "Drop change tracking and scope records",
	GroupID: "scope",
	Long: `Drops the tracking tables and triggers of every synced table and the scope
record. Application tables and their rows are never dropped. The next sync
starts over as a first sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keepScope, _ := cmd.Flags().GetBool("keep-scope")

		flags := models.ProvisionTracking | models.ProvisionScope
		if keepScope {
			flags &^= models.ProvisionScope
		}

		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.Close()

		for _, l := range ws.locals {
			if err := l.Deprovision(cmd.Context(), flags); err != nil {
				return err
			}
			if !jsonOut {
				output.Success("deprovisioned %s", l.ScopeName())
			}
		}
		if jsonOut {
			return output.JSON(map[string]any{"deprovisioned": scopeNames(ws)})
		}
		return nil
	},
}

func scopeNames(ws *workspace) []string {
	names := make([]string, len(ws.locals))
	for i, l := range ws.locals {
		names[i] = l.ScopeName()
	}
	return names
}

func init() {
	provisionCmd.Flags().Bool("overwrite", false, "drop and rebuild existing tracking structures")
	provisionCmd.Flags().Bool("no-tables", false, "do not create missing application tables")
	deprovisionCmd.Flags().Bool("keep-scope", false, "keep the scope record and its watermarks")
	rootCmd.AddCommand(provisionCmd, deprovisionCmd)
}

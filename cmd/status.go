package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/rowsync/internal/output"
	"github.com/marcus/rowsync/internal/transport"
)

// scopeStatus is the JSON form of one scope in `rowsync status`.
type scopeStatus struct {
	Name         string     `json:"name"`
	Provisioned  bool       `json:"provisioned"`
	ID           string     `json:"id,omitempty"`
	LocalMark    int64      `json:"local_timestamp"`
	RemoteMark   int64      `json:"remote_timestamp"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
	SchemaHash   string     `json:"schema_hash"`
	SchemaChange bool       `json:"schema_changed"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show scope watermarks and server reachability",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		checkRemote, _ := cmd.Flags().GetBool("remote-check")

		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.Close()

		ctx := cmd.Context()
		var out []scopeStatus
		for _, l := range ws.locals {
			scope, err := l.Scope(ctx)
			if err != nil {
				return err
			}
			st := scopeStatus{Name: l.ScopeName(), SchemaHash: l.Schema().Hash()}
			if scope != nil {
				st.Provisioned = true
				st.ID = scope.ID
				st.LocalMark = scope.LastSyncTimestamp
				st.RemoteMark = scope.LastRemoteTimestamp
				st.LastSync = scope.LastSync
				st.SchemaChange = scope.SchemaHash != st.SchemaHash
			}
			out = append(out, st)

			if jsonOut {
				continue
			}
			if scope == nil {
				output.Info("%s  not provisioned", l.ScopeName())
				continue
			}
			output.Info("%s", output.FormatScope(scope))
			if st.SchemaChange {
				output.Warning("schema of %s changed since it was provisioned", l.ScopeName())
			}
		}

		var remoteErr error
		if checkRemote {
			remoteErr = pingRemote(ctx)
		}
		if jsonOut {
			res := map[string]any{"scopes": out}
			if checkRemote {
				res["remote_ok"] = remoteErr == nil
			}
			return output.JSON(res)
		}
		if checkRemote {
			if remoteErr != nil {
				output.Warning("server %s unreachable: %v", cfg.Remote.URL, remoteErr)
			} else {
				output.Success("server %s reachable", cfg.Remote.URL)
			}
		}
		return nil
	},
}

func pingRemote(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := transport.NewHTTP(cfg.Remote.URL, cfg.Remote.APIKey, cfg.Remote.Timeout).Health(ctx)
	return err
}

func init() {
	statusCmd.Flags().Bool("remote-check", false, "also check that the server is reachable")
	rootCmd.AddCommand(statusCmd)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marcus/rowsync/internal/config"
	"github.com/marcus/rowsync/internal/output"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage rowsync configuration",
	GroupID: "system",
}

var configInitCmd = &cobra.Command{
	Use:         "init [path]",
	Short:       "Write a config file with the defaults",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultFile
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return errors.WithHint(errors.Newf("%s already exists", path), "pass --force to overwrite it")
		}
		if err := config.Save(path, config.Default()); err != nil {
			return errors.Wrap(err, "write config")
		}
		output.Success("wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Remote.APIKey != "" {
			shown.Remote.APIKey = "********"
		}
		if shown.Webhook.Secret != "" {
			shown.Webhook.Secret = "********"
		}
		if jsonOut {
			return output.JSON(shown)
		}
		data, err := yaml.Marshal(&shown)
		if err != nil {
			return err
		}
		if cfg.File != "" {
			output.Info("# %s", cfg.File)
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

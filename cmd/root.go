package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/marcus/rowsync/internal/config"
	"github.com/marcus/rowsync/internal/input"
	"github.com/marcus/rowsync/internal/output"
)

var (
	version string

	// cfg is loaded before every command except the ones marked skipConfig.
	cfg        *config.Config
	configPath string
	jsonOut    bool
)

// skipConfig marks commands that run without a loaded configuration.
const skipConfig = "skip-config"

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "rowsync",
	Short: "Bidirectional row-level sync between a local database and a remote server",
	Long: `rowsync - keeps tables of a local SQLite database in sync with a remote rowsync-server.

Each scope is a set of tables described by a schema file. Changes are tracked
per row; every session uploads local changes, applies them on the server, and
downloads what changed remotely, resolving conflicts by policy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] == "true" {
			return nil
		}
		v := config.New()
		if err := bindFlags(v, cmd.Flags()); err != nil {
			return err
		}
		loaded, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		if err := expandInputs(loaded); err != nil {
			return err
		}
		cfg = loaded
		setupLogging(cfg.LogLevel)
		return nil
	},
}

// expandInputs resolves "-" (stdin) and "@file" values of the API key and
// the scope list, so secrets need not appear on the command line.
func expandInputs(c *config.Config) error {
	key, err := input.Value(c.Remote.APIKey, os.Stdin)
	if err != nil {
		return errors.Wrap(err, "api key")
	}
	c.Remote.APIKey = key
	if c.Scopes, err = input.ExpandValues(c.Scopes, os.Stdin); err != nil {
		return errors.Wrap(err, "scopes")
	}
	return c.Validate()
}

// flagKeys maps persistent flags to their configuration keys.
var flagKeys = map[string]string{
	"database":  "database",
	"schema":    "schema",
	"scope":     "scopes",
	"remote":    "remote.url",
	"api-key":   "remote.api_key",
	"policy":    "conflict.policy",
	"log-level": "log_level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		reportError(err)
		os.Exit(exitCode(err))
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (default ./"+config.DefaultFile+")")
	pf.String("database", "", "local SQLite database")
	pf.String("schema", "", "schema file or directory of schema files")
	pf.StringSlice("scope", nil, "limit to these scopes (repeatable, @file reads one per line)")
	pf.String("remote", "", "rowsync-server base URL")
	pf.String("api-key", "", "API key for the server (- reads stdin, @file reads a file)")
	pf.String("policy", "", "conflict policy: remote-wins, local-wins, merge, rollback")
	pf.String("log-level", "", "debug, info, warn, error")
	pf.BoolVar(&jsonOut, "json", false, "JSON output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "scope", Title: "Scope Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print the version",
	GroupID:     "system",
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOut {
			output.JSON(map[string]string{"version": version})
			return
		}
		output.Info("rowsync %s", version)
	},
}

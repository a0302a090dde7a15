// Package cmd provides the CLI commands for supalab.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/awarmack/supalab/internal/appdir"
	"github.com/awarmack/supalab/internal/logging"
)

var (
	// Global flags
	configDir     string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	version = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "supalab [config files...]",
	Short: "supalab - an interactive console for Supabase projects",
	Long: `supalab is an interactive console for exploring a Supabase project:
sign in, call edge functions, and listen to realtime channels.

Configuration is read from key/value files. The default.cfg file in
the config directory is loaded first, then the files given as
arguments; later files override earlier ones.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > default (warn)
		effectiveLogLevel := "warn"
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}
		cfg := logging.Config{
			Level:      effectiveLogLevel,
			Components: components,
		}
		if logFile != "" {
			// The file keeps debug records even when the console is quiet.
			cfg.FileLevel = "debug"
			cfg.FileLog = &logging.FileLogConfig{Path: logFile}
		}
		if err := logging.Initialize(cfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		appdir.SetOverride(configDir)
		return nil
	},
	RunE: runConsole,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the version shown in the banner and by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Directory holding config files (default: $"+appdir.ConfigDirEnv+" or ./"+appdir.DefaultConfigDir+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: warn)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (rotated; records are also written to stderr)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'realtime,auth'). Empty means all components.")
}

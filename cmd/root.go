// cmd/root.go

// Package cmd implements the citadel-fabric command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aceteam-ai/citadel-fabric/internal/config"
	"github.com/aceteam-ai/citadel-fabric/internal/observability"
)

var cfgFile string
var logLevel string
var debugMode bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "citadel-fabric",
	Short: "Heartbeat ingestion and task dispatch for the Citadel compute fabric",
	Long: `citadel-fabric runs the control plane of the Citadel compute fabric and
the agent that connects a GPU node to it.

  serve     accept node connections, forward heartbeats, dispatch tasks
  consume   aggregate heartbeats from the bus into daily statistics and points
  agent     connect this machine to a control plane`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
}

// loadConfig reads the config file and applies the logging flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if debugMode {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the root logger and records the invocation at debug level.
func newLogger(cfg *config.Config, cmd *cobra.Command, args []string) zerolog.Logger {
	log := observability.NewLogger(cfg.LogOptions())
	if log.GetLevel() <= zerolog.DebugLevel {
		log.Debug().Str("command", commandLine(cmd, args)).Msg("starting")
	}
	return log
}

// commandLine reconstructs the command as typed, with the flags that were set.
func commandLine(cmd *cobra.Command, args []string) string {
	full := cmd.CommandPath()
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "debug" {
			return
		}
		if f.Value.Type() == "bool" {
			full += " --" + f.Name
		} else {
			full += " --" + f.Name + "=" + f.Value.String()
		}
	})
	if len(args) > 0 {
		full += " " + strings.Join(args, " ")
	}
	return full
}

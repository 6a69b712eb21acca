// Command scout drives a mobile base toward a named object category using a
// pretrained recurrent navigation policy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/banshee-data/scout/internal/config"
	"github.com/banshee-data/scout/internal/monitoring"
)

var (
	verbose    bool
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scout",
	Short: "scout - semantic object-goal navigation controller",
	Long: `scout runs closed-loop object-goal navigation episodes.

Each step reads a sensor frame from the selected backend, segments it,
asks the recurrent policy for an action and dispatches the resulting
motion primitive until the policy stops or the step limit is reached.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg = zap.NewDevelopmentConfig()
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable per-step trace logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a .json or .yaml config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(episodesCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(serveSyntheticCmd)
	rootCmd.AddCommand(servePolicyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config, or returns an empty config so every field
// takes its default.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Empty(), nil
	}
	return config.LoadConfig(configPath)
}

func componentLog(name string) *monitoring.Logger {
	return monitoring.New(logger, name)
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

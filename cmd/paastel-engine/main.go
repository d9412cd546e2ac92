package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paastel-io/paastel/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "paastel-engine",
		Short:         "Build, release and deploy orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(config.Load().LogLevel)
		},
	}
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newReconcileCommand())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
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
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

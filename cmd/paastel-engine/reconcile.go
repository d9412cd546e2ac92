package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paastel-io/paastel/internal/config"
)

func newReconcileCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Fail builds and deploys whose worker stopped heartbeating",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reconcile(config.Load(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func reconcile(cfg *config.Config, once bool) error {
	ctx := context.Background()
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	r := e.reconciler()
	if once {
		res := r.RunOnce(ctx)
		slog.Info("reconcile pass finished", "builds", res.Builds, "deploys", res.Deploys)
		return nil
	}

	if err := r.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	r.Stop(stopCtx)
	return nil
}

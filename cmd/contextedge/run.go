package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/pkg/contextedge"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the edge runtime",
	RunE:  runEdge,
}

func runEdge(cmd *cobra.Command, args []string) error {
	flow, err := contextedge.Conf(cfgPath, contextedge.WithFlowOptions(contextedge.WithLogger(logger)))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithField("config", cfgPath).Info("starting edge runtime")
	if err := flow.Run(ctx); err != nil {
		return err
	}
	logger.Info("edge runtime stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/contextcache"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/observability"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/pkg/contextedge"
)

var keysLimit int

var keysCmd = &cobra.Command{
	Use:   "runtime-keys <device>",
	Short: "List the Redis runtime-state keys of a device, one SCAN page at a time",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeys,
}

func init() {
	keysCmd.Flags().IntVar(&keysLimit, "limit", 1000, "stop after this many keys (0 for no limit)")
}

func runKeys(cmd *cobra.Command, args []string) error {
	cfg, err := contextedge.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	resolver, err := contextcache.NewResolver(cfg.Redis, observability.NewPromObs(logger, prometheus.NewRegistry()))
	if err != nil {
		return err
	}
	defer resolver.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	it := contextcache.NewIterator(resolver, contextcache.RuntimePattern(args[0]), 0)
	printed := 0
	for !it.Done() {
		page, err := it.Next(ctx)
		if err != nil {
			return err
		}
		for _, k := range page {
			fmt.Fprintln(cmd.OutOrStdout(), k)
			printed++
			if keysLimit > 0 && printed >= keysLimit {
				fmt.Fprintf(cmd.OutOrStdout(), "(stopped at %d keys, resume cursor %d)\n", printed, it.Cursor())
				return nil
			}
		}
	}
	return nil
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/pkg/contextedge"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a config file without starting the runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := contextedge.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config %s looks good: %d devices, feedback via %s\n",
			cfgPath, len(cfg.Devices), cfg.Feedback.Backend)
		return nil
	},
}

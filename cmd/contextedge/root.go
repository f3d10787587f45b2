package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgPath   string
	logLevel  string
	logFormat string

	logger = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "contextedge",
	Short: "Industrial edge pipeline fusing scans, business context and sensor data",
	Long: `contextedge polls PLCs over Modbus, OPC UA, S7 and EtherNet/IP, joins every
scanned identifier with its business context and a sensor snapshot, scores the
result and writes labeled records. Low-confidence records go to a review queue.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./data/config.yaml", "path to edge configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")

	rootCmd.AddCommand(runCmd, validateCmd, migrateCmd, statsCmd, keysCmd, versionCmd)
}

func configureLogger() error {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	logger.SetOutput(os.Stderr)
	switch logFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", logFormat)
	}
	return nil
}

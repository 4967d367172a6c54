package main

import (
	"fmt"
	"os"

	"github.com/deemkeen/federate/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var debug bool

func main() {
	rootCmd := &cobra.Command{
		Use:     util.Name,
		Short:   "ActivityPub federation engine",
		Version: util.GetVersion(),
		Long: `Delivers outgoing activities to remote instances in order, one queue per
destination, and verifies and applies incoming ones.`,
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		statusCmd(),
		skipCmd(),
		reactivateCmd(),
		removeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if debug {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/pktlb/pkg/config"
	"github.com/easzlab/pktlb/pkg/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pktlb",
		Short:        "pktlb - layer 4 load balancer on raw Ethernet frames",
		Long:         "A user-space TCP/UDP load balancer that forwards IPv4 frames in NAT, DNAT or DR mode.",
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/pktlb/pktlb.yaml", "path to config file")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCtlCommand())
	rootCmd.AddCommand(newConsoleCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := config.NewManager(configPath, zap.NewNop())
			if err != nil {
				return err
			}
			cfg := mgr.GetConfig()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d interfaces, %d services\n", configPath, len(cfg.Interfaces), len(cfg.Services))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pktlb version %s\n", version)
		},
	}
}

// runDaemon starts the balancer in daemon mode with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	logger, level := newLogger()
	defer logger.Sync()

	logger.Info("starting pktlb",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	d, err := daemon.New(configPath, logger)
	if err != nil {
		logger.Error("failed to create daemon", zap.Error(err))
		return err
	}
	if lvl, err := zapcore.ParseLevel(d.Config().Global.LogLevel); err == nil {
		level.SetLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return d.Run(ctx)
}

// newLogger creates a production zap logger with console encoding for
// readability. The level starts at info and can be changed later.
func newLogger() (*zap.Logger, zap.AtomicLevel) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger, level
}

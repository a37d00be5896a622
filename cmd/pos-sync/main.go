package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pos-sync/internal/common/config"
	"pos-sync/internal/common/logger"
)

type options struct {
	configPath string
	storage    string
	port       int
	logLevel   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "pos-sync",
		Short:         "Offline-first restaurant POS sync: state machine, realtime gateway and terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config (default: config.yaml or deploy/config.example.yaml)")
	root.PersistentFlags().IntVar(&opts.port, "port", 0, "override the HTTP port of the selected service")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	sm := newStateMachineCmd(opts)
	sm.Flags().StringVar(&opts.storage, "storage", "", "postgres | memory")
	root.AddCommand(sm, newGatewayCmd(opts), newTerminalCmd(opts), newStandaloneCmd(opts))
	return root
}

// load reads the config and sets up the process logger from it.
func (o *options) load() (config.App, error) {
	path := o.configPath
	if path == "" {
		p, err := config.FindConfig()
		if err != nil {
			return config.App{}, fmt.Errorf("no config file found, pass --config: %w", err)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.App{}, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.storage != "" {
		cfg.StateMachine.Storage = o.storage
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Encoding); err != nil {
		return config.App{}, fmt.Errorf("invalid log config: %w", err)
	}
	return cfg, nil
}

func (o *options) portOr(p int) int {
	if o.port != 0 {
		return o.port
	}
	return p
}

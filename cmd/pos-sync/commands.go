package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pos-sync/internal/common/config"
	"pos-sync/internal/common/db"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/mq"
	"pos-sync/internal/microservices/broadcaster"
	"pos-sync/internal/microservices/gateway"
	"pos-sync/internal/microservices/statemachine"
	"pos-sync/internal/microservices/statemachine/collaborators"
	"pos-sync/internal/microservices/statemachine/repository"
	"pos-sync/internal/terminal"
)

func newStateMachineCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "statemachine",
		Short: "Run the authoritative order/table state machine and its outbox relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.StateMachine.Port = opts.portOr(cfg.StateMachine.Port)
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			log := logger.New("statemachine")
			ctx := cmd.Context()

			store, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			catalog, err := collaborators.FromConfig(cfg.Collaborators, cfg.StateMachine.Tables)
			if err != nil {
				return err
			}

			client, err := mq.Dial(cfg.Rabbit)
			if err != nil {
				return fmt.Errorf("rabbitmq connect: %w", err)
			}
			defer client.Close()
			log.Info("rabbitmq_connected", map[string]any{"host": cfg.Rabbit.Host, "exchange": cfg.Rabbit.Exchange})

			pub, err := broadcaster.NewAMQPPublisher(client, cfg.Rabbit.Exchange)
			if err != nil {
				return err
			}
			return statemachine.Run(ctx, cfg.StateMachine, statemachine.Deps{Store: store, Catalog: catalog, Publisher: pub}, log)
		},
	}
}

func openStore(ctx context.Context, cfg config.App, log *logger.Logger) (repository.Store, error) {
	switch cfg.StateMachine.Storage {
	case "memory":
		log.Warn("memory_storage", map[string]any{"note": "state is lost on exit"})
		return repository.NewMemoryStore(), nil
	case "", "postgres":
		conn, err := db.Connect(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		if err := repository.Migrate(ctx, conn.Pool); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("db_connected", map[string]any{"host": cfg.Database.Host, "database": cfg.Database.Name})
		return repository.NewPostgresStore(conn.Pool), nil
	default:
		return nil, fmt.Errorf("invalid config: unknown storage %q", cfg.StateMachine.Storage)
	}
}

func newGatewayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run a real-time WebSocket gateway fed by the broadcaster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Gateway.Port = opts.portOr(cfg.Gateway.Port)
			if err := cfg.ValidateGateway(); err != nil {
				return err
			}
			log := logger.New("gateway").With(map[string]any{"instance": cfg.Gateway.InstanceName})

			client, err := mq.Dial(cfg.Rabbit)
			if err != nil {
				return fmt.Errorf("rabbitmq connect: %w", err)
			}
			defer client.Close()

			source := broadcaster.NewAMQPSource(client, cfg.Rabbit.Exchange, cfg.Gateway.Prefetch, log)
			return gateway.Run(cmd.Context(), cfg.Gateway, source, log)
		},
	}
}

func newTerminalCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "terminal",
		Short: "Run a POS terminal: durable queue, sync engine and local API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Terminal.Port = opts.portOr(cfg.Terminal.Port)
			if err := cfg.ValidateTerminal(); err != nil {
				return err
			}
			return terminal.Run(cmd.Context(), cfg.Terminal, logger.New("terminal"))
		},
	}
}

// newStandaloneCmd runs the state machine and one gateway in a single process
// on an in-memory store and broker. Used for demos and local development.
func newStandaloneCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "standalone",
		Short: "Run state machine and gateway in one process with in-memory storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.StateMachine.Port = opts.portOr(cfg.StateMachine.Port)
			cfg.StateMachine.Storage = "memory"

			catalog, err := collaborators.FromConfig(cfg.Collaborators, cfg.StateMachine.Tables)
			if err != nil {
				return err
			}
			bus := broadcaster.NewBus(0)
			store := repository.NewMemoryStore()
			deps := statemachine.Deps{Store: store, Catalog: catalog, Publisher: bus}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return statemachine.Run(ctx, cfg.StateMachine, deps, logger.New("statemachine")) })
			g.Go(func() error { return gateway.Run(ctx, cfg.Gateway, bus, logger.New("gateway")) })
			return g.Wait()
		},
	}
}

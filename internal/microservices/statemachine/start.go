package statemachine

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"pos-sync/internal/common/config"
	"pos-sync/internal/common/httpx"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/domain"
	"pos-sync/internal/microservices/broadcaster"
	"pos-sync/internal/microservices/statemachine/collaborators"
	"pos-sync/internal/microservices/statemachine/handlers"
	"pos-sync/internal/microservices/statemachine/repository"
	"pos-sync/internal/microservices/statemachine/service"
)

type Deps struct {
	Store     repository.Store
	Catalog   collaborators.Catalog
	Publisher broadcaster.Publisher
}

// Build wires the machine, its HTTP routes and the outbox relay.
func Build(cfg config.StateMachine, deps Deps, log *logger.Logger) (http.Handler, *broadcaster.Relay) {
	relay := broadcaster.NewRelay(deps.Store, deps.Publisher, log.With(map[string]any{"component": "relay"}),
		cfg.RelayInterval, cfg.RelayBatch)
	machine := service.NewMachine(deps.Store, deps.Catalog, log, service.WithCommitHook(relay.Nudge))
	return handlers.Router(handlers.New(machine, log)), relay
}

// SeedTables creates configured tables that do not exist yet.
func SeedTables(ctx context.Context, store repository.StoreInterface, seeds []config.TableSeed) error {
	for _, s := range seeds {
		if err := store.SeedTable(ctx, domain.Table{ID: s.ID, Status: domain.TableAvailable, Capacity: s.Capacity}); err != nil {
			return fmt.Errorf("seed table %s: %w", s.ID, err)
		}
	}
	return nil
}

func Run(ctx context.Context, cfg config.StateMachine, deps Deps, log *logger.Logger) error {
	if err := SeedTables(ctx, deps.Store, cfg.Tables); err != nil {
		return err
	}
	h, relay := Build(cfg, deps, log)
	srv := httpx.New(fmt.Sprintf(":%d", cfg.Port), h)

	log.Info("service_started", map[string]any{"port": cfg.Port, "storage": cfg.Storage, "tables": len(cfg.Tables)})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

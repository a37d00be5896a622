package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"pos-sync/internal/common/config"
	"pos-sync/internal/common/httpx"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/metrics"
	"pos-sync/internal/microservices/broadcaster"
)

func QueueName(instance string) string { return "gateway." + instance }

func Router(hub *Hub, log *logger.Logger, cfg config.Gateway) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": hub.Count()})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws", NewWSHandler(hub, log, cfg.PingInterval))
	return r
}

// Run serves the WebSocket endpoint and consumes the broadcaster until ctx ends.
func Run(ctx context.Context, cfg config.Gateway, source broadcaster.Source, log *logger.Logger) error {
	hub := NewHub(cfg.SendBuffer)
	defer hub.Close()

	consumer := NewConsumer(source, hub, QueueName(cfg.InstanceName), log)
	srv := httpx.New(fmt.Sprintf(":%d", cfg.Port), Router(hub, log, cfg))

	log.Info("service_started", map[string]any{"port": cfg.Port, "instance": cfg.InstanceName})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

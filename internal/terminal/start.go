// Package terminal wires one POS terminal: durable queue, connectivity
// monitor, sync engine, realtime client and the local API.
package terminal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"pos-sync/internal/common/config"
	"pos-sync/internal/common/httpx"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/domain"
	"pos-sync/internal/terminal/connectivity"
	"pos-sync/internal/terminal/handlers"
	"pos-sync/internal/terminal/queue"
	"pos-sync/internal/terminal/realtime"
	"pos-sync/internal/terminal/syncengine"
)

const queueFile = "queue.db"

type Terminal struct {
	Queue    *queue.Queue
	Monitor  *connectivity.Monitor
	Engine   *syncengine.Engine
	Realtime *realtime.Client
	Handler  http.Handler
}

// Build opens the queue under cfg.DataDir and wires the components. The
// caller owns Queue and must close it.
func Build(cfg config.Terminal, log *logger.Logger) (*Terminal, error) {
	roles := make([]domain.Role, 0, len(cfg.Roles))
	for _, r := range cfg.Roles {
		roles = append(roles, domain.Role(r))
	}
	for _, r := range roles {
		if !r.Valid() {
			return nil, fmt.Errorf("invalid config: unknown role %q", r)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	q, err := queue.Open(filepath.Join(cfg.DataDir, queueFile))
	if err != nil {
		return nil, err
	}
	log = log.With(map[string]any{"device_id": q.DeviceID()})

	client := syncengine.NewClient(cfg.ServerURL, &http.Client{Timeout: cfg.SendTimeout})
	monitor := connectivity.NewMonitor(connectivity.NewHTTPProber(cfg.ServerURL, cfg.SendTimeout), cfg.ProbeInterval,
		log.With(map[string]any{"component": "connectivity"}))
	engine := syncengine.New(q, client, monitor, log.With(map[string]any{"component": "sync"}), syncengine.Config{
		SendTimeout:   cfg.SendTimeout,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
		DrainInterval: cfg.DrainInterval,
		NoticeBuffer:  cfg.NoticeBuffer,
	})
	monitor.OnOnline(engine.ForceTrigger)

	t := &Terminal{Queue: q, Monitor: monitor, Engine: engine}
	probes := handlers.Probes{Online: monitor.Online}
	if cfg.GatewayURL != "" && len(roles) > 0 {
		rt, err := realtime.New(cfg.GatewayURL, roles, client, q, log.With(map[string]any{"component": "realtime"}), cfg.ReconnectDelay)
		if err != nil {
			q.Close()
			return nil, err
		}
		t.Realtime = rt
		probes.Connected = rt.Connected
	}
	t.Handler = handlers.Router(handlers.New(q, engine, probes, log))
	return t, nil
}

func Run(ctx context.Context, cfg config.Terminal, log *logger.Logger) error {
	t, err := Build(cfg, log)
	if err != nil {
		return err
	}
	defer t.Queue.Close()

	srv := httpx.New(fmt.Sprintf(":%d", cfg.Port), t.Handler)
	log.Info("service_started", map[string]any{
		"port": cfg.Port, "device_id": t.Queue.DeviceID(), "server": cfg.ServerURL, "gateway": cfg.GatewayURL,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.Monitor.Run(gctx) })
	g.Go(func() error { return t.Engine.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if t.Realtime != nil {
		g.Go(func() error { return t.Realtime.Run(gctx) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case n := <-t.Engine.Notices():
				log.Info("sync_notice", map[string]any{
					"local_id": n.LocalID, "outcome": n.Outcome, "server_id": n.ServerID, "code": n.Code,
				})
			}
		}
	})
	return g.Wait()
}

// Package connectivity tracks whether the terminal can reach the state
// machine and fires a drain on every Offline to Online edge.
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/metrics"
)

type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber checks GET <base>/healthz.
type HTTPProber struct {
	url    string
	client *http.Client
}

func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProber{url: strings.TrimRight(baseURL, "/") + "/healthz", client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

type Monitor struct {
	prober   Prober
	interval time.Duration
	log      *logger.Logger

	mu       sync.Mutex
	state    State
	onOnline []func()
	since    time.Time
}

func NewMonitor(prober Prober, interval time.Duration, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	metrics.SetOnline(false)
	return &Monitor{prober: prober, interval: interval, log: log, state: Offline, since: time.Now().UTC()}
}

// OnOnline registers fn to run on every Offline to Online edge. Callbacks
// must not block.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Online() bool { return m.State() == Online }

// Report feeds an observation from outside the probe loop, e.g. the sync
// engine seeing a transport failure.
func (m *Monitor) Report(online bool) {
	next := Offline
	if online {
		next = Online
	}
	m.set(next)
}

func (m *Monitor) set(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.since = time.Now().UTC()
	var callbacks []func()
	if next == Online {
		callbacks = append(callbacks, m.onOnline...)
	}
	m.mu.Unlock()

	metrics.SetOnline(next == Online)
	m.log.Info("connectivity_changed", map[string]any{"from": prev.String(), "to": next.String()})
	for _, fn := range callbacks {
		fn()
	}
}

// Run probes once immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		m.probe(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	if err := m.prober.Probe(pctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Debug("probe_failed", map[string]any{"error": err.Error()})
		m.set(Offline)
		return
	}
	m.set(Online)
}

package ai

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/modular"
	"golang.org/x/sync/errgroup"
)

// maxProbeInterval caps the cadence: every provider is probed at least
// this often regardless of configuration.
const maxProbeInterval = 5 * time.Minute

// HealthMonitor is a background module that keeps provider health
// snapshots fresh. Selection reads the snapshots between probes.
type HealthMonitor struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHealthMonitor creates a monitor probing at the given interval,
// clamped to five minutes.
func NewHealthMonitor(manager *Manager, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	if interval <= 0 || interval > maxProbeInterval {
		interval = maxProbeInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HealthMonitor{manager: manager, interval: interval, logger: logger}
}

// Name returns the module name.
func (h *HealthMonitor) Name() string { return "ai.healthmonitor" }

// Init registers the monitor as a service.
func (h *HealthMonitor) Init(app modular.Application) error {
	return app.RegisterService(h.Name(), h)
}

// Start begins the probe loop. The first sweep runs immediately so the
// router never routes on empty snapshots.
func (h *HealthMonitor) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	h.sweep(ctx)

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				h.sweep(loopCtx)
			}
		}
	}()
	return nil
}

// Stop halts the probe loop.
func (h *HealthMonitor) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.done != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sweep probes all providers concurrently. Probe failures are logged and
// recorded in the snapshot; they never fail the sweep.
func (h *HealthMonitor) sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range h.manager.ProviderNames() {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()
			if err := h.manager.Probe(probeCtx, name); err != nil {
				h.logger.Warn("provider probe failed", "provider", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

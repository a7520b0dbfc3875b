package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/modular"
)

const defaultSweepInterval = time.Minute

// SlaSweeper is a background module that runs the engine's SLA sweep on a
// fixed interval.
type SlaSweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSlaSweeper creates a sweeper. A non-positive interval falls back to
// one minute.
func NewSlaSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *SlaSweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SlaSweeper{engine: engine, interval: interval, logger: logger}
}

// Name returns the module name.
func (s *SlaSweeper) Name() string { return "workflow.slasweeper" }

// Init registers the sweeper as a service.
func (s *SlaSweeper) Init(app modular.Application) error {
	return app.RegisterService(s.Name(), s)
}

// Start launches the sweep loop.
func (s *SlaSweeper) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.engine.SlaSweep(loopCtx); err != nil && loopCtx.Err() == nil {
					s.logger.Error("sla sweep failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the sweep loop.
func (s *SlaSweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

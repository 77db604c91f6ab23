package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/autoaccept/cdpdriver/inject"
)

// RunnerConfig configures the background discovery loop.
type RunnerConfig struct {
	ScanInterval      time.Duration // Period between passes while enabled (default 10s)
	MinRescanInterval time.Duration // Minimum spacing of on-demand passes (default 1s)
	StopTimeout       time.Duration // Budget for Stop on shutdown (default 5s)
	StartIdle         bool          // Leave the engine disabled until Start is called
}

// DefaultRunnerConfig returns a RunnerConfig with sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ScanInterval:      10 * time.Second,
		MinRescanInterval: time.Second,
		StopTimeout:       5 * time.Second,
	}
}

// Runner keeps an Orchestrator converging: it repeats discovery passes on a
// ticker while the engine is enabled and on rate-limited demand.
type Runner struct {
	orch    *Orchestrator
	config  RunnerConfig
	limiter *rate.Limiter
	rescan  chan struct{}
	running atomic.Bool
	logger  *zap.Logger
}

// NewRunner creates a Runner around orch.
func NewRunner(orch *Orchestrator, config RunnerConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRunnerConfig()
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.MinRescanInterval <= 0 {
		config.MinRescanInterval = def.MinRescanInterval
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = def.StopTimeout
	}
	return &Runner{
		orch:    orch,
		config:  config,
		limiter: rate.NewLimiter(rate.Every(config.MinRescanInterval), 1),
		rescan:  make(chan struct{}, 1),
		logger:  logger.With(zap.String("component", "runner")),
	}
}

// IsRunning reports whether Run is active.
func (r *Runner) IsRunning() bool { return r.running.Load() }

// Rescan requests an immediate pass. It returns false when the request was
// rate limited; a request made while another is queued is merged into it.
func (r *Runner) Rescan() bool {
	if !r.limiter.Allow() {
		return false
	}
	select {
	case r.rescan <- struct{}{}:
	default:
	}
	return true
}

// SetBehavior replaces the behavior config and schedules a pass so every
// session is reconfigured. It does not enable a stopped engine.
func (r *Runner) SetBehavior(cfg inject.BehaviorConfig) {
	r.orch.setBehavior(cfg)
	select {
	case r.rescan <- struct{}{}:
	default:
	}
}

// Run enables the engine with initial (or only records it when StartIdle
// is set), then loops until ctx is done. On exit the engine is stopped.
func (r *Runner) Run(ctx context.Context, initial inject.BehaviorConfig) error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	defer r.running.Store(false)

	r.logger.Info("runner started",
		zap.Duration("scan_interval", r.config.ScanInterval),
		zap.Ints("ports", r.orch.Prober().Ports()))

	if r.config.StartIdle {
		r.orch.setBehavior(initial)
	} else {
		r.report(r.orch.Start(ctx, initial))
	}

	ticker := time.NewTicker(r.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), r.config.StopTimeout)
			r.orch.Stop(stopCtx)
			cancel()
			r.logger.Info("runner stopped")
			return nil
		case <-ticker.C:
			r.pass(ctx)
		case <-r.rescan:
			r.pass(ctx)
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	if !r.orch.Enabled() {
		return
	}
	r.report(r.orch.Start(ctx, r.orch.Behavior()))
}

func (r *Runner) report(rep PassReport) {
	if rep.Connected > 0 || rep.ConnectFail > 0 || rep.InjectFail > 0 {
		r.logger.Info("discovery pass",
			zap.String("pass_id", rep.PassID),
			zap.Int("connected", rep.Connected),
			zap.Int("connect_failures", rep.ConnectFail),
			zap.Int("inject_failures", rep.InjectFail),
			zap.Int("sessions", rep.Sessions))
	}
}

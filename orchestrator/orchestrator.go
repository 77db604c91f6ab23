package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/autoaccept/cdpdriver/cdp"
	"github.com/autoaccept/cdpdriver/inject"
	"github.com/autoaccept/cdpdriver/internal/ctxkeys"
)

const tracerName = "github.com/autoaccept/cdpdriver/orchestrator"

// Config assembles the collaborators' configuration.
type Config struct {
	Prober      cdp.ProberConfig
	Connector   cdp.ConnectorConfig
	Correlator  cdp.CorrelatorConfig
	FanOut      int           // Max sessions queried concurrently by aggregates (default 8)
	PassTimeout time.Duration // Upper bound on one discovery pass (default 30s)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Prober:      cdp.DefaultProberConfig(),
		Connector:   cdp.DefaultConnectorConfig(),
		Correlator:  cdp.DefaultCorrelatorConfig(),
		FanOut:      8,
		PassTimeout: 30 * time.Second,
	}
}

// Recorder receives every measurement the engine produces.
type Recorder interface {
	cdp.Recorder
	inject.Recorder
	RecordPass(duration time.Duration, sessions int)
}

type nopRecorder struct{ cdp.NopRecorder }

func (nopRecorder) RecordInjection(string)        {}
func (nopRecorder) RecordPass(time.Duration, int) {}

// PassReport summarizes one discovery pass.
type PassReport struct {
	PassID      string        `json:"pass_id"`
	Ports       []int         `json:"ports"`
	Discovered  int           `json:"discovered"`
	Connected   int           `json:"connected"`
	ConnectFail int           `json:"connect_failures"`
	InjectFail  int           `json:"inject_failures"`
	Sessions    int           `json:"sessions"`
	Duration    time.Duration `json:"duration"`
	Shared      bool          `json:"shared"`

	// generation of the behavior the pass pushed to every target
	behaviorGen uint64
}

// Orchestrator owns the session registry and drives discovery, connection
// and injection across the port range.
type Orchestrator struct {
	config     Config
	registry   *cdp.Registry
	prober     *cdp.Prober
	correlator *cdp.Correlator
	connector  *cdp.Connector
	injector   *inject.Injector
	recorder   Recorder
	tracer     trace.Tracer
	logger     *zap.Logger

	enabled atomic.Bool
	passes  singleflight.Group

	behaviorMu  sync.RWMutex
	behavior    inject.BehaviorConfig
	behaviorGen uint64
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder sets the measurement sink shared by all collaborators.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New wires a prober, connector, correlator and injector around a fresh
// registry.
func New(config Config, script inject.ScriptSource, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FanOut <= 0 {
		config.FanOut = DefaultConfig().FanOut
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = DefaultConfig().PassTimeout
	}
	o := &Orchestrator{
		config:   config,
		registry: cdp.NewRegistry(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.registry.SetSizeObserver(o.recorder.RecordSessions)
	o.prober = cdp.NewProber(config.Prober, logger, cdp.WithProberRecorder(o.recorder))
	o.correlator = cdp.NewCorrelator(o.registry, config.Correlator, logger, cdp.WithCorrelatorRecorder(o.recorder))
	o.connector = cdp.NewConnector(o.registry, o.correlator, config.Connector, logger, cdp.WithConnectorRecorder(o.recorder))
	o.injector = inject.New(o.correlator, o.registry, script, logger, inject.WithRecorder(o.recorder))
	return o
}

// Registry exposes the owned registry for inspection.
func (o *Orchestrator) Registry() *cdp.Registry { return o.registry }

// Evaluator exposes the correlator for ad-hoc evaluation.
func (o *Orchestrator) Evaluator() cdp.Evaluator { return o.correlator }

// Prober exposes the target prober.
func (o *Orchestrator) Prober() *cdp.Prober { return o.prober }

// Enabled reports whether Start has been called since the last Stop.
func (o *Orchestrator) Enabled() bool { return o.enabled.Load() }

// Behavior returns the configuration most recently passed to Start.
func (o *Orchestrator) Behavior() inject.BehaviorConfig {
	o.behaviorMu.RLock()
	defer o.behaviorMu.RUnlock()
	return o.behavior
}

func (o *Orchestrator) setBehavior(cfg inject.BehaviorConfig) uint64 {
	o.behaviorMu.Lock()
	defer o.behaviorMu.Unlock()
	o.behavior = cfg
	o.behaviorGen++
	return o.behaviorGen
}

func (o *Orchestrator) behaviorSnapshot() (inject.BehaviorConfig, uint64) {
	o.behaviorMu.RLock()
	defer o.behaviorMu.RUnlock()
	return o.behavior, o.behaviorGen
}

// Start enables the engine and runs one discovery pass: every attachable
// target in range is connected if new, injected if needed and
// reconfigured with cfg. Per-port and per-target failures are logged and
// skipped.
//
// Concurrent calls coalesce onto the pass in flight. A pass that began
// before cfg was recorded is followed by another one, so Start only
// returns once cfg (or a newer configuration) reached every target. The
// pass itself is detached from ctx and bounded by Config.PassTimeout;
// cancelling ctx only stops this caller from waiting.
func (o *Orchestrator) Start(ctx context.Context, cfg inject.BehaviorConfig) PassReport {
	o.enabled.Store(true)
	gen := o.setBehavior(cfg)
	passCtx := context.WithoutCancel(ctx)

	var report PassReport
	for {
		ch := o.passes.DoChan("pass", func() (any, error) {
			pctx, cancel := context.WithTimeout(passCtx, o.config.PassTimeout)
			defer cancel()
			return o.runPass(pctx), nil
		})
		select {
		case <-ctx.Done():
			return PassReport{Sessions: o.registry.Len()}
		case res := <-ch:
			report = res.Val.(PassReport)
			report.Shared = res.Shared
		}
		if report.behaviorGen >= gen || !o.enabled.Load() {
			return report
		}
		o.logger.Debug("behavior changed during shared pass, running follow-up",
			zap.String("pass_id", report.PassID))
	}
}

func (o *Orchestrator) runPass(ctx context.Context) PassReport {
	start := time.Now()
	passID := uuid.NewString()
	ctx = ctxkeys.WithPassID(ctx, passID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.pass", trace.WithAttributes(
		attribute.String("pass.id", passID),
	))
	defer span.End()

	log := o.logger.With(zap.String("pass_id", passID))
	behavior, gen := o.behaviorSnapshot()
	report := PassReport{PassID: passID, Ports: o.prober.Ports(), behaviorGen: gen}
	log.Debug("discovery pass started", zap.Ints("ports", report.Ports))

	for _, port := range report.Ports {
		if ctx.Err() != nil || !o.enabled.Load() {
			break
		}
		for _, target := range o.prober.ListTargets(ctx, port) {
			report.Discovered++
			o.attach(ctx, log, target, behavior, &report)
		}
	}

	report.Sessions = o.registry.Len()
	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("pass.discovered", report.Discovered),
		attribute.Int("pass.connected", report.Connected),
		attribute.Int("pass.sessions", report.Sessions),
	)
	o.recorder.RecordPass(report.Duration, report.Sessions)
	log.Debug("discovery pass finished",
		zap.Int("discovered", report.Discovered),
		zap.Int("connected", report.Connected),
		zap.Int("sessions", report.Sessions),
		zap.Duration("duration", report.Duration))
	return report
}

func (o *Orchestrator) attach(ctx context.Context, log *zap.Logger, target cdp.Target, behavior inject.BehaviorConfig, report *PassReport) {
	key := target.Key()
	ctx, span := o.tracer.Start(ctx, "orchestrator.attach", trace.WithAttributes(
		attribute.String("cdp.session", string(key)),
	))
	defer span.End()

	if !o.registry.Has(key) {
		if !o.enabled.Load() {
			return
		}
		if !o.connector.Connect(ctx, target) {
			report.ConnectFail++
			return
		}
		// Stop may have cleared the registry while we were dialing.
		if !o.enabled.Load() {
			if sess, ok := o.registry.Get(key); ok {
				_ = sess.Conn().Close()
			}
			return
		}
		report.Connected++
	}
	if err := o.injector.Inject(ctx, key, behavior); err != nil {
		report.InjectFail++
		span.RecordError(err)
		log.Warn("injection failed", zap.String("session", string(key)), zap.Error(err))
	}
}

// Stop disables the engine, asks every session's script to stop, closes
// every connection and empties the registry. It never fails.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.enabled.Store(false)

	o.each(ctx, func(ctx context.Context, sess *cdp.Session) {
		if err := cdp.Exec(ctx, o.correlator, sess.Key, inject.StopExpression); err != nil {
			o.logger.Debug("stop call failed", zap.String("session", string(sess.Key)), zap.Error(err))
		}
		_ = sess.Conn().Close()
	})

	for _, sess := range o.registry.Clear() {
		_ = sess.Conn().Close()
	}
	o.logger.Info("stopped")
}

// ConnectionCount returns the number of registered sessions.
func (o *Orchestrator) ConnectionCount() int { return o.registry.Len() }

// Sessions returns a snapshot of registered sessions.
func (o *Orchestrator) Sessions() []cdp.SessionInfo {
	sessions := o.registry.Sessions()
	out := make([]cdp.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// IsAvailable reports whether any port in range exposes a workbench target.
func (o *Orchestrator) IsAvailable(ctx context.Context) bool {
	return o.prober.IsAnyAvailable(ctx)
}

// each runs fn for a snapshot of sessions with bounded concurrency.
func (o *Orchestrator) each(ctx context.Context, fn func(ctx context.Context, sess *cdp.Session)) {
	o.eachOf(ctx, o.registry.Sessions(), func(ctx context.Context, _ int, sess *cdp.Session) {
		fn(ctx, sess)
	})
}

func (o *Orchestrator) eachOf(ctx context.Context, sessions []*cdp.Session, fn func(ctx context.Context, i int, sess *cdp.Session)) {
	if len(sessions) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.FanOut)
	for i, sess := range sessions {
		g.Go(func() error {
			fn(gctx, i, sess)
			return nil
		})
	}
	_ = g.Wait()
}

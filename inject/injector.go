package inject

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/autoaccept/cdpdriver/cdp"
)

// Injection outcomes reported to Recorder.
const (
	OutcomeDelivered    = "delivered"
	OutcomeReconfigured = "reconfigured"
	OutcomeFailed       = "failed"
)

// Recorder receives injection measurements.
type Recorder interface {
	RecordInjection(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordInjection(string) {}

// Injector delivers the behavior script to a session exactly once and
// reconfigures it on every call.
type Injector struct {
	evaluator cdp.Evaluator
	registry  *cdp.Registry
	script    ScriptSource
	recorder  Recorder
	logger    *zap.Logger
}

// Option customizes an Injector.
type Option func(*Injector)

// WithRecorder sets the measurement sink.
func WithRecorder(r Recorder) Option {
	return func(i *Injector) { i.recorder = r }
}

// New creates an Injector.
func New(evaluator cdp.Evaluator, registry *cdp.Registry, script ScriptSource, logger *zap.Logger, opts ...Option) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Injector{
		evaluator: evaluator,
		registry:  registry,
		script:    script,
		recorder:  nopRecorder{},
		logger:    logger.With(zap.String("component", "injector")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inject evaluates the script in the session under key if it has not been
// delivered yet, then calls the start entry point with cfg. A missing
// session is a no-op.
func (i *Injector) Inject(ctx context.Context, key cdp.SessionKey, cfg BehaviorConfig) error {
	sess, ok := i.registry.Get(key)
	if !ok {
		return nil
	}

	delivered, err := sess.InjectOnce(func() error {
		return cdp.Exec(ctx, i.evaluator, key, i.script.Body())
	})
	if err != nil {
		i.recorder.RecordInjection(OutcomeFailed)
		return fmt.Errorf("inject script into %s: %w", key, err)
	}
	if delivered {
		i.recorder.RecordInjection(OutcomeDelivered)
		i.logger.Info("script injected", zap.String("session", string(key)))
	}

	expr, err := StartExpression(cfg)
	if err != nil {
		return fmt.Errorf("encode behavior config: %w", err)
	}
	if err := cdp.Exec(ctx, i.evaluator, key, expr); err != nil {
		i.recorder.RecordInjection(OutcomeFailed)
		return fmt.Errorf("configure %s: %w", key, err)
	}
	i.recorder.RecordInjection(OutcomeReconfigured)
	return nil
}

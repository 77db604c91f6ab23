package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/autoaccept/cdpdriver/cdp"

// Evaluator runs a JavaScript expression in a session.
type Evaluator interface {
	Evaluate(ctx context.Context, key SessionKey, expression string) (*EvaluateResult, error)
}

// CorrelatorConfig configures request/response correlation.
type CorrelatorConfig struct {
	CallTimeout time.Duration // Deadline for one reply (default 2s)
}

// DefaultCorrelatorConfig returns a CorrelatorConfig with sensible defaults.
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{CallTimeout: 2 * time.Second}
}

type callResult struct {
	result *EvaluateResult
	err    error
}

type pendingCall struct {
	sess *Session
	ch   chan callResult
}

// Correlator matches Runtime.evaluate replies to their requests. Ids come
// from one process-wide counter and are never reused. Each pending entry is
// removed exactly once, by the reply or by the caller giving up.
type Correlator struct {
	registry *Registry
	config   CorrelatorConfig
	recorder Recorder
	tracer   trace.Tracer
	logger   *zap.Logger

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
}

// CorrelatorOption customizes a Correlator.
type CorrelatorOption func(*Correlator)

// WithCorrelatorRecorder sets the measurement sink.
func WithCorrelatorRecorder(r Recorder) CorrelatorOption {
	return func(c *Correlator) { c.recorder = r }
}

// NewCorrelator creates a Correlator that resolves sessions through registry.
func NewCorrelator(registry *Registry, config CorrelatorConfig, logger *zap.Logger, opts ...CorrelatorOption) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCorrelatorConfig().CallTimeout
	}
	c := &Correlator{
		registry: registry,
		config:   config,
		recorder: NopRecorder{},
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With(zap.String("component", "cdp_correlator")),
		pending:  make(map[int64]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate sends Runtime.evaluate to the session under key and waits for
// the matching reply. A remote exception is logged and the result is still
// returned. Errors: ErrNoSession, ErrCallTimeout, ErrSessionClosed,
// ErrProtocol, or the context's error.
func (c *Correlator) Evaluate(ctx context.Context, key SessionKey, expression string) (*EvaluateResult, error) {
	start := time.Now()

	sess, ok := c.registry.Get(key)
	if !ok || !sess.Open() {
		c.recorder.RecordEvaluate(OutcomeNoSession, time.Since(start))
		return nil, noSessionError(key)
	}

	id := c.nextID.Add(1)
	ctx, span := c.tracer.Start(ctx, "cdp.evaluate", trace.WithAttributes(
		attribute.String("cdp.session", string(key)),
		attribute.Int64("cdp.request_id", id),
	))
	defer span.End()

	res, err := c.call(ctx, sess, id, expression)

	outcome := outcomeOf(res, err)
	c.recorder.RecordEvaluate(outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	if res.Threw() {
		span.SetAttributes(attribute.String("cdp.exception", res.ExceptionDetails.Message()))
		c.logger.Warn("remote evaluation threw",
			zap.String("session", string(key)),
			zap.Int64("request_id", id),
			zap.String("exception", res.ExceptionDetails.Message()))
	}
	return res, nil
}

func (c *Correlator) call(ctx context.Context, sess *Session, id int64, expression string) (*EvaluateResult, error) {
	pc := &pendingCall{sess: sess, ch: make(chan callResult, 1)}
	c.pendingMu.Lock()
	c.pending[id] = pc
	c.pendingMu.Unlock()
	defer c.release(id)

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	req := Request{
		ID:     id,
		Method: MethodRuntimeEvaluate,
		Params: EvaluateParams{
			Expression:   expression,
			UserGesture:  true,
			AwaitPromise: true,
		},
	}
	if err := sess.Conn().Send(callCtx, req); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if callCtx.Err() != nil {
			return nil, callTimeoutError(sess.Key, id)
		}
		return nil, sessionClosedError(sess.Key, err)
	}

	select {
	case r := <-pc.ch:
		return r.result, r.err
	case <-sess.Conn().Done():
		// The close handler normally fails the call first; this covers a
		// reply racing the close.
		select {
		case r := <-pc.ch:
			return r.result, r.err
		default:
		}
		return nil, sessionClosedError(sess.Key, sess.Conn().Err())
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, callTimeoutError(sess.Key, id)
	}
}

func (c *Correlator) release(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Pending returns the number of calls awaiting a reply.
func (c *Correlator) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Dispatch routes one inbound frame received by sess. Events, malformed
// frames and replies with no pending call on sess are ignored.
func (c *Correlator) Dispatch(sess *Session, data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Debug("ignoring malformed frame", zap.String("session", string(sess.Key)), zap.Error(err))
		return
	}
	if resp.IsEvent() {
		return
	}

	c.pendingMu.Lock()
	pc, ok := c.pending[resp.ID]
	matched := ok && pc.sess == sess
	if matched {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !matched {
		c.logger.Debug("ignoring unmatched reply",
			zap.String("session", string(sess.Key)),
			zap.Int64("request_id", resp.ID))
		return
	}

	pc.ch <- decodeReply(sess.Key, &resp)
}

// FailSession fails every call pending on sess with ErrSessionClosed and
// returns how many there were.
func (c *Correlator) FailSession(sess *Session, cause error) int {
	c.pendingMu.Lock()
	var failed []*pendingCall
	for id, pc := range c.pending {
		if pc.sess == sess {
			delete(c.pending, id)
			failed = append(failed, pc)
		}
	}
	c.pendingMu.Unlock()

	for _, pc := range failed {
		pc.ch <- callResult{err: sessionClosedError(sess.Key, cause)}
	}
	return len(failed)
}

func decodeReply(key SessionKey, resp *Response) callResult {
	if resp.Error != nil {
		return callResult{err: protocolError(key, resp.Error)}
	}
	var res EvaluateResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			return callResult{err: serializationError(key, err)}
		}
	}
	return callResult{result: &res}
}

func outcomeOf(res *EvaluateResult, err error) string {
	switch {
	case err == nil && res.Threw():
		return OutcomeException
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrCallTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrSessionClosed):
		return OutcomeClosed
	case errors.Is(err, ErrProtocol):
		return OutcomeProtocolError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

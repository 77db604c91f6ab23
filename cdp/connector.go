package cdp

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ConnectorConfig configures session establishment.
type ConnectorConfig struct {
	ConnectTimeout time.Duration // Dial deadline (default 5s)
	Conn           ConnConfig
}

// DefaultConnectorConfig returns a ConnectorConfig with sensible defaults.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		ConnectTimeout: 5 * time.Second,
		Conn:           DefaultConnConfig(),
	}
}

// Connector opens session connections, registers them on open and
// deregisters them on close.
type Connector struct {
	registry   *Registry
	correlator *Correlator
	config     ConnectorConfig
	recorder   Recorder
	logger     *zap.Logger
}

// ConnectorOption customizes a Connector.
type ConnectorOption func(*Connector)

// WithConnectorRecorder sets the measurement sink.
func WithConnectorRecorder(r Recorder) ConnectorOption {
	return func(c *Connector) { c.recorder = r }
}

// NewConnector creates a Connector. Inbound frames are routed to correlator.
func NewConnector(registry *Registry, correlator *Correlator, config ConnectorConfig, logger *zap.Logger, opts ...ConnectorOption) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectorConfig().ConnectTimeout
	}
	c := &Connector{
		registry:   registry,
		correlator: correlator,
		config:     config,
		recorder:   NopRecorder{},
		logger:     logger.With(zap.String("component", "cdp_connector")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials target and registers an uninjected session under its key.
// It returns false on dial failure or connect timeout; the failure is
// logged, not returned.
func (c *Connector) Connect(ctx context.Context, target Target) bool {
	key := target.Key()
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, err := Dial(dialCtx, target.WebSocketDebuggerURL, c.config.Conn, c.logger)
	if err != nil {
		c.recorder.RecordConnect(false, time.Since(start))
		c.logger.Warn("connect failed",
			zap.String("session", string(key)),
			zap.String("url", target.WebSocketDebuggerURL),
			zap.Duration("timeout", c.config.ConnectTimeout),
			zap.Error(err))
		return false
	}

	sess := NewSession(key, target, conn)
	if prev := c.registry.Register(sess); prev != nil && prev.Conn() != conn {
		_ = prev.Conn().Close()
	}

	conn.Serve(
		func(data []byte) { c.correlator.Dispatch(sess, data) },
		func(err error) { c.handleClose(sess, err) },
	)

	c.recorder.RecordConnect(true, time.Since(start))
	c.logger.Info("session connected",
		zap.String("session", string(key)),
		zap.String("title", target.Title))
	return true
}

func (c *Connector) handleClose(sess *Session, err error) {
	removed := c.registry.Remove(sess.Key, sess)
	failed := c.correlator.FailSession(sess, err)

	fields := []zap.Field{
		zap.String("session", string(sess.Key)),
		zap.Bool("deregistered", removed),
		zap.Int("failed_calls", failed),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Info("session closed", fields...)
}

package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// ConnState represents the lifecycle of a session connection.
type ConnState string

const (
	ConnStateOpen   ConnState = "open"
	ConnStateClosed ConnState = "closed"
)

// ConnConfig configures a session connection.
type ConnConfig struct {
	ReadLimit int64 // Max inbound frame size in bytes (default 16 MiB)
}

// DefaultConnConfig returns a ConnConfig with sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ReadLimit: 16 << 20,
	}
}

// MessageHandler receives every inbound frame of a connection.
type MessageHandler func(data []byte)

// CloseHandler is invoked once when the connection ends. err is nil for a
// local Close.
type CloseHandler func(err error)

// Conn is a CDP session connection over WebSocket. A single read loop
// delivers frames to the message handler and fires the close handler
// exactly once, whichever side closes. Send is safe for concurrent use.
type Conn struct {
	url    string
	ws     *websocket.Conn
	logger *zap.Logger

	mu      sync.Mutex
	state   ConnState
	serving bool
	onClose CloseHandler

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	readCtx    context.Context
	readCancel context.CancelFunc
}

// Dial opens a WebSocket to a target's debugger URL. ctx bounds the
// handshake only.
func Dial(ctx context.Context, url string, config ConnConfig, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ReadLimit == 0 {
		config.ReadLimit = DefaultConnConfig().ReadLimit
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	ws.SetReadLimit(config.ReadLimit)

	readCtx, readCancel := context.WithCancel(context.Background())
	return &Conn{
		url:        url,
		ws:         ws,
		logger:     logger.With(zap.String("component", "cdp_ws_conn")),
		state:      ConnStateOpen,
		done:       make(chan struct{}),
		readCtx:    readCtx,
		readCancel: readCancel,
	}, nil
}

// URL returns the debugger URL the connection was dialed with.
func (c *Conn) URL() string { return c.url }

// Serve starts the read loop. It may be called once; later calls are
// ignored. Handlers run on the read goroutine.
func (c *Conn) Serve(onMessage MessageHandler, onClose CloseHandler) {
	c.mu.Lock()
	if c.serving {
		c.mu.Unlock()
		return
	}
	c.serving = true
	c.onClose = onClose
	closed := c.state == ConnStateClosed
	c.mu.Unlock()

	if closed {
		// Closed before anyone listened; still honour the close contract.
		c.fireClose()
		return
	}
	go c.readLoop(onMessage)
}

func (c *Conn) readLoop(onMessage MessageHandler) {
	for {
		_, data, err := c.ws.Read(c.readCtx)
		if err != nil {
			if c.readCtx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.markClosed(nil)
			} else {
				c.markClosed(err)
			}
			return
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

// Send encodes v as JSON and writes it as one text frame.
func (c *Conn) Send(ctx context.Context, v any) error {
	if !c.IsOpen() {
		return errors.New("websocket: connection is closed")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, body)
}

// IsOpen reports whether the connection can still carry calls.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnStateOpen
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close closes the connection and fires the close handler if it has not
// fired yet.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == ConnStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.ws.Close(websocket.StatusNormalClosure, "closing")
	c.readCancel()
	c.markClosed(nil)
	if err != nil {
		// The peer may already be gone; the local side is closed either way.
		c.logger.Debug("close handshake incomplete", zap.String("url", c.url), zap.Error(err))
	}
	return nil
}

func (c *Conn) markClosed(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ConnStateClosed
		c.closeErr = err
		serving := c.serving
		c.mu.Unlock()

		c.readCancel()
		close(c.done)
		if err != nil {
			c.logger.Debug("connection ended", zap.String("url", c.url), zap.Error(err))
		}
		if serving {
			c.fireClose()
		}
	})
}

func (c *Conn) fireClose() {
	c.mu.Lock()
	fn := c.onClose
	c.onClose = nil
	err := c.closeErr
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Package sockets is a request/response wrapper around a websocket for
// devices that answer every text frame with a JSON document, possibly split
// across several frames.
package sockets

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout  = 15 * time.Second
	defaultMaxStoredDataSize = 1 << 20
)

var (
	ErrClosed          = errors.New("closed connection")
	ErrMessageTooLarge = errors.New("message exceeds max stored data size")
)

type Conn struct {
	ws *websocket.Conn

	sslSkipVerify     bool
	handshakeTimeout  time.Duration
	pingInterval      time.Duration
	pingMsg           []byte
	maxStoredDataSize int
	logger            *zap.Logger

	// reqMu serialises request/response exchanges, writeMu guards frame writes
	// shared with the ping loop.
	reqMu   sync.Mutex
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func New(opts ...func(*Conn)) *Conn {
	c := &Conn{
		handshakeTimeout:  defaultHandshakeTimeout,
		maxStoredDataSize: defaultMaxStoredDataSize,
		logger:            zap.L(),
		closed:            true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Conn) Dial(ctx context.Context, url string) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.sslSkipVerify, //nolint:gosec
		},
	}
	conn, res, err := dialer.DialContext(ctx, url, nil)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	c.ws = conn
	c.closed = false
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.setupPing(c.done)
	return nil
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.ws.Close()
}

// Request sends payload and waits for the next complete JSON document.
func (c *Conn) Request(ctx context.Context, payload []byte) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if err := c.send(ctx, payload); err != nil {
		return nil, err
	}
	return c.receive(ctx)
}

func (c *Conn) send(ctx context.Context, payload []byte) error {
	ws, err := c.conn()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetWriteDeadline(deadline)
		defer ws.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// receive reads frames until the stored data forms valid JSON. Frames that
// arrive on an empty buffer and cannot start a document, such as pong
// replies, are dropped.
func (c *Conn) receive(ctx context.Context) ([]byte, error) {
	ws, err := c.conn()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = ws.SetReadDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = ws.SetReadDeadline(time.Time{})
	}()

	var storedData []byte
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			_ = c.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(storedData) == 0 {
			msg = bytes.TrimSpace(msg)
			if len(msg) == 0 || (msg[0] != '{' && msg[0] != '[') {
				c.logger.Debug("dropping non json frame", zap.ByteString("frame", msg))
				continue
			}
		}
		if len(storedData)+len(msg) > c.maxStoredDataSize {
			// the rest of the document is still queued on the stream
			_ = c.Close()
			return nil, ErrMessageTooLarge
		}
		storedData = append(storedData, msg...)
		if json.Valid(storedData) {
			return storedData, nil
		}
	}
}

func (c *Conn) conn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.ws, nil
}

func (c *Conn) setupPing(done <-chan struct{}) {
	if c.pingInterval <= 0 || len(c.pingMsg) == 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.send(context.Background(), c.pingMsg); err != nil {
					c.logger.Debug("ping failed", zap.Error(err))
					return
				}
			}
		}
	}()
}

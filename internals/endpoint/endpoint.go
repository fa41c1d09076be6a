// Package endpoint wraps one peer's WebSocket connection in a full-duplex
// message endpoint: a read pump delivering inbound text and binary frames to
// callbacks, and a single write pump serializing all outbound sends.
package endpoint

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by sends on a closed endpoint.
var ErrClosed = errors.New("endpoint: closed")

// Sender is the send-side contract shared by the registry, the transfer
// engine, and the dispatcher. It is safe for concurrent callers.
type Sender interface {
	// SendControl queues a control message for JSON encoding. When the
	// outbound queue is saturated the message is dropped with a log entry;
	// control traffic never blocks the caller.
	SendControl(msg any) error
	// SendChunk queues a pre-framed binary relay frame. Unlike SendControl it
	// blocks until the write pump drains the queue, which is the backpressure
	// signal transfer sources are paced by.
	SendChunk(frame []byte) error
	Close()
}

type outbound struct {
	msg   any
	frame []byte // non-nil for binary frames
}

type Options struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
}

// Endpoint is the gorilla/websocket implementation of Sender.
type Endpoint struct {
	conn *websocket.Conn
	opts Options

	send chan outbound
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	logger *zap.Logger

	// Callbacks, set before ReadPump starts. OnClose fires exactly once.
	OnText   func(raw []byte)
	OnBinary func(frame []byte)
	OnClose  func()
}

func New(conn *websocket.Conn, opts Options, logger *zap.Logger) *Endpoint {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 54 * time.Second
	}
	return &Endpoint{
		conn:   conn,
		opts:   opts,
		send:   make(chan outbound, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (e *Endpoint) SendControl(msg any) error {
	if e.closed.Load() {
		return ErrClosed
	}
	select {
	case e.send <- outbound{msg: msg}:
		return nil
	case <-e.done:
		return ErrClosed
	default:
		e.logger.Warn("Endpoint send queue full, dropping control message",
			zap.String("remote", e.conn.RemoteAddr().String()),
		)
		return nil
	}
}

func (e *Endpoint) SendChunk(frame []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	select {
	case e.send <- outbound{frame: frame}:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

// Close initiates teardown. New sends fail immediately; the write pump
// drains what is already queued, flushes a close frame, and closes the
// underlying connection, which in turn unblocks the read pump so OnClose
// fires once. Safe to call multiple times.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// ReadPump reads frames until the connection drops, invoking OnText/OnBinary
// per frame and OnClose exactly once on exit. Any inbound frame refreshes the
// read deadline alongside transport-level pongs.
func (e *Endpoint) ReadPump() {
	defer func() {
		e.Close()
		if e.OnClose != nil {
			e.OnClose()
		}
	}()

	if e.opts.ReadLimit > 0 {
		e.conn.SetReadLimit(e.opts.ReadLimit)
	}
	e.conn.SetReadDeadline(time.Now().Add(e.opts.PongTimeout))
	e.conn.SetPongHandler(func(string) error {
		e.conn.SetReadDeadline(time.Now().Add(e.opts.PongTimeout))
		return nil
	})

	for {
		kind, payload, err := e.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				e.logger.Debug("WebSocket read error",
					zap.String("remote", e.conn.RemoteAddr().String()),
					zap.Error(err),
				)
			}
			return
		}
		e.conn.SetReadDeadline(time.Now().Add(e.opts.PongTimeout))

		switch kind {
		case websocket.TextMessage:
			if e.OnText != nil {
				e.OnText(payload)
			}
		case websocket.BinaryMessage:
			if e.OnBinary != nil {
				e.OnBinary(payload)
			}
		}
	}
}

// WritePump serializes all outbound traffic onto the connection and keeps it
// alive with transport pings. A write failure terminates the endpoint; it is
// the only goroutine that closes the underlying connection.
func (e *Endpoint) WritePump() {
	ticker := time.NewTicker(e.opts.PingInterval)
	defer func() {
		ticker.Stop()
		e.Close()
		e.conn.Close()
	}()

	for {
		select {
		case out := <-e.send:
			if err := e.write(out); err != nil {
				e.logger.Debug("WebSocket write failed",
					zap.String("remote", e.conn.RemoteAddr().String()),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			e.conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-e.done:
			e.drain()
			return
		}
	}
}

func (e *Endpoint) write(out outbound) error {
	e.conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
	if out.frame != nil {
		return e.conn.WriteMessage(websocket.BinaryMessage, out.frame)
	}
	return e.conn.WriteJSON(out.msg)
}

// drain flushes whatever was queued before Close, then the close frame. Each
// write is bounded by the write deadline; a failure abandons the remainder.
func (e *Endpoint) drain() {
	for {
		select {
		case out := <-e.send:
			if err := e.write(out); err != nil {
				return
			}
		default:
			e.conn.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
			e.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Package stream manages the per-user WebSocket feeds: a reconnecting base
// connection plus the market-data and portfolio streams built on it.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	initialBackoff   = time.Second
	handshakeTimeout = 10 * time.Second
	sendTimeout      = 5 * time.Second
	readLimit        = 1 << 20
)

// DialFunc resolves and opens the WebSocket connection for one attempt.
// It is called again for every reconnect so short-lived authorized URLs stay fresh.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// Stream is a reconnecting WebSocket connection. It dials with exponential
// backoff, hands every received frame to Handle, and re-dials whenever the
// read loop fails. OnConnected runs after each successful dial, before any
// reads, so subclasses can replay subscriptions.
type Stream struct {
	Name        string
	Dial        DialFunc
	Handle      func(messageType int, data []byte)
	OnConnected func()
	MaxBackoff  time.Duration
	Log         zerolog.Logger

	// sleep waits out one backoff delay. Tests swap it to observe the
	// delay sequence without real waiting.
	sleep func(ctx context.Context, d time.Duration)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Start launches the connection loop. Calling Start on a running stream is
// a no-op.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 16 * time.Second
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop tears the connection down and stops reconnecting. Safe to call
// multiple times and before Start.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Log.Warn().Str("stream", s.Name).Msg("timeout waiting for read loop to exit")
	}
}

// Connected reports whether the stream currently holds a live connection.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Send writes one frame on the live connection. When the stream is
// disconnected it logs a warning and drops the frame; reconnect logic is
// responsible for replaying whatever state matters.
func (s *Stream) Send(messageType int, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if !connected || conn == nil {
		s.Log.Warn().Str("stream", s.Name).Msg("send skipped, stream not connected")
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	return conn.WriteMessage(messageType, data)
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Log.Warn().Err(err).Str("stream", s.Name).Dur("retry_in", backoff).Msg("dial failed")
			s.sleep(ctx, backoff)
			backoff *= 2
			if backoff > s.MaxBackoff {
				backoff = s.MaxBackoff
			}
			continue
		}

		s.mu.Lock()
		if !s.started || ctx.Err() != nil {
			// Stop ran while the dial was in flight; the socket must not
			// outlive it.
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		conn.SetReadLimit(readLimit)
		s.conn = conn
		s.connected = true
		s.mu.Unlock()
		backoff = initialBackoff
		s.Log.Info().Str("stream", s.Name).Msg("connected")

		if s.OnConnected != nil {
			s.OnConnected()
		}

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.connected = false
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.Log.Warn().Str("stream", s.Name).Dur("retry_in", backoff).Msg("disconnected, reconnecting")
		s.sleep(ctx, backoff)
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Log.Info().Str("stream", s.Name).Msg("connection closed by peer")
			} else {
				s.Log.Warn().Err(err).Str("stream", s.Name).Msg("read error")
			}
			return
		}
		s.dispatch(messageType, data)
	}
}

// dispatch isolates handler panics so one bad message cannot take the
// stream down.
func (s *Stream) dispatch(messageType int, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error().Any("recover", r).Str("stream", s.Name).Msg("panic in message handler")
		}
	}()
	if s.Handle != nil {
		s.Handle(messageType, data)
	}
}

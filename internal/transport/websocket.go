// ABOUTME: gorilla/websocket implementation of the Transport interface.
// ABOUTME: A single writer goroutine serializes frame writes; a read pump decodes incoming frames.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var (
	// ErrTransportClosed indicates an Emit after the channel dropped.
	ErrTransportClosed = errors.New("transport closed")
	// ErrWriteTimeout indicates the write queue stayed full past the write timeout.
	ErrWriteTimeout = errors.New("transport write timed out")
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	// frameBuffer bounds both the write queue and the incoming frame stream.
	frameBuffer = 64
)

// WebSocket is the production Transport over a gorilla/websocket connection.
// Writes must be serialized: gorilla connections allow at most one concurrent
// writer, so Emit hands frames to a single writer goroutine.
type WebSocket struct {
	conn    *websocket.Conn
	writeCh chan []byte
	frames  chan Frame
	done    chan struct{}

	closeOnce sync.Once
	alive     atomic.Bool
	logger    *slog.Logger
}

// DialWebSocket connects to the realtime endpoint and starts the read and
// write pumps. The header carries the session cookie; the backend binds the
// channel to the authenticated user separately via the authenticate event.
func DialWebSocket(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*WebSocket, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	ws := &WebSocket{
		conn:    conn,
		writeCh: make(chan []byte, frameBuffer),
		frames:  make(chan Frame, frameBuffer),
		done:    make(chan struct{}),
		logger:  logger.With("component", "transport"),
	}
	ws.alive.Store(true)

	go ws.writeLoop()
	go ws.readLoop()

	return ws, nil
}

// NewDialer returns a Dialer bound to a fixed endpoint and header set.
func NewDialer(url string, header http.Header, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return DialWebSocket(ctx, url, header, logger)
	}
}

// Emit encodes one event frame and queues it for the writer goroutine.
func (ws *WebSocket) Emit(event string, data any) error {
	frame := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: data}

	buf, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", event, err)
	}

	// alive flips before the frame stream closes, so a consumer that has
	// observed the drop can never slip another frame into the queue.
	if !ws.alive.Load() {
		return ErrTransportClosed
	}

	select {
	case ws.writeCh <- buf:
		return nil
	case <-ws.done:
		return ErrTransportClosed
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	}
}

// Frames returns the incoming frame stream.
func (ws *WebSocket) Frames() <-chan Frame {
	return ws.frames
}

// Alive reports whether the read pump is still attached to a live connection.
func (ws *WebSocket) Alive() bool {
	return ws.alive.Load()
}

// Close tears the channel down. The read pump observes the closed connection
// and closes the frame stream, which is how consumers learn about the drop.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.alive.Store(false)
		close(ws.done)
		err = ws.conn.Close()
	})
	return err
}

// writeLoop is the single writer. It exits when the transport closes.
func (ws *WebSocket) writeLoop() {
	for {
		select {
		case buf := <-ws.writeCh:
			if err := ws.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				ws.logger.Warn("set write deadline failed", "err", err)
				return
			}
			if err := ws.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				ws.logger.Warn("frame write failed", "err", err)
				return
			}
		case <-ws.done:
			return
		}
	}
}

// readLoop decodes incoming frames until the connection drops, then closes
// the frame stream and releases the connection.
func (ws *WebSocket) readLoop() {
	defer func() {
		ws.alive.Store(false)
		close(ws.frames)
		_ = ws.Close()
	}()

	for {
		_, buf, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.logger.Warn("realtime channel dropped", "err", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(buf, &frame); err != nil {
			ws.logger.Warn("discarding malformed frame", "err", err)
			continue
		}

		select {
		case ws.frames <- frame:
		case <-ws.done:
			return
		}
	}
}

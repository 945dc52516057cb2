package presence

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport is the client side of Hub.
type WSTransport struct {
	url    string
	header http.Header
	log    *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}

	deliver func(Frame)
}

func NewWSTransport(url string, header http.Header, log *slog.Logger) *WSTransport {
	if log == nil {
		log = slog.Default()
	}
	return &WSTransport{url: url, header: header, log: log}
}

// Subscribe dials the hub, sends the join frame and waits for the joined
// confirmation. Frames after that are handed to deliver from a reader
// goroutine.
func (t *WSTransport) Subscribe(ctx context.Context, sessionID string, deliver func(Frame)) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrTransportUnavailable, err)
	}
	if err := t.write(conn, Frame{Type: FrameJoin, SessionID: sessionID}); err != nil {
		conn.Close()
		return err
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: awaiting join confirmation: %v", ErrTransportUnavailable, err)
	}
	joined, err := DecodeFrame(msg)
	if err != nil || joined.Type != FrameJoined {
		conn.Close()
		return fmt.Errorf("%w: unexpected handshake reply", ErrTransportUnavailable)
	}
	_ = conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.deliver = deliver
	t.mu.Unlock()

	deliver(joined)
	go t.readLoop(conn, done, deliver)
	go t.keepAlive(conn, done)
	return nil
}

// keepAlive pings so an idle player is not timed out by the hub.
func (t *WSTransport) keepAlive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) readLoop(conn *websocket.Conn, done chan struct{}, deliver func(Frame)) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.log.Debug("presence connection closed", "err", err)
			return
		}
		f, err := DecodeFrame(msg)
		if err != nil {
			continue
		}
		deliver(f)
	}
}

// Publish sends s. A connection the hub dropped is redialled once; the
// engine's backoff paces further attempts.
func (t *WSTransport) Publish(ctx context.Context, s State) error {
	t.mu.Lock()
	conn, done, deliver := t.conn, t.done, t.deliver
	t.mu.Unlock()
	if conn == nil {
		return ErrNotJoined
	}
	select {
	case <-done:
		conn.Close()
		if err := t.Subscribe(ctx, s.SessionID, deliver); err != nil {
			return err
		}
		t.mu.Lock()
		conn = t.conn
		t.mu.Unlock()
	default:
	}
	return t.write(conn, Frame{Type: FrameState, State: &s})
}

func (t *WSTransport) Unsubscribe(_ context.Context, sessionID string) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = t.write(conn, Frame{Type: FrameLeave, SessionID: sessionID})
	return conn.Close()
}

func (t *WSTransport) write(conn *websocket.Conn, f Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

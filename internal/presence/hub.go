package presence

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"idletown/internal/metrics"
	"idletown/internal/world"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	pingEvery        = readTimeout / 3
	writeTimeout     = 5 * time.Second
	outboxSize       = 64
)

type HubConfig struct {
	// PublishRate caps state frames per second per connection; bursts up to
	// PublishBurst are allowed.
	PublishRate  float64
	PublishBurst int
}

type hubPeer struct {
	sessionID string
	out       chan []byte
	limiter   *rate.Limiter
}

// Hub relays presence frames between websocket connections. It keeps the
// last state of every session for join snapshots and periodic membership
// broadcasts. A connection may only write its own session's key.
type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[string]*hubPeer
	states map[string]State
}

func NewHub(cfg HubConfig, log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PublishRate <= 0 {
		cfg.PublishRate = 20
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = 5
	}
	return &Hub{
		log:     log,
		metrics: m,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:  make(map[string]*hubPeer),
		states: make(map[string]State),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p, ok := h.handshake(conn)
	if !ok {
		return
	}
	defer h.remove(p)

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, cancel, conn, p)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := DecodeFrame(msg)
		if err != nil {
			continue
		}
		switch f.Type {
		case FrameState:
			if f.State == nil || f.State.SessionID != p.sessionID {
				continue
			}
			if !f.State.Valid() {
				continue
			}
			if !p.limiter.Allow() {
				continue
			}
			h.publish(p, *f.State)
		case FrameLeave:
			return
		}
	}
}

// peerConn is the write side of a peer connection.
type peerConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// writeLoop drains p's outbox. A failed write closes the connection so the
// read loop unblocks and the peer is removed right away.
func (h *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, conn peerConn, p *hubPeer) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-p.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.Debug("presence write failed", "session_id", p.sessionID, "err", err)
				cancel()
				_ = conn.Close()
				return
			}
		}
	}
}

func (h *Hub) handshake(conn *websocket.Conn) (*hubPeer, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	f, err := DecodeFrame(msg)
	if err != nil || f.Type != FrameJoin || f.SessionID == "" {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected join"), time.Now().Add(time.Second))
		return nil, false
	}

	p := &hubPeer{
		sessionID: f.SessionID,
		out:       make(chan []byte, outboxSize),
		limiter:   rate.NewLimiter(rate.Limit(h.cfg.PublishRate), h.cfg.PublishBurst),
	}
	h.mu.Lock()
	if _, taken := h.peers[p.sessionID]; taken {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session already connected"), time.Now().Add(time.Second))
		return nil, false
	}
	h.peers[p.sessionID] = p
	snapshot := h.statesLocked(p.sessionID)
	n := len(h.peers)
	h.mu.Unlock()
	h.metrics.PresencePeers(n)

	b, err := EncodeFrame(Frame{Type: FrameJoined, SessionID: p.sessionID, States: snapshot})
	if err != nil {
		return p, true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		h.remove(p)
		return nil, false
	}
	h.log.Debug("presence peer joined", "session_id", p.sessionID)
	return p, true
}

func (h *Hub) publish(from *hubPeer, s State) {
	h.mu.Lock()
	if h.peers[from.sessionID] != from {
		h.mu.Unlock()
		return
	}
	h.states[s.SessionID] = s
	targets := h.othersLocked(from.sessionID)
	h.mu.Unlock()
	h.send(targets, Frame{Type: FrameState, State: &s})
}

func (h *Hub) remove(p *hubPeer) {
	h.mu.Lock()
	if h.peers[p.sessionID] != p {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.sessionID)
	delete(h.states, p.sessionID)
	targets := h.othersLocked(p.sessionID)
	n := len(h.peers)
	h.mu.Unlock()
	h.metrics.PresencePeers(n)
	h.send(targets, Frame{Type: FrameLeave, SessionID: p.sessionID})
	h.log.Debug("presence peer left", "session_id", p.sessionID)
}

// BroadcastEntity pushes a newly committed building to every connection.
func (h *Hub) BroadcastEntity(e world.Entity) {
	h.mu.Lock()
	targets := h.othersLocked("")
	h.mu.Unlock()
	h.send(targets, Frame{Type: FrameEntity, Entity: &e})
}

// Snapshot sends the full membership to every connection.
func (h *Hub) Snapshot() {
	h.mu.Lock()
	states := h.statesLocked("")
	targets := h.othersLocked("")
	h.mu.Unlock()
	h.send(targets, Frame{Type: FrameSnapshot, States: states})
}

// Run broadcasts membership snapshots every period until ctx is done.
func (h *Hub) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Snapshot()
		}
	}
}

func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// send never blocks: a full outbox drops the frame, matching at-most-once
// delivery.
func (h *Hub) send(targets []*hubPeer, f Frame) {
	if len(targets) == 0 {
		return
	}
	b, err := EncodeFrame(f)
	if err != nil {
		h.log.Error("encode presence frame", "err", err)
		return
	}
	for _, p := range targets {
		select {
		case p.out <- b:
		default:
			h.log.Debug("presence outbox full, frame dropped", "session_id", p.sessionID)
		}
	}
}

func (h *Hub) statesLocked(except string) []State {
	out := make([]State, 0, len(h.states))
	for id, s := range h.states {
		if id != except {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (h *Hub) othersLocked(except string) []*hubPeer {
	out := make([]*hubPeer, 0, len(h.peers))
	for id, p := range h.peers {
		if id != except {
			out = append(out, p)
		}
	}
	return out
}

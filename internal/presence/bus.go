package presence

import (
	"context"
	"sort"
	"sync"

	"idletown/internal/world"
)

// Bus is an in-process pub/sub for presence frames. It backs single-process
// play and tests; Hub is the networked equivalent.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]func(Frame)
	states map[string]State
	down   bool
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string]func(Frame)),
		states: make(map[string]State),
	}
}

// SetDown makes every Subscribe and Publish fail until cleared.
func (b *Bus) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

func (b *Bus) Subscribe(_ context.Context, sessionID string, deliver func(Frame)) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return ErrTransportUnavailable
	}
	b.subs[sessionID] = deliver
	snapshot := b.statesLocked(sessionID)
	b.mu.Unlock()
	deliver(Frame{Type: FrameJoined, SessionID: sessionID, States: snapshot})
	return nil
}

func (b *Bus) Publish(_ context.Context, s State) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return ErrTransportUnavailable
	}
	if _, ok := b.subs[s.SessionID]; !ok {
		b.mu.Unlock()
		return ErrNotJoined
	}
	b.states[s.SessionID] = s
	targets := b.othersLocked(s.SessionID)
	b.mu.Unlock()
	for _, deliver := range targets {
		deliver(Frame{Type: FrameState, State: &s})
	}
	return nil
}

func (b *Bus) Unsubscribe(_ context.Context, sessionID string) error {
	b.mu.Lock()
	delete(b.subs, sessionID)
	delete(b.states, sessionID)
	targets := b.othersLocked(sessionID)
	b.mu.Unlock()
	for _, deliver := range targets {
		deliver(Frame{Type: FrameLeave, SessionID: sessionID})
	}
	return nil
}

// Drop removes a session without a leave frame, as an abrupt disconnect
// would. Peers learn about it from the next Snapshot.
func (b *Bus) Drop(sessionID string) {
	b.mu.Lock()
	delete(b.subs, sessionID)
	delete(b.states, sessionID)
	b.mu.Unlock()
}

// Snapshot sends the full membership to every subscriber.
func (b *Bus) Snapshot() {
	b.mu.Lock()
	states := b.statesLocked("")
	targets := b.othersLocked("")
	b.mu.Unlock()
	for _, deliver := range targets {
		deliver(Frame{Type: FrameSnapshot, States: states})
	}
}

func (b *Bus) BroadcastEntity(e world.Entity) {
	b.mu.Lock()
	targets := b.othersLocked("")
	b.mu.Unlock()
	for _, deliver := range targets {
		deliver(Frame{Type: FrameEntity, Entity: &e})
	}
}

func (b *Bus) Members() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) statesLocked(except string) []State {
	out := make([]State, 0, len(b.states))
	for id, s := range b.states {
		if id != except {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (b *Bus) othersLocked(except string) []func(Frame) {
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]func(Frame), 0, len(ids))
	for _, id := range ids {
		out = append(out, b.subs[id])
	}
	return out
}

// Package presence propagates per-session transient state (position,
// appearance, activity, chat bubble) between connected players.
//
// Each peer only ever writes its own key, so receivers resolve conflicts by
// last write wins per session id.
package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"idletown/internal/world"
)

const MaxMessageRunes = 80

var (
	ErrTransportUnavailable = errors.New("presence transport unavailable")
	ErrNotJoined            = errors.New("presence session not joined")
	ErrEmptyMessage         = errors.New("message is empty")
)

// Frame types on the wire.
const (
	FrameJoin     = "join"
	FrameJoined   = "joined"
	FrameState    = "state"
	FrameSnapshot = "snapshot"
	FrameLeave    = "leave"
	FrameEntity   = "entity"
)

// State is one session's transient presence.
type State struct {
	SessionID  string           `json:"session_id"`
	PlayerID   string           `json:"player_id"`
	Name       string           `json:"name"`
	Position   world.Vec3       `json:"position"`
	Rotation   float64          `json:"rotation"`
	Appearance world.Appearance `json:"appearance"`
	Busy       bool             `json:"busy"`
	Message    string           `json:"message,omitempty"`
	// MessageSeq changes whenever a new message is said, so receivers can
	// tell a repeat of the same bubble from a new one.
	MessageSeq int `json:"message_seq,omitempty"`
}

func (s State) Valid() bool {
	return s.SessionID != "" && s.Position.Valid() && !math.IsNaN(s.Rotation) && !math.IsInf(s.Rotation, 0)
}

type Frame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	State     *State        `json:"state,omitempty"`
	States    []State       `json:"states,omitempty"`
	Entity    *world.Entity `json:"entity,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode presence frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode presence frame: missing type")
	}
	return f, nil
}

// NormalizeMessage trims text and caps it at MaxMessageRunes.
func NormalizeMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		r := []rune(text)
		text = string(r[:MaxMessageRunes])
	}
	return text, nil
}

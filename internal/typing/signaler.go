// Package typing turns local keystrokes into debounced typing-changed frames
// and tracks whether the conversation partner is typing.
package typing

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/runtime"
)

// State is the local side of the state machine.
type State int

const (
	Idle State = iota
	Typing
)

func (s State) String() string {
	if s == Typing {
		return "typing"
	}
	return "idle"
}

// Emitter sends outbound frames. The channel manager satisfies it.
type Emitter interface {
	Emit(kind models.EventKind, payload any)
}

// Config holds signaler timings.
type Config struct {
	// Timeout is the inactivity period after which typing=false is sent.
	Timeout time.Duration
	// PeerTimeout clears the peer flag when no typing=true arrives for this
	// long. Zero keeps the flag until the peer sends typing=false.
	PeerTimeout time.Duration
}

// DefaultConfig returns the standard 2s inactivity timeout and no peer expiry.
func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Second}
}

// Signaler is the typing state machine for the selected conversation. All
// methods must be called on the loop goroutine.
type Signaler struct {
	cfg     Config
	loop    *runtime.Loop
	emitter Emitter
	logger  zerolog.Logger

	recipient string
	state     State
	idle      *runtime.Timer

	peerTyping bool
	peerExpiry *runtime.Timer
	listeners  []func(bool)
}

// New creates a Signaler with no recipient selected.
func New(cfg Config, loop *runtime.Loop, emitter Emitter, logger zerolog.Logger) *Signaler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Signaler{
		cfg:     cfg,
		loop:    loop,
		emitter: emitter,
		logger:  logger.With().Str("component", "typing").Logger(),
	}
}

// State returns the local typing state.
func (s *Signaler) State() State { return s.state }

// Recipient returns the partner typing signals are addressed to.
func (s *Signaler) Recipient() string { return s.recipient }

// PeerTyping reports whether the partner is currently typing.
func (s *Signaler) PeerTyping() bool { return s.peerTyping }

// OnPeerChange registers fn to be called whenever the peer flag flips.
func (s *Signaler) OnPeerChange(fn func(bool)) {
	s.listeners = append(s.listeners, fn)
}

// Keystroke reports the current input content after a key press.
func (s *Signaler) Keystroke(content string) {
	if s.recipient == "" {
		return
	}
	if strings.TrimSpace(content) == "" {
		s.Stop()
		return
	}
	if s.state == Idle {
		s.state = Typing
		s.emit(true)
	}
	s.idle.Stop()
	s.idle = s.loop.AfterFunc(s.cfg.Timeout, s.Stop)
}

// MessageSent ends the typing burst once a message goes out.
func (s *Signaler) MessageSent() {
	s.Stop()
}

// Stop emits typing=false if typing and returns to Idle.
func (s *Signaler) Stop() {
	s.idle.Stop()
	s.idle = nil
	if s.state != Typing {
		return
	}
	s.state = Idle
	s.emit(false)
}

// Reset ends any burst toward the previous recipient and targets recipientID.
// The peer flag belongs to the previous conversation and is cleared.
func (s *Signaler) Reset(recipientID string) {
	s.Stop()
	s.recipient = recipientID
	s.setPeer(false)
}

// HandleInbound applies a typing-changed frame from the backend. Frames naming
// a sender other than the current recipient are ignored.
func (s *Signaler) HandleInbound(p models.TypingPayload) {
	if s.recipient == "" {
		return
	}
	if p.SenderID != "" && p.SenderID != s.recipient {
		s.logger.Debug().Str("sender_id", p.SenderID).Msg("typing frame for another conversation")
		return
	}
	s.setPeer(p.IsTyping)
	if p.IsTyping && s.cfg.PeerTimeout > 0 {
		s.peerExpiry = s.loop.AfterFunc(s.cfg.PeerTimeout, func() { s.setPeer(false) })
	}
}

func (s *Signaler) setPeer(typing bool) {
	s.peerExpiry.Stop()
	s.peerExpiry = nil
	if s.peerTyping == typing {
		return
	}
	s.peerTyping = typing
	for _, fn := range s.listeners {
		fn(typing)
	}
}

func (s *Signaler) emit(typing bool) {
	s.emitter.Emit(models.EventTypingChanged, models.TypingPayload{
		RecipientID: s.recipient,
		IsTyping:    typing,
	})
}

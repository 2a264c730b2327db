package types

import (
	"context"
	"sync/atomic"
	"time"
)

// Session is the live state of one phone call, from connect to teardown.
// It is owned by exactly one bridge; other goroutines may only observe it
// through the atomic accessors.
type Session struct {
	CallID    string
	StreamID  string
	UserID    int64
	CreatedAt time.Time
	Context   context.Context
	Cancel    context.CancelFunc

	state        atomic.Int32
	lastActivity atomic.Int64
	inboundSeq   atomic.Uint64
	outboundSeq  atomic.Uint64
}

func NewSession(ctx context.Context, callID string, userID int64) *Session {
	callCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		CallID:    callID,
		UserID:    userID,
		CreatedAt: time.Now(),
		Context:   callCtx,
		Cancel:    cancel,
	}
	s.state.Store(int32(StateConnecting))
	s.Touch()
	return s
}

func (s *Session) State() CallState {
	return CallState(s.state.Load())
}

func (s *Session) SetState(state CallState) {
	s.state.Store(int32(state))
}

// Touch records activity for the idle-timeout policy.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) NextInboundSeq() uint64 {
	return s.inboundSeq.Add(1)
}

func (s *Session) NextOutboundSeq() uint64 {
	return s.outboundSeq.Add(1)
}

type CallState int32

const (
	StateConnecting CallState = iota
	StateGreeting
	StateListening
	StateAgentSpeaking
	StateDispatching
	StateBargeIn
	StateClosing
	StateClosed
)

func (s CallState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateAgentSpeaking:
		return "agent_speaking"
	case StateDispatching:
		return "dispatching"
	case StateBargeIn:
		return "barge_in"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// AudioFrame is an immutable chunk of mu-law audio with its sequence number.
// Outbound frames additionally carry the turn that produced them so a
// barge-in can render queued frames of a superseded turn inert.
type AudioFrame struct {
	Seq       uint64
	Turn      uint64
	Direction Direction
	Payload   []byte
}

func NewAudioFrame(seq, turn uint64, dir Direction, payload []byte) AudioFrame {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return AudioFrame{Seq: seq, Turn: turn, Direction: dir, Payload: buf}
}

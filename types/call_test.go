package types

import (
	"context"
	"testing"
	"time"
)

func TestNewAudioFrameCopiesPayload(t *testing.T) {
	payload := []byte{1, 2, 3}
	frame := NewAudioFrame(1, 1, DirectionOutbound, payload)

	payload[0] = 99
	if frame.Payload[0] != 1 {
		t.Fatal("frame payload aliases the caller's buffer")
	}
}

func TestSessionSequencesAreMonotonic(t *testing.T) {
	s := NewSession(context.Background(), "CA123", 1)

	if s.NextInboundSeq() != 1 || s.NextInboundSeq() != 2 {
		t.Fatal("inbound sequence not monotonic from 1")
	}
	if s.NextOutboundSeq() != 1 {
		t.Fatal("outbound sequence not independent of inbound")
	}
}

func TestSessionIdleTracking(t *testing.T) {
	s := NewSession(context.Background(), "CA123", 1)

	time.Sleep(20 * time.Millisecond)
	if s.IdleFor() < 10*time.Millisecond {
		t.Fatalf("IdleFor too small: %v", s.IdleFor())
	}

	s.Touch()
	if s.IdleFor() > 10*time.Millisecond {
		t.Fatalf("Touch did not reset idle clock: %v", s.IdleFor())
	}
}

func TestSessionCancelPropagates(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()

	s := NewSession(parent, "CA123", 1)
	select {
	case <-s.Context.Done():
		t.Fatal("session context done before cancel")
	default:
	}

	s.Cancel()
	select {
	case <-s.Context.Done():
	default:
		t.Fatal("session context not cancelled")
	}
}

func TestCallStateStrings(t *testing.T) {
	states := map[CallState]string{
		StateConnecting:    "connecting",
		StateGreeting:      "greeting",
		StateListening:     "listening",
		StateAgentSpeaking: "agent_speaking",
		StateDispatching:   "dispatching",
		StateBargeIn:       "barge_in",
		StateClosing:       "closing",
		StateClosed:        "closed",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("%d.String() = %s, want %s", state, state.String(), want)
		}
	}
	if CallState(99).String() != "unknown" {
		t.Error("out-of-range state should stringify as unknown")
	}
}

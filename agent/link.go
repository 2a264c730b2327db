package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicedesk/scheduler-relay/types"
)

// ErrLinkUnavailable means the speech backend was unreachable or the
// handshake failed; no session should be started.
var ErrLinkUnavailable = errors.New("speech backend unavailable")

type Config struct {
	URL         string
	APIKey      string
	ListenModel string
	ThinkModel  string
	Voice       string
	Prompt      string
	Greeting    string
}

const (
	eventQueueSize = 64
	audioQueueSize = 32
	textQueueSize  = 8

	handshakeTimeout = 10 * time.Second
)

// Link manages the duplex channel to the speech backend for one session:
// caller audio out, transcripts/synthesized audio/function calls in. It only
// ferries function requests and results; it never executes them.
type Link struct {
	conn   *websocket.Conn
	events chan Event

	sendAudio chan []byte
	sendText  chan []byte

	mu         sync.Mutex
	turn       uint64
	turnActive bool
	cancelled  uint64

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, authenticates via subprotocol token, and sends the session
// settings built from the resolved user context.
func Dial(ctx context.Context, cfg Config, uc types.UserContext) (*Link, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"token", cfg.APIKey},
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}

	if err := conn.WriteJSON(settingsMessage(cfg, uc, time.Now())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: sending settings: %v", ErrLinkUnavailable, err)
	}

	l := &Link{
		conn:      conn,
		events:    make(chan Event, eventQueueSize),
		sendAudio: make(chan []byte, audioQueueSize),
		sendText:  make(chan []byte, textQueueSize),
		done:      make(chan struct{}),
	}

	go l.readLoop()
	go l.writeLoop()
	return l, nil
}

// Events yields transcripts, turn-tagged audio, and function-call requests
// in arrival order per category. The stream ends with a Closed event.
func (l *Link) Events() <-chan Event {
	return l.events
}

// SendAudio forwards caller audio without blocking the relay path. When the
// queue is full the oldest unsent chunk is dropped; applying backpressure
// here would desynchronize the call from real time.
func (l *Link) SendAudio(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	for {
		select {
		case <-l.done:
			return fmt.Errorf("link closed")
		case l.sendAudio <- buf:
			return nil
		default:
		}
		select {
		case <-l.sendAudio:
			log.Printf("[AGENT] Audio send queue full, dropping oldest chunk")
		default:
		}
	}
}

// SendFunctionResult hands a dispatch result back to the backend, which
// folds it into its next synthesized response.
func (l *Link) SendFunctionResult(res types.FunctionCallResult) error {
	frame, err := encodeFunctionResult(res)
	if err != nil {
		return err
	}
	select {
	case l.sendText <- frame:
		return nil
	case <-l.done:
		return fmt.Errorf("link closed")
	}
}

// CancelTurn marks the in-flight turn cancelled and returns the highest
// cancelled turn id. Idempotent: with no turn active it changes nothing and
// returns the existing watermark.
func (l *Link) CancelTurn() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.turnActive {
		l.turnActive = false
		l.cancelled = l.turn
	}
	return l.cancelled
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
	return nil
}

func (l *Link) readLoop() {
	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			l.emit(Closed{Err: err})
			return
		}

		if messageType == websocket.BinaryMessage {
			l.mu.Lock()
			if !l.turnActive {
				l.turn++
				l.turnActive = true
			}
			turn := l.turn
			l.mu.Unlock()

			payload := make([]byte, len(data))
			copy(payload, data)
			l.emit(AudioChunk{Turn: turn, Payload: payload})
			continue
		}

		l.handleText(data)
	}
}

func (l *Link) handleText(data []byte) {
	var msg serverMessage
	if err := decodeServerMessage(data, &msg); err != nil {
		log.Printf("[AGENT] Ignoring undecodable message: %v", err)
		return
	}

	switch msg.Type {
	case msgUserStartedSpeaking:
		l.emit(CallerSpeaking{})
	case msgAgentAudioDone:
		l.mu.Lock()
		turn := l.turn
		l.turnActive = false
		l.mu.Unlock()
		l.emit(TurnDone{Turn: turn})
	case msgConversationText:
		l.emit(Transcript{Role: msg.Role, Text: msg.Content})
	case msgFunctionCallRequest:
		requests, err := decodeFunctionCalls(msg)
		if err != nil {
			log.Printf("[AGENT] %v", err)
			return
		}
		for _, req := range requests {
			l.emit(FunctionCall{Request: req})
		}
	case msgError:
		log.Printf("[AGENT] Backend error: %s", msg.Description)
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case payload := <-l.sendAudio:
			if err := l.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				log.Printf("[AGENT] Audio write failed: %v", err)
				// Fail the transport only; done stays open so readLoop can
				// still deliver the terminal Closed event.
				l.conn.Close()
				return
			}
		case frame := <-l.sendText:
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("[AGENT] Text write failed: %v", err)
				l.conn.Close()
				return
			}
		}
	}
}

func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

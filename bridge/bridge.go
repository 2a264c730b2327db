package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/voicedesk/scheduler-relay/agent"
	"github.com/voicedesk/scheduler-relay/audio"
	"github.com/voicedesk/scheduler-relay/types"
)

// CarrierConn is the telephony websocket. *websocket.Conn satisfies it.
type CarrierConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// AgentLink is the duplex channel to the speech backend. *agent.Link
// satisfies it.
type AgentLink interface {
	Events() <-chan agent.Event
	SendAudio(payload []byte) error
	SendFunctionResult(res types.FunctionCallResult) error
	CancelTurn() uint64
	Close() error
}

// Dispatcher executes a function-call request with the session's identity.
type Dispatcher interface {
	Dispatch(ctx context.Context, uc types.UserContext, req types.FunctionCallRequest) types.FunctionCallResult
}

// BargeInDetector is the pluggable predicate over inbound caller audio.
// audio.ActivityDetector is the default implementation; the backend's own
// speech signal trips barge-in independently of it.
type BargeInDetector interface {
	Sample(ulaw []byte) bool
	Reset()
}

type Config struct {
	IdleTimeout   time.Duration
	CloseGrace    time.Duration
	OutboundQueue int
	WriteRetries  uint64
	RetryBackoff  time.Duration

	// Announcement frames played to the caller when the speech backend
	// fails mid-call, so the call never drops silently.
	Announcement [][]byte

	// Optional bounded capture of inbound caller audio, flushed as WAV at
	// teardown.
	Capture     *audio.Capture
	CapturePath string
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 2 * time.Second
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 128
	}
	if c.WriteRetries == 0 {
		c.WriteRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 20 * time.Millisecond
	}
}

// outboundItem is one unit for the outbound pump: either an audio payload or
// a mark to emit once everything before it was delivered.
type outboundItem struct {
	turn    uint64
	payload []byte
	mark    string
}

// Bridge is the per-call state machine. It owns its Session exclusively and
// pumps frames between the carrier connection and the speech backend,
// applying the barge-in policy.
type Bridge struct {
	session    *types.Session
	uc         types.UserContext
	conn       CarrierConn
	link       AgentLink
	dispatcher Dispatcher
	detector   BargeInDetector
	cfg        Config

	streamSid   string
	streamReady chan struct{}
	readyOnce   sync.Once

	outbound chan outboundItem
	results  chan types.FunctionCallResult
	fatal    chan error
	pumpDone chan struct{}

	// Highest turn cancelled by barge-in; the pump skips any queued frame
	// at or below it so stale audio is never delivered after cancellation.
	cancelledThrough atomic.Uint64

	writeMu  sync.Mutex
	inBuffer []byte

	awaitingMark string
}

func New(session *types.Session, uc types.UserContext, conn CarrierConn, link AgentLink, dispatcher Dispatcher, detector BargeInDetector, cfg Config) *Bridge {
	cfg.applyDefaults()
	return &Bridge{
		session:     session,
		uc:          uc,
		conn:        conn,
		link:        link,
		dispatcher:  dispatcher,
		detector:    detector,
		cfg:         cfg,
		streamReady: make(chan struct{}),
		outbound:    make(chan outboundItem, cfg.OutboundQueue),
		results:     make(chan types.FunctionCallResult, 4),
		fatal:       make(chan error, 1),
		pumpDone:    make(chan struct{}),
	}
}

// Run drives the call until it closes. The link handshake already succeeded
// when Run starts, so the session moves straight to Greeting.
func (b *Bridge) Run() error {
	b.setState(types.StateGreeting)

	carrierMsgs := make(chan carrierMessage, 64)
	carrierErrs := make(chan error, 1)
	go b.readCarrier(carrierMsgs, carrierErrs)
	go b.pumpOutbound()

	tick := b.cfg.IdleTimeout / 4
	if tick > 5*time.Second {
		tick = 5 * time.Second
	}
	if tick < 20*time.Millisecond {
		tick = 20 * time.Millisecond
	}
	idleTick := time.NewTicker(tick)
	defer idleTick.Stop()

	var closeErr error

loop:
	for {
		select {
		case msg := <-carrierMsgs:
			if done := b.handleCarrier(msg); done {
				break loop
			}

		case err := <-carrierErrs:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[BRIDGE] Carrier closed call %s", b.session.CallID)
			} else {
				log.Printf("[BRIDGE] Carrier read error for call %s: %v", b.session.CallID, err)
				closeErr = err
			}
			break loop

		case ev := <-b.link.Events():
			done, err := b.handleAgentEvent(ev)
			if err != nil {
				closeErr = err
			}
			if done {
				break loop
			}

		case res := <-b.results:
			if err := b.link.SendFunctionResult(res); err != nil {
				log.Printf("[BRIDGE] Failed to return function result %s for call %s: %v", res.RequestID, b.session.CallID, err)
			}

		case err := <-b.fatal:
			log.Printf("[BRIDGE] Unrecoverable send error for call %s: %v", b.session.CallID, err)
			closeErr = err
			break loop

		case <-b.session.Context.Done():
			break loop

		case <-idleTick.C:
			if b.session.IdleFor() > b.cfg.IdleTimeout {
				log.Printf("[BRIDGE] Idle timeout for call %s after %v", b.session.CallID, b.cfg.IdleTimeout)
				break loop
			}
		}
	}

	b.close(closeErr)
	return closeErr
}

func (b *Bridge) handleCarrier(msg carrierMessage) bool {
	b.session.Touch()

	switch msg.Event {
	case eventConnected:
		return false

	case eventStart:
		if msg.Start == nil {
			return false
		}
		b.streamSid = msg.Start.StreamSid
		b.session.StreamID = msg.Start.StreamSid
		if msg.Start.CallSid != "" && msg.Start.CallSid != b.session.CallID {
			log.Printf("[BRIDGE] Stream call id %s does not match session %s", msg.Start.CallSid, b.session.CallID)
		}
		b.readyOnce.Do(func() { close(b.streamReady) })
		log.Printf("[BRIDGE] Stream %s started for call %s", b.streamSid, b.session.CallID)
		return false

	case eventMedia:
		chunk, ok := msg.inboundAudio()
		if !ok {
			return false
		}
		b.handleInbound(chunk)
		return false

	case eventMark:
		if msg.Mark != nil && msg.Mark.Name == b.awaitingMark {
			b.awaitingMark = ""
			state := b.session.State()
			if state == types.StateGreeting || state == types.StateAgentSpeaking {
				b.setState(types.StateListening)
			}
		}
		return false

	case eventStop:
		log.Printf("[BRIDGE] Stream stopped for call %s", b.session.CallID)
		return true

	default:
		return false
	}
}

// handleInbound forwards caller audio to the backend in arrival order and
// feeds the barge-in detector. Forwarding never pauses, even while a
// function dispatch is outstanding.
func (b *Bridge) handleInbound(chunk []byte) {
	b.session.NextInboundSeq()

	if b.cfg.Capture != nil {
		b.cfg.Capture.Append(chunk)
	}

	state := b.session.State()
	if state == types.StateGreeting || state == types.StateAgentSpeaking {
		if b.detector.Sample(chunk) {
			b.bargeIn("energy")
		}
	} else {
		b.detector.Reset()
	}

	b.inBuffer = append(b.inBuffer, chunk...)
	for len(b.inBuffer) >= audio.ChunkBytes {
		if err := b.link.SendAudio(b.inBuffer[:audio.ChunkBytes]); err != nil {
			log.Printf("[BRIDGE] Failed to forward caller audio for call %s: %v", b.session.CallID, err)
		}
		b.inBuffer = b.inBuffer[audio.ChunkBytes:]
	}
}

func (b *Bridge) handleAgentEvent(ev agent.Event) (done bool, err error) {
	switch ev := ev.(type) {
	case agent.AudioChunk:
		if ev.Turn <= b.cancelledThrough.Load() {
			return false, nil
		}
		b.session.Touch()
		state := b.session.State()
		if state != types.StateGreeting {
			b.setState(types.StateAgentSpeaking)
		}
		seq := b.session.NextOutboundSeq()
		frame := types.NewAudioFrame(seq, ev.Turn, types.DirectionOutbound, ev.Payload)
		b.enqueue(outboundItem{turn: frame.Turn, payload: frame.Payload})
		return false, nil

	case agent.TurnDone:
		if ev.Turn <= b.cancelledThrough.Load() {
			return false, nil
		}
		b.awaitingMark = fmt.Sprintf("turn-%d", ev.Turn)
		b.enqueue(outboundItem{turn: ev.Turn, mark: b.awaitingMark})
		return false, nil

	case agent.CallerSpeaking:
		state := b.session.State()
		if state == types.StateGreeting || state == types.StateAgentSpeaking {
			b.bargeIn("backend")
		}
		return false, nil

	case agent.FunctionCall:
		b.setState(types.StateDispatching)
		log.Printf("[BRIDGE] Function call %s (%s) for call %s", ev.Request.Name, ev.Request.RequestID, b.session.CallID)
		go b.dispatch(ev.Request)
		return false, nil

	case agent.Transcript:
		log.Printf("[BRIDGE] Transcript %s/%s: %s", b.session.CallID, ev.Role, ev.Text)
		return false, nil

	case agent.Closed:
		if ev.Err != nil {
			log.Printf("[BRIDGE] Speech link failed for call %s: %v", b.session.CallID, ev.Err)
			b.playAnnouncement()
			return true, fmt.Errorf("link error: %w", ev.Err)
		}
		return true, nil

	default:
		return false, nil
	}
}

// dispatch runs concurrently so the audio path keeps flowing; a result that
// arrives after teardown is discarded, never delivered to a dead session.
func (b *Bridge) dispatch(req types.FunctionCallRequest) {
	res := b.dispatcher.Dispatch(b.session.Context, b.uc, req)
	select {
	case b.results <- res:
	case <-b.session.Context.Done():
	}
}

// bargeIn cancels the in-flight turn, discards every not-yet-sent frame of
// it, and tells the carrier to drop buffered playback. Bounded work only:
// this runs inline on the frame path.
func (b *Bridge) bargeIn(source string) {
	cancelled := b.link.CancelTurn()
	if cancelled == 0 {
		return
	}
	b.cancelledThrough.Store(cancelled)
	b.setState(types.StateBargeIn)
	log.Printf("[BRIDGE] Barge-in (%s) on call %s, cancelling turn %d", source, b.session.CallID, cancelled)

	b.flushOutbound()
	if err := b.writeCarrier(clearMessage(b.streamSid), 0); err != nil {
		log.Printf("[BRIDGE] Failed to clear carrier playback for call %s: %v", b.session.CallID, err)
	}
	b.detector.Reset()
	b.awaitingMark = ""
	b.setState(types.StateListening)
}

func (b *Bridge) enqueue(item outboundItem) {
	for {
		select {
		case b.outbound <- item:
			return
		default:
		}
		// Queue full: drop the oldest unsent frame rather than applying
		// unbounded backpressure that would fall behind real time.
		select {
		case dropped := <-b.outbound:
			if dropped.mark == "" {
				log.Printf("[BRIDGE] Outbound queue full for call %s, dropping frame of turn %d", b.session.CallID, dropped.turn)
			}
		default:
		}
	}
}

func (b *Bridge) flushOutbound() {
	flushed := 0
	for {
		select {
		case <-b.outbound:
			flushed++
		default:
			if flushed > 0 {
				log.Printf("[BRIDGE] Flushed %d queued outbound items for call %s", flushed, b.session.CallID)
			}
			return
		}
	}
}

// pumpOutbound delivers synthesized audio to the carrier in production
// order, skipping frames of cancelled turns.
func (b *Bridge) pumpOutbound() {
	defer close(b.pumpDone)

	select {
	case <-b.streamReady:
	case <-b.session.Context.Done():
		return
	}

	for {
		select {
		case <-b.session.Context.Done():
			return
		case item := <-b.outbound:
			if item.turn != 0 && item.turn <= b.cancelledThrough.Load() {
				continue
			}

			var msg carrierMessage
			if item.mark != "" {
				msg = markMessage(b.streamSid, item.mark)
			} else {
				msg = mediaMessage(b.streamSid, item.payload)
			}

			if err := b.writeCarrier(msg, item.turn); err != nil {
				select {
				case b.fatal <- err:
				default:
				}
				return
			}
		}
	}
}

// writeCarrier serializes writes to the carrier socket and retries transient
// failures a bounded number of times before giving up. The cancellation
// watermark is re-checked under the write lock that also orders the barge-in
// clear, so a frame dequeued just before cancellation can never follow the
// clear onto the wire. Turn 0 items (announcements, clears) are exempt.
func (b *Bridge) writeCarrier(msg carrierMessage, turn uint64) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error encoding carrier message: %v", err)
	}

	backoff := retry.WithMaxRetries(b.cfg.WriteRetries, retry.NewConstant(b.cfg.RetryBackoff))
	return retry.Do(b.session.Context, backoff, func(ctx context.Context) error {
		b.writeMu.Lock()
		defer b.writeMu.Unlock()
		if turn != 0 && turn <= b.cancelledThrough.Load() {
			return nil
		}
		if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// playAnnouncement queues the spoken fallback ahead of Closing. Turn 0 is
// never cancelled, so the frames survive a pending barge-in watermark.
func (b *Bridge) playAnnouncement() {
	if len(b.cfg.Announcement) == 0 || b.streamSid == "" {
		return
	}
	b.flushOutbound()
	for _, frame := range b.cfg.Announcement {
		b.enqueue(outboundItem{turn: 0, payload: frame})
	}
}

func (b *Bridge) readCarrier(msgs chan<- carrierMessage, errs chan<- error) {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case errs <- err:
			case <-b.session.Context.Done():
			}
			return
		}

		msg, err := decodeCarrierMessage(data)
		if err != nil {
			log.Printf("[BRIDGE] %v", err)
			continue
		}

		select {
		case msgs <- msg:
		case <-b.session.Context.Done():
			return
		}
	}
}

// close drains in-flight sends best-effort within the grace period, then
// forces everything shut.
func (b *Bridge) close(reason error) {
	b.setState(types.StateClosing)

	deadline := time.Now().Add(b.cfg.CloseGrace)
drain:
	for len(b.outbound) > 0 && time.Now().Before(deadline) {
		select {
		case <-b.pumpDone:
			// Pump already exited; nothing will drain the queue.
			break drain
		case <-time.After(20 * time.Millisecond):
		}
	}

	b.session.Cancel()
	b.link.Close()
	b.conn.Close()

	if b.cfg.Capture != nil && b.cfg.CapturePath != "" && b.cfg.Capture.Len() > 0 {
		if err := b.cfg.Capture.WriteFile(b.cfg.CapturePath); err != nil {
			log.Printf("[BRIDGE] %v", err)
		}
	}

	b.setState(types.StateClosed)
	if reason != nil {
		log.Printf("[BRIDGE] Call %s closed after error: %v", b.session.CallID, reason)
	} else {
		log.Printf("[BRIDGE] Call %s closed", b.session.CallID)
	}
}

func (b *Bridge) setState(state types.CallState) {
	prev := b.session.State()
	if prev == state {
		return
	}
	b.session.SetState(state)
	log.Printf("[BRIDGE] Call %s: %s -> %s", b.session.CallID, prev, state)
}

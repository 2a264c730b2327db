package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicedesk/scheduler-relay/types"
)

func TestCancelTurnIdempotent(t *testing.T) {
	l := &Link{}
	l.turn = 3
	l.turnActive = true

	if got := l.CancelTurn(); got != 3 {
		t.Fatalf("CancelTurn() = %d, want 3", got)
	}
	// Repeated cancellation of the same turn keeps the watermark.
	if got := l.CancelTurn(); got != 3 {
		t.Fatalf("second CancelTurn() = %d, want 3", got)
	}

	l.mu.Lock()
	l.turn = 4
	l.turnActive = true
	l.mu.Unlock()

	if got := l.CancelTurn(); got != 4 {
		t.Fatalf("CancelTurn() after new turn = %d, want 4", got)
	}
}

func TestCancelTurnWithoutActiveTurn(t *testing.T) {
	l := &Link{}
	if got := l.CancelTurn(); got != 0 {
		t.Fatalf("CancelTurn() on idle link = %d, want 0", got)
	}
}

// The terminal Closed event must reach the consumer no matter whether the
// read or the write side of the link notices the transport failure first.
func TestTransportFailureDeliversClosedEvent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	defer ts.Close()

	for i := 0; i < 20; i++ {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
		if err != nil {
			t.Fatal(err)
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

		// Kill the transport abruptly, then push writes so the failure can
		// surface on the write path before the read path.
		sc := <-conns
		sc.UnderlyingConn().Close()
		for j := 0; j < 4; j++ {
			l.SendAudio([]byte{0x00})
		}

		gotClosed := false
		deadline := time.After(3 * time.Second)
	recv:
		for {
			select {
			case ev := <-l.events:
				if closed, ok := ev.(Closed); ok {
					if closed.Err == nil {
						t.Fatal("abrupt transport failure reported as clean close")
					}
					gotClosed = true
					break recv
				}
			case <-deadline:
				break recv
			}
		}
		if !gotClosed {
			t.Fatalf("iteration %d: Closed event never delivered after transport failure", i)
		}
		l.Close()
	}
}

func TestDecodeFunctionCalls(t *testing.T) {
	var msg serverMessage
	raw := `{
		"type": "FunctionCallRequest",
		"functions": [
			{"id": "fn-1", "name": "create_calendar_event", "arguments": "{\"summary\":\"Checkup\"}"},
			{"id": "", "name": "cancel_appointment", "arguments": ""}
		]
	}`
	if err := decodeServerMessage([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}

	requests, err := decodeFunctionCalls(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}

	if requests[0].RequestID != "fn-1" || requests[0].Name != "create_calendar_event" {
		t.Fatalf("unexpected first request: %+v", requests[0])
	}
	if requests[0].Arguments["summary"] != "Checkup" {
		t.Fatalf("arguments not decoded: %v", requests[0].Arguments)
	}

	// A missing id gets a generated one so the result stays answerable.
	if requests[1].RequestID == "" {
		t.Fatal("expected generated request id")
	}
	if len(requests[1].Arguments) != 0 {
		t.Fatalf("empty arguments should decode to empty map: %v", requests[1].Arguments)
	}
}

func TestDecodeFunctionCallsRejectsBadArguments(t *testing.T) {
	msg := serverMessage{
		Functions: []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		}{{ID: "fn-2", Name: "cancel_appointment", Arguments: "{not json"}},
	}
	if _, err := decodeFunctionCalls(msg); err == nil {
		t.Fatal("expected decode error for malformed arguments")
	}
}

func TestEncodeFunctionResult(t *testing.T) {
	frame, err := encodeFunctionResult(types.FunctionCallResult{
		RequestID: "fn-1",
		Name:      "create_calendar_event",
		Status:    types.FunctionSuccess,
		Payload:   map[string]any{"event_id": "evt-1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var resp functionCallResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "FunctionCallResponse" || resp.ID != "fn-1" || resp.Name != "create_calendar_event" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &content); err != nil {
		t.Fatalf("content is not nested JSON: %v", err)
	}
	if content["event_id"] != "evt-1" {
		t.Fatalf("payload missing from content: %v", content)
	}
}

func TestEncodeFunctionResultFailure(t *testing.T) {
	frame, err := encodeFunctionResult(types.FunctionCallResult{
		RequestID:    "fn-9",
		Name:         "delete_everything",
		Status:       types.FunctionFailure,
		ErrorMessage: "UnsupportedFunction",
	})
	if err != nil {
		t.Fatal(err)
	}

	var resp functionCallResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatal(err)
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &content); err != nil {
		t.Fatal(err)
	}
	if content["error"] != "UnsupportedFunction" {
		t.Fatalf("failure content missing error: %v", content)
	}
}

func TestSettingsMessage(t *testing.T) {
	cfg := Config{
		ListenModel: "nova-3",
		ThinkModel:  "gpt-4o-mini",
		Voice:       "aura-2-thalia-en",
		Prompt:      "You are a scheduling assistant.",
		Greeting:    "Hello!",
	}
	uc := types.UserContext{UserID: 42, TimeZone: "UTC", WorkDayStarts: 9, WorkDayEnds: 17}
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC) // a Monday

	msg := settingsMessage(cfg, uc, now)
	if msg["type"] != "Settings" {
		t.Fatalf("unexpected type: %v", msg["type"])
	}

	// The envelope must survive a JSON round trip intact.
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	agentCfg := decoded["agent"].(map[string]any)
	if agentCfg["greeting"] != "Hello!" {
		t.Fatalf("greeting not carried: %v", agentCfg["greeting"])
	}
	think := agentCfg["think"].(map[string]any)
	prompt := think["prompt"].(string)
	if !strings.Contains(prompt, "You are a scheduling assistant.") {
		t.Fatal("base prompt missing from think prompt")
	}
	if !strings.Contains(prompt, "Tomorrow: 2024-01-16") {
		t.Fatalf("date context missing tomorrow: %q", prompt)
	}
	if !strings.Contains(prompt, "Next Monday: 2024-01-22") {
		t.Fatalf("date context missing next Monday: %q", prompt)
	}
	if !strings.Contains(prompt, "Working hours: 09:00-17:00") {
		t.Fatalf("date context missing working hours: %q", prompt)
	}

	functions := think["functions"].([]any)
	if len(functions) != 5 {
		t.Fatalf("expected 5 function schemas, got %d", len(functions))
	}
	names := map[string]bool{}
	for _, fn := range functions {
		names[fn.(map[string]any)["name"].(string)] = true
	}
	for _, want := range []string{
		"check_calendar_availability",
		"create_calendar_event",
		"reschedule_appointment",
		"cancel_appointment",
		"get_appointment_details",
	} {
		if !names[want] {
			t.Fatalf("missing function schema %s", want)
		}
	}
}

func TestDateContextAnchorsUserZone(t *testing.T) {
	uc := types.UserContext{TimeZone: "America/New_York", WorkDayStarts: 8, WorkDayEnds: 16}
	// 02:00 UTC is still the previous day in New York.
	now := time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC)

	ctx := dateContext(uc, now)
	if !strings.Contains(ctx, "Today: Monday, January 15, 2024") {
		t.Fatalf("date context not anchored in user zone: %q", ctx)
	}
}

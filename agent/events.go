package agent

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/voicedesk/scheduler-relay/types"
)

// Event is one item from the link's stream surface: transcripts, synthesized
// audio tagged with its turn, function-call requests, and link lifecycle.
type Event interface {
	linkEvent()
}

// Transcript fragments are informational; the bridge is not required to act
// on them.
type Transcript struct {
	Role string
	Text string
}

// AudioChunk is synthesized mu-law audio belonging to one turn.
type AudioChunk struct {
	Turn    uint64
	Payload []byte
}

// TurnDone marks the backend finishing synthesis for a turn.
type TurnDone struct {
	Turn uint64
}

// CallerSpeaking is the backend's own barge-in signal.
type CallerSpeaking struct{}

// FunctionCall carries a structured calendar intent.
type FunctionCall struct {
	Request types.FunctionCallRequest
}

// Closed terminates the event stream. Err is nil on a clean close.
type Closed struct {
	Err error
}

func (Transcript) linkEvent()     {}
func (AudioChunk) linkEvent()     {}
func (TurnDone) linkEvent()       {}
func (CallerSpeaking) linkEvent() {}
func (FunctionCall) linkEvent()   {}
func (Closed) linkEvent()         {}

// serverMessage is the JSON envelope of text frames from the speech backend.
type serverMessage struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description,omitempty"`
	Functions   []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"functions,omitempty"`
}

const (
	msgUserStartedSpeaking = "UserStartedSpeaking"
	msgAgentAudioDone      = "AgentAudioDone"
	msgConversationText    = "ConversationText"
	msgFunctionCallRequest = "FunctionCallRequest"
	msgError               = "Error"
)

func decodeServerMessage(data []byte, msg *serverMessage) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("error decoding backend message: %v", err)
	}
	return nil
}

// functionCallResponse is the wire shape for handing a result back.
type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

func encodeFunctionResult(res types.FunctionCallResult) ([]byte, error) {
	var content any
	if res.Status == types.FunctionSuccess {
		content = res.Payload
	} else {
		content = map[string]any{"error": res.ErrorMessage}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("error encoding function result %s: %v", res.RequestID, err)
	}
	return json.Marshal(functionCallResponse{
		Type:    "FunctionCallResponse",
		ID:      res.RequestID,
		Name:    res.Name,
		Content: string(encoded),
	})
}

func decodeFunctionCalls(msg serverMessage) ([]types.FunctionCallRequest, error) {
	requests := make([]types.FunctionCallRequest, 0, len(msg.Functions))
	for _, fn := range msg.Functions {
		args := map[string]any{}
		if fn.Arguments != "" {
			if err := json.Unmarshal([]byte(fn.Arguments), &args); err != nil {
				return nil, fmt.Errorf("error decoding arguments for %s (%s): %v", fn.Name, fn.ID, err)
			}
		}
		id := fn.ID
		if id == "" {
			// Results are correlated by id, never by order; a request
			// without one still needs to be answerable.
			id = uuid.NewString()
		}
		requests = append(requests, types.FunctionCallRequest{
			RequestID: id,
			Name:      fn.Name,
			Arguments: args,
		})
	}
	return requests, nil
}

package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Carrier media-stream envelopes: JSON messages over the telephony
// websocket, audio carried base64-encoded in media payloads.
type carrierMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSid  string `json:"streamSid"`
	CallSid    string `json:"callSid"`
	AccountSid string `json:"accountSid,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
	eventClear     = "clear"

	trackInbound = "inbound"
)

func decodeCarrierMessage(data []byte) (carrierMessage, error) {
	var msg carrierMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return carrierMessage{}, fmt.Errorf("error decoding carrier message: %v", err)
	}
	return msg, nil
}

func (m carrierMessage) inboundAudio() ([]byte, bool) {
	if m.Event != eventMedia || m.Media == nil {
		return nil, false
	}
	if m.Media.Track != "" && m.Media.Track != trackInbound {
		return nil, false
	}
	chunk, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, false
	}
	return chunk, true
}

func mediaMessage(streamSid string, ulaw []byte) carrierMessage {
	return carrierMessage{
		Event:     eventMedia,
		StreamSid: streamSid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	}
}

func clearMessage(streamSid string) carrierMessage {
	return carrierMessage{Event: eventClear, StreamSid: streamSid}
}

func markMessage(streamSid, name string) carrierMessage {
	return carrierMessage{
		Event:     eventMark,
		StreamSid: streamSid,
		Mark:      &markPayload{Name: name},
	}
}

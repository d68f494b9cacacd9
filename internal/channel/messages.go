package channel

import (
	"encoding/json"
	"fmt"
)

// Wire event names. Voice audio is not enveloped; it travels as raw binary
// frames.
const (
	// Client to server
	EventAuthenticate   = "authenticate"
	EventCommandExecute = "command_execute"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"

	// Server to client
	EventCommandResponse    = "command_response"
	EventVoiceTranscription = "voice_transcription"
	EventSystemStatus       = "system_status_update"
	EventAgentStatus        = "agent_status_update"
	EventError              = "error"
)

// Envelope is the text frame carried in both directions: an event name plus
// an event-specific payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload carries the bearer token for authenticate.
type AuthPayload struct {
	Token string `json:"token"`
}

// RoomPayload names the room for join_room and leave_room.
type RoomPayload struct {
	Room string `json:"room"`
}

// CommandPayload carries one command_execute request. The id comes back on
// the matching command_response.
type CommandPayload struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

// EncodeEnvelope marshals an event with its payload into one text frame.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

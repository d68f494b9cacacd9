// Package events defines the typed event catalogue shared by the channel,
// command, and state layers, plus the registry they dispatch through.
package events

import (
	"time"
)

// Kind identifies an event variant.
type Kind string

const (
	// KindConnectionChanged fires on every channel state transition.
	KindConnectionChanged Kind = "connection.changed"

	// KindCommandResponse carries a backend reply to command_execute.
	KindCommandResponse Kind = "command.response"

	// KindVoiceTranscription carries out-of-band transcribed text.
	KindVoiceTranscription Kind = "voice.transcription"

	// KindSystemStatus carries the backend's resource metrics push.
	KindSystemStatus Kind = "system.status"

	// KindAgentStatus carries a single agent's status change.
	KindAgentStatus Kind = "agent.status"

	// KindError carries a server-reported or channel-fatal error.
	KindError Kind = "error"
)

// Event is implemented by every variant so handlers receive a statically
// known payload shape instead of a string-keyed map.
type Event interface {
	Kind() Kind
}

// Phase is the channel connection phase.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
)

// ConnectionChanged reports a channel state transition. Fatal is set when
// the reconnection attempt cap was exhausted and no further automatic
// retries will happen.
type ConnectionChanged struct {
	Phase     Phase
	Attempt   int
	LastError string
	Fatal     bool
}

func (ConnectionChanged) Kind() Kind { return KindConnectionChanged }

// Command response statuses. The backend sends success or error; the channel
// substitutes protocol_error when a response arrives unparseable but still
// carries a usable id.
const (
	StatusSuccess       = "success"
	StatusOK            = "ok"
	StatusError         = "error"
	StatusProtocolError = "protocol_error"
)

// CommandResponse is the backend reply to one executed command, correlated
// by ID.
type CommandResponse struct {
	ID            string  `json:"id"`
	Command       string  `json:"command"`
	Response      string  `json:"response"`
	Timestamp     float64 `json:"timestamp"`
	ExecutionTime float64 `json:"execution_time"`
	Status        string  `json:"status"`
}

func (CommandResponse) Kind() Kind { return KindCommandResponse }

// Succeeded reports whether the backend marked the command successful.
func (r CommandResponse) Succeeded() bool {
	return r.Status == StatusSuccess || r.Status == StatusOK || r.Status == ""
}

// VoiceTranscription is transcribed text pushed by the backend while audio
// is streaming.
type VoiceTranscription struct {
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

func (VoiceTranscription) Kind() Kind { return KindVoiceTranscription }

// SystemStatus mirrors the backend watchdog's resource metrics.
type SystemStatus struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	AgentsActive  int     `json:"agents_active"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (SystemStatus) Kind() Kind { return KindSystemStatus }

// AgentStatus reports one backend agent's status change.
type AgentStatus struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

func (AgentStatus) Kind() Kind { return KindAgentStatus }

// Error is a server-sent error message or a locally raised fatal channel
// error.
type Error struct {
	Message string `json:"message"`
	Fatal   bool   `json:"-"`
}

func (Error) Kind() Kind { return KindError }

// Notification is a display-ready record derived from events, kept by the
// state store and the journal.
type Notification struct {
	ID      string    `json:"id"`
	Level   string    `json:"level"` // info, warn, error
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

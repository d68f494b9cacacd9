// Package channel maintains the WebSocket channel to the CortexBrain
// backend: dialing, authentication, room membership, reconnection, and the
// translation of wire envelopes into typed events.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlink/internal/events"
	"github.com/normanking/cortexlink/internal/metrics"
)

// Common errors
var (
	ErrNotConnected     = errors.New("channel not connected")
	ErrChannelExhausted = errors.New("reconnect attempts exhausted")
)

// failureQuietThreshold is how many consecutive failures are logged at warn
// level before dropping to debug.
const failureQuietThreshold = 3

// maxReconnectDelay caps the linear backoff when retries are unlimited.
const maxReconnectDelay = 60 * time.Second

// Config holds channel configuration.
type Config struct {
	URL            string        `json:"url"`             // backend base URL, http(s) or ws(s)
	Path           string        `json:"path"`            // WebSocket path, default /ws
	Token          string        `json:"token"`           // optional bearer token
	Rooms          []string      `json:"rooms"`           // rooms joined after every connect
	DialTimeout    time.Duration `json:"dial_timeout"`    // default 5s
	ReconnectDelay time.Duration `json:"reconnect_delay"` // linear backoff base, default 2s
	MaxReconnects  int           `json:"max_reconnects"`  // attempts before giving up, default 5; negative means unlimited
	WriteTimeout   time.Duration `json:"write_timeout"`   // default 5s
}

// DefaultConfig returns sensible defaults for a local backend.
func DefaultConfig() *Config {
	return &Config{
		URL:            "http://localhost:8765",
		Path:           "/ws",
		DialTimeout:    5 * time.Second,
		ReconnectDelay: 2 * time.Second,
		MaxReconnects:  5,
		WriteTimeout:   5 * time.Second,
	}
}

// State is a snapshot of the channel's connection state.
type State struct {
	Phase     events.Phase `json:"phase"`
	Attempt   int          `json:"attempt"`
	LastError string       `json:"last_error,omitempty"`
}

// Manager owns one channel to the backend. Sends are at-most-once: an event
// submitted while the channel is down is dropped with ErrNotConnected, never
// queued. Incoming envelopes are decoded and published on the event registry
// in arrival order.
type Manager struct {
	config  *Config
	logger  zerolog.Logger
	events  *events.Registry
	metrics *metrics.Metrics

	mu        sync.RWMutex
	conn      *websocket.Conn
	phase     events.Phase
	attempt   int
	lastErr   string
	rooms     map[string]bool
	running   bool
	parentCtx context.Context
	cancel    context.CancelFunc

	// Serializes frame writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex
}

// NewManager creates a channel manager. The registry may be nil, in which
// case a private one is created. Metrics may be nil.
func NewManager(config *Config, registry *events.Registry, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if registry == nil {
		registry = events.NewRegistry()
	}

	rooms := make(map[string]bool, len(config.Rooms))
	for _, r := range config.Rooms {
		rooms[r] = true
	}

	return &Manager{
		config:  config,
		logger:  logger.With().Str("component", "channel").Logger(),
		events:  registry,
		metrics: m,
		phase:   events.PhaseDisconnected,
		rooms:   rooms,
	}
}

// Events returns the registry incoming events are published on.
func (m *Manager) Events() *events.Registry {
	return m.events
}

// Connect starts the connect loop. It returns immediately; progress is
// observable through connection events and State.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.parentCtx = ctx
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	go m.connectLoop(runCtx)
	return nil
}

// Reconnect forces a fresh dial. While the loop is running it drops the
// current connection; after a fatal stop it restarts the cycle from attempt
// zero.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.running {
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if m.parentCtx == nil {
		m.mu.Unlock()
		m.logger.Warn().Msg("Reconnect requested before Connect")
		return
	}
	runCtx, cancel := context.WithCancel(m.parentCtx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.logger.Info().Msg("Manual reconnect requested")
	go m.connectLoop(runCtx)
}

// Close shuts the channel down. The loop exits and a non-fatal disconnected
// transition is published. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// IsConnected reports whether the channel is currently usable.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase == events.PhaseConnected && m.conn != nil
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{Phase: m.phase, Attempt: m.attempt, LastError: m.lastErr}
}

// On subscribes a handler for one event kind and returns its unsubscribe.
func (m *Manager) On(kind events.Kind, handler events.Handler) func() {
	return m.events.Subscribe(kind, handler)
}

// Send writes one enveloped event. Events submitted while the channel is
// down are dropped and reported with ErrNotConnected.
func (m *Manager) Send(event string, payload any) error {
	conn, ok := m.usableConn()
	if !ok {
		m.logger.Warn().Str("event", event).Msg("Dropping event, channel not connected")
		if m.metrics != nil {
			m.metrics.RecordEventDropped()
		}
		return ErrNotConnected
	}

	data, err := EncodeEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	if err := m.write(conn, websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	if m.metrics != nil {
		m.metrics.RecordEventSent()
	}
	return nil
}

// SendVoice streams one chunk of raw audio as a binary frame. Chunks
// submitted while the channel is down are dropped, never queued.
func (m *Manager) SendVoice(data []byte) error {
	conn, ok := m.usableConn()
	if !ok {
		if m.metrics != nil {
			m.metrics.RecordVoiceDropped()
		}
		return ErrNotConnected
	}

	if err := m.write(conn, websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write voice: %w", err)
	}
	if m.metrics != nil {
		m.metrics.RecordVoiceChunk(len(data))
	}
	return nil
}

// JoinRoom records the room as desired and announces it when connected. The
// membership is replayed after every reconnect.
func (m *Manager) JoinRoom(room string) error {
	m.mu.Lock()
	m.rooms[room] = true
	m.mu.Unlock()

	if !m.IsConnected() {
		return nil
	}
	return m.Send(EventJoinRoom, RoomPayload{Room: room})
}

// LeaveRoom drops the room from the desired set and announces the departure
// when connected.
func (m *Manager) LeaveRoom(room string) error {
	m.mu.Lock()
	delete(m.rooms, room)
	m.mu.Unlock()

	if !m.IsConnected() {
		return nil
	}
	return m.Send(EventLeaveRoom, RoomPayload{Room: room})
}

// Authenticate replaces the bearer token and, when connected, presents the
// new credential immediately. Every later handshake uses the replacement.
func (m *Manager) Authenticate(token string) error {
	m.mu.Lock()
	m.config.Token = token
	m.mu.Unlock()

	if token == "" || !m.IsConnected() {
		return nil
	}
	return m.Send(EventAuthenticate, AuthPayload{Token: token})
}

func (m *Manager) usableConn() (*websocket.Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.phase != events.PhaseConnected || m.conn == nil {
		return nil, false
	}
	return m.conn, true
}

func (m *Manager) write(conn *websocket.Conn, messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	}
	return conn.WriteMessage(messageType, data)
}

// connectLoop dials, runs sessions, and retries with a linearly growing
// delay until the attempt cap is exhausted or the context ends. The running
// flag is cleared before the terminal transition so a handler reacting to it
// can call Reconnect immediately.
func (m *Manager) connectLoop(ctx context.Context) {
	attempt := 0
	m.transition(events.PhaseConnecting, 0, nil, false)

	for {
		established, err := m.runSession(ctx)
		if ctx.Err() != nil {
			m.setRunning(false)
			m.transition(events.PhaseDisconnected, 0, nil, false)
			return
		}
		if established {
			attempt = 0
		}
		attempt++

		if m.config.MaxReconnects >= 0 && attempt > m.config.MaxReconnects {
			m.logger.Error().
				Err(err).
				Int("attempts", attempt-1).
				Msg("Reconnect attempts exhausted, giving up")
			m.setRunning(false)
			m.transition(events.PhaseDisconnected, attempt-1, fmt.Errorf("%w: %v", ErrChannelExhausted, err), true)
			return
		}

		if attempt >= failureQuietThreshold {
			if attempt == failureQuietThreshold {
				m.logger.Warn().
					Err(err).
					Int("attempt", attempt).
					Msg("Backend not available, will keep retrying")
			} else {
				m.logger.Debug().
					Int("attempt", attempt).
					Msg("Backend still unavailable")
			}
		} else {
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("Channel lost, reconnecting...")
		}

		if m.metrics != nil {
			m.metrics.RecordReconnect()
		}
		m.transition(events.PhaseReconnecting, attempt, err, false)

		select {
		case <-ctx.Done():
			m.setRunning(false)
			m.transition(events.PhaseDisconnected, 0, nil, false)
			return
		case <-time.After(m.backoff(attempt)):
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

// backoff returns the delay before the given attempt: the base delay
// multiplied by the attempt number, clamped for unlimited-retry configs.
func (m *Manager) backoff(attempt int) time.Duration {
	base := m.config.ReconnectDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	delay := base * time.Duration(attempt)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

// runSession dials once and pumps messages until the connection fails. The
// first return value reports whether a connection was established at all.
func (m *Manager) runSession(ctx context.Context) (bool, error) {
	wsURL, err := m.wsURL()
	if err != nil {
		return false, err
	}

	m.logger.Debug().Str("url", wsURL).Msg("Dialing backend")

	dialer := websocket.Dialer{HandshakeTimeout: m.config.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.transition(events.PhaseConnected, 0, nil, false)
	m.logger.Info().Str("url", wsURL).Msg("Connected to backend")

	if err := m.handshake(); err != nil {
		m.dropConn()
		return true, fmt.Errorf("handshake: %w", err)
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			m.dropConn()
			return true, fmt.Errorf("read: %w", err)
		}
		if messageType != websocket.TextMessage {
			m.logger.Debug().Int("type", messageType).Msg("Ignoring non-text frame")
			continue
		}
		m.handleMessage(data)
	}
}

// handshake authenticates and replays room membership on a fresh connection.
func (m *Manager) handshake() error {
	m.mu.RLock()
	token := m.config.Token
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	if token != "" {
		if err := m.Send(EventAuthenticate, AuthPayload{Token: token}); err != nil {
			return err
		}
	}

	for _, room := range rooms {
		if err := m.Send(EventJoinRoom, RoomPayload{Room: room}); err != nil {
			return err
		}
		m.logger.Debug().Str("room", room).Msg("Joined room")
	}
	return nil
}

// handleMessage decodes one envelope and publishes the typed event.
func (m *Manager) handleMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to parse envelope")
		m.events.Publish(events.Error{Message: fmt.Sprintf("protocol error: %v", err)})
		return
	}

	switch env.Event {
	case EventCommandResponse:
		var msg events.CommandResponse
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.ID == "" {
			m.handleBadCommandResponse(env.Payload, err)
			return
		}
		m.logger.Debug().Str("id", msg.ID).Str("status", msg.Status).Msg("Command response")
		m.events.Publish(msg)

	case EventVoiceTranscription:
		var msg events.VoiceTranscription
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to parse transcription")
			return
		}
		m.events.Publish(msg)

	case EventSystemStatus:
		var msg events.SystemStatus
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to parse system status")
			return
		}
		m.events.Publish(msg)

	case EventAgentStatus:
		var msg events.AgentStatus
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to parse agent status")
			return
		}
		m.events.Publish(msg)

	case EventError:
		var msg events.Error
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to parse error event")
			return
		}
		m.logger.Warn().Str("message", msg.Message).Msg("Server error")
		m.events.Publish(msg)

	default:
		m.logger.Debug().Str("event", env.Event).Msg("Unknown event")
	}
}

// handleBadCommandResponse salvages the id from a malformed response so the
// waiting command can fail with a protocol error instead of hanging until
// disconnect.
func (m *Manager) handleBadCommandResponse(payload json.RawMessage, parseErr error) {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &probe)

	if probe.ID == "" {
		m.logger.Warn().Err(parseErr).Msg("Unparseable command response")
		m.events.Publish(events.Error{Message: "protocol error: unparseable command response"})
		return
	}

	reason := "malformed command response"
	if parseErr != nil {
		reason = fmt.Sprintf("malformed command response: %v", parseErr)
	}
	m.logger.Warn().Str("id", probe.ID).Err(parseErr).Msg("Malformed command response")
	m.events.Publish(events.CommandResponse{
		ID:       probe.ID,
		Status:   events.StatusProtocolError,
		Response: reason,
	})
}

// dropConn closes and clears the active connection.
func (m *Manager) dropConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// transition records the new phase and publishes it. A fatal transition also
// raises a fatal error event so surfaces not watching connection state still
// hear about it.
func (m *Manager) transition(phase events.Phase, attempt int, cause error, fatal bool) {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	m.mu.Lock()
	m.phase = phase
	m.attempt = attempt
	if phase == events.PhaseConnected {
		m.lastErr = ""
	} else if lastErr != "" {
		m.lastErr = lastErr
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetConnected(phase == events.PhaseConnected)
	}

	m.events.Publish(events.ConnectionChanged{
		Phase:     phase,
		Attempt:   attempt,
		LastError: lastErr,
		Fatal:     fatal,
	})
	if fatal {
		m.events.Publish(events.Error{Message: lastErr, Fatal: true})
	}
}

// wsURL converts the configured base URL to its WebSocket form.
func (m *Manager) wsURL() (string, error) {
	u, err := url.Parse(m.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if m.config.Path != "" {
		u.Path = m.config.Path
	} else if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

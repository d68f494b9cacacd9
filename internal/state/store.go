// Package state keeps the observable client-side snapshot: connection
// phase, recording activity, backend status, and recent notifications.
package state

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlink/internal/events"
)

// maxNotifications bounds the kept history; older entries fall off.
const maxNotifications = 50

// maxNotificationLen bounds one notification message.
const maxNotificationLen = 200

// Connection is the channel state as the store tracks it.
type Connection struct {
	Phase     events.Phase `json:"phase"`
	Attempt   int          `json:"attempt"`
	LastError string       `json:"last_error,omitempty"`
	Fatal     bool         `json:"fatal,omitempty"`
	Since     time.Time    `json:"since"`
}

// Recording is the capture state as the store tracks it.
type Recording struct {
	Active    bool      `json:"active"`
	Streaming bool      `json:"streaming"`
	Volume    float64   `json:"volume"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is one consistent view of everything the store tracks.
type Snapshot struct {
	Connection        Connection            `json:"connection"`
	Recording         Recording             `json:"recording"`
	System            events.SystemStatus   `json:"system"`
	Agents            map[string]string     `json:"agents"`
	Notifications     []events.Notification `json:"notifications"`
	LastTranscription string                `json:"last_transcription,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// Store is the snapshot holder. Every mutation produces a new snapshot and
// pushes it to all subscribers.
type Store struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	snap   Snapshot
	subs   map[uint64]func(Snapshot)
	nextID uint64
	unsubs []func()
}

// NewStore creates an empty store in the disconnected state.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		logger: logger.With().Str("component", "state").Logger(),
		snap: Snapshot{
			Connection: Connection{Phase: events.PhaseDisconnected, Since: time.Now()},
			Agents:     make(map[string]string),
		},
		subs: make(map[uint64]func(Snapshot)),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Subscribe registers a snapshot listener and returns its unsubscribe.
// Listeners run synchronously after every mutation.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Attach wires the store to the event registry so incoming events keep the
// snapshot current. Detach undoes it.
func (s *Store) Attach(registry *events.Registry) {
	s.mu.Lock()
	attached := len(s.unsubs) > 0
	s.mu.Unlock()
	if attached {
		return
	}

	unsubs := []func(){
		registry.Subscribe(events.KindConnectionChanged, s.onConnectionChanged),
		registry.Subscribe(events.KindCommandResponse, s.onCommandResponse),
		registry.Subscribe(events.KindVoiceTranscription, s.onTranscription),
		registry.Subscribe(events.KindSystemStatus, s.onSystemStatus),
		registry.Subscribe(events.KindAgentStatus, s.onAgentStatus),
		registry.Subscribe(events.KindError, s.onError),
	}

	s.mu.Lock()
	s.unsubs = unsubs
	s.mu.Unlock()
	s.logger.Debug().Msg("State store attached to event registry")
}

// Detach removes the registry subscriptions.
func (s *Store) Detach() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// SetConnection records a channel transition. Since is stamped when the
// phase actually changes.
func (s *Store) SetConnection(conn Connection) {
	s.update(func(snap *Snapshot) {
		if conn.Since.IsZero() {
			conn.Since = snap.Connection.Since
			if conn.Phase != snap.Connection.Phase {
				conn.Since = time.Now()
			}
		}
		snap.Connection = conn
	})
}

// SetRecording records capture activity. Stopping zeroes the volume.
func (s *Store) SetRecording(active, streaming bool) {
	s.update(func(snap *Snapshot) {
		if active && !snap.Recording.Active {
			snap.Recording.StartedAt = time.Now()
		}
		snap.Recording.Active = active
		snap.Recording.Streaming = active && streaming
		if !active {
			snap.Recording.Volume = 0
		}
	})
}

// SetVolume records the capture level, clamped to [0, 1]. Unchanged values
// do not notify.
func (s *Store) SetVolume(level float64) {
	level = math.Min(1, math.Max(0, level))

	s.mu.RLock()
	unchanged := math.Abs(s.snap.Recording.Volume-level) < 1e-9
	s.mu.RUnlock()
	if unchanged {
		return
	}

	s.update(func(snap *Snapshot) {
		snap.Recording.Volume = level
	})
}

// AddNotification appends one display-ready entry, trimming the history.
func (s *Store) AddNotification(level, message string) {
	if len(message) > maxNotificationLen {
		message = message[:maxNotificationLen] + "..."
	}
	note := events.Notification{
		ID:      uuid.NewString(),
		Level:   level,
		Message: message,
		Time:    time.Now(),
	}

	s.update(func(snap *Snapshot) {
		snap.Notifications = append(snap.Notifications, note)
		if len(snap.Notifications) > maxNotifications {
			snap.Notifications = snap.Notifications[len(snap.Notifications)-maxNotifications:]
		}
	})
}

// RestoreNotifications seeds the history ahead of anything recorded live,
// typically from the journal at startup. Entries missing an ID get one and
// the combined list is trimmed to the usual cap.
func (s *Store) RestoreNotifications(notes []events.Notification) {
	if len(notes) == 0 {
		return
	}
	s.update(func(snap *Snapshot) {
		restored := make([]events.Notification, 0, len(notes)+len(snap.Notifications))
		for _, n := range notes {
			if n.ID == "" {
				n.ID = uuid.NewString()
			}
			if len(n.Message) > maxNotificationLen {
				n.Message = n.Message[:maxNotificationLen] + "..."
			}
			restored = append(restored, n)
		}
		snap.Notifications = append(restored, snap.Notifications...)
		if len(snap.Notifications) > maxNotifications {
			snap.Notifications = snap.Notifications[len(snap.Notifications)-maxNotifications:]
		}
	})
}

// NotificationFromEvent maps an event onto the display notification the
// store records for it. ok is false for events that produce none.
func NotificationFromEvent(e events.Event) (level, message string, ok bool) {
	switch evt := e.(type) {
	case events.ConnectionChanged:
		if evt.Phase == events.PhaseConnected {
			return "info", "Connected to backend", true
		}
		if evt.Fatal {
			return "error", "Connection lost: " + evt.LastError, true
		}
	case events.CommandResponse:
		level := "info"
		if !evt.Succeeded() {
			level = "error"
		}
		message := evt.Response
		if message == "" {
			message = "command " + evt.Status
		}
		return level, message, true
	case events.Error:
		if !evt.Fatal {
			// Fatal channel errors already notify through the
			// connection transition.
			return "error", evt.Message, true
		}
	}
	return "", "", false
}

func (s *Store) onConnectionChanged(e events.Event) {
	change, ok := e.(events.ConnectionChanged)
	if !ok {
		return
	}
	s.SetConnection(Connection{
		Phase:     change.Phase,
		Attempt:   change.Attempt,
		LastError: change.LastError,
		Fatal:     change.Fatal,
	})

	if change.Fatal {
		s.logger.Warn().Str("error", change.LastError).Msg("Connection terminally lost")
	}
	if level, message, ok := NotificationFromEvent(change); ok {
		s.AddNotification(level, message)
	}
}

func (s *Store) onCommandResponse(e events.Event) {
	resp, ok := e.(events.CommandResponse)
	if !ok {
		return
	}
	if level, message, ok := NotificationFromEvent(resp); ok {
		s.AddNotification(level, message)
	}
}

func (s *Store) onTranscription(e events.Event) {
	tr, ok := e.(events.VoiceTranscription)
	if !ok {
		return
	}
	s.update(func(snap *Snapshot) {
		snap.LastTranscription = tr.Text
	})
}

func (s *Store) onSystemStatus(e events.Event) {
	status, ok := e.(events.SystemStatus)
	if !ok {
		return
	}
	s.update(func(snap *Snapshot) {
		snap.System = status
	})
}

func (s *Store) onAgentStatus(e events.Event) {
	agent, ok := e.(events.AgentStatus)
	if !ok {
		return
	}
	s.update(func(snap *Snapshot) {
		snap.Agents[agent.AgentID] = agent.Status
	})
}

func (s *Store) onError(e events.Event) {
	evt, ok := e.(events.Error)
	if !ok {
		return
	}
	if level, message, ok := NotificationFromEvent(evt); ok {
		s.AddNotification(level, message)
	}
}

// update applies one mutation and pushes the new snapshot to subscribers on
// the caller's goroutine.
func (s *Store) update(mutate func(*Snapshot)) {
	s.mu.Lock()
	mutate(&s.snap)
	s.snap.UpdatedAt = time.Now()
	snap := s.copyLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// copyLocked deep-copies the snapshot. Caller holds at least a read lock.
func (s *Store) copyLocked() Snapshot {
	snap := s.snap
	snap.Agents = make(map[string]string, len(s.snap.Agents))
	for k, v := range s.snap.Agents {
		snap.Agents[k] = v
	}
	snap.Notifications = append([]events.Notification(nil), s.snap.Notifications...)
	return snap
}

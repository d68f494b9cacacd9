package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager owns the capture device and the recording lifecycle. It cuts
// captured samples into fixed-duration chunks, keeps them for the session
// buffer, and pushes a smoothed volume level while recording.
type Manager struct {
	config *Config
	device Device
	logger zerolog.Logger
	meter  *Meter

	mu          sync.Mutex
	initialized bool
	permission  Permission
	recording   bool
	session     *Session
	pending     []int16
	seq         int
	stopVolume  chan struct{}
	volumeDone  chan struct{}

	// Callbacks
	onChunk    func(chunk *Chunk)
	onVolume   func(level float64)
	callbackMu sync.RWMutex
}

// NewManager creates a capture manager around the given device.
func NewManager(config *Config, device Device, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if device == nil {
		device = NewPipeDevice()
	}

	return &Manager{
		config:     config,
		device:     device,
		logger:     logger.With().Str("component", "capture").Logger(),
		meter:      NewMeter(config.MeterWindow),
		permission: PermissionUnknown,
	}
}

// Initialize opens the capture device. A failure leaves the manager
// uninitialized and a later call may succeed. Calling it again after success
// is a no-op.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	if err := m.device.Open(m.config.SampleRate, m.config.Channels); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			m.permission = PermissionDenied
		}
		m.logger.Error().Err(err).Msg("Capture initialization failed")
		return err
	}

	m.permission = PermissionGranted
	m.initialized = true
	m.logger.Info().
		Int("sample_rate", m.config.SampleRate).
		Int("channels", m.config.Channels).
		Msg("Capture initialized")
	return nil
}

// StartRecording begins a new session. It reports false without side effects
// when the manager is not initialized, a recording is already active, or the
// device refuses to start.
func (m *Manager) StartRecording(streaming bool) bool {
	m.mu.Lock()

	if !m.initialized {
		m.mu.Unlock()
		m.logger.Warn().Msg("Start recording refused: not initialized")
		return false
	}
	if m.recording {
		m.mu.Unlock()
		m.logger.Warn().Msg("Start recording refused: already recording")
		return false
	}

	session := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Streaming: streaming,
		State:     SessionRecording,
	}

	if err := m.device.Start(m.handleFrame); err != nil {
		m.mu.Unlock()
		m.logger.Error().Err(err).Msg("Capture device start failed")
		return false
	}

	m.session = session
	m.pending = m.pending[:0]
	m.seq = 0
	m.meter.Reset()
	m.recording = true
	m.stopVolume = make(chan struct{})
	m.volumeDone = make(chan struct{})
	go m.volumeLoop(m.stopVolume, m.volumeDone)
	m.mu.Unlock()

	m.logger.Info().
		Str("session", session.ID).
		Bool("streaming", streaming).
		Msg("Recording started")
	return true
}

// StopRecording ends the active session and returns its audio as one buffer,
// chunks concatenated in capture order. It returns nil when nothing was
// recorded or no recording is active.
func (m *Manager) StopRecording() []byte {
	m.mu.Lock()
	if !m.recording {
		m.mu.Unlock()
		return nil
	}
	m.recording = false
	stop, done := m.stopVolume, m.volumeDone
	m.stopVolume, m.volumeDone = nil, nil
	m.mu.Unlock()

	// Stop the device before draining so no frame lands mid-flush.
	if err := m.device.Stop(); err != nil {
		m.logger.Warn().Err(err).Msg("Capture device stop failed")
	}
	if stop != nil {
		close(stop)
		<-done
	}

	m.mu.Lock()
	if m.session == nil {
		// Cleanup cleared the session while the device was stopping.
		m.mu.Unlock()
		return nil
	}
	var tail *Chunk
	if len(m.pending) > 0 {
		frame := make([]int16, len(m.pending))
		copy(frame, m.pending)
		m.pending = m.pending[:0]
		tail = m.cutLocked(frame)
		m.session.chunks = append(m.session.chunks, tail.Data)
	}
	m.session.State = SessionStopped
	buf := m.session.combined()
	sessionID := m.session.ID
	chunkCount := len(m.session.chunks)
	m.mu.Unlock()

	if tail != nil {
		m.callbackMu.RLock()
		cb := m.onChunk
		m.callbackMu.RUnlock()
		if cb != nil {
			cb(tail)
		}
	}

	m.logger.Info().
		Str("session", sessionID).
		Int("chunks", chunkCount).
		Int("bytes", len(buf)).
		Msg("Recording stopped")
	return buf
}

// Cleanup halts any active recording, releases the device, and resets the
// manager. It is safe to call more than once.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	wasRecording := m.recording
	wasInitialized := m.initialized
	m.recording = false
	m.initialized = false
	stop, done := m.stopVolume, m.volumeDone
	m.stopVolume, m.volumeDone = nil, nil
	m.session = nil
	m.pending = nil
	m.seq = 0
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if wasRecording {
		if err := m.device.Stop(); err != nil {
			m.logger.Warn().Err(err).Msg("Capture device stop failed")
		}
	}
	if wasInitialized {
		if err := m.device.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Capture device close failed")
		}
		m.logger.Info().Msg("Capture cleaned up")
	}
	m.meter.Reset()
}

// OnChunk registers the chunk callback, replacing any previous one. Chunks
// arrive in capture order on the device's delivery goroutine.
func (m *Manager) OnChunk(callback func(chunk *Chunk)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onChunk = callback
}

// OnVolume registers the volume callback, replacing any previous one. Levels
// are in [0, 1] and arrive at the configured interval while recording.
func (m *Manager) OnVolume(callback func(level float64)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onVolume = callback
}

// IsInitialized reports whether the device is open.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// IsRecording reports whether a session is active.
func (m *Manager) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// Permission returns the device-access permission state.
func (m *Manager) Permission() Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

// CurrentSession returns a snapshot of the active or last session, nil when
// none exists.
func (m *Manager) CurrentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	// The copied slice header is a stable view: chunks are append-only and
	// never mutated in place.
	s := *m.session
	return &s
}

// Volume returns the current smoothed input level in [0, 1].
func (m *Manager) Volume() float64 {
	return m.meter.Level()
}

// GetConfig returns the capture configuration.
func (m *Manager) GetConfig() *Config {
	return m.config
}

// handleFrame receives raw samples from the device, feeds the meter, and cuts
// full chunks off the pending buffer.
func (m *Manager) handleFrame(samples []int16) {
	m.meter.Push(samples)

	m.mu.Lock()
	if !m.recording {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, samples...)

	size := m.config.chunkSamples()
	var ready []*Chunk
	for len(m.pending) >= size {
		frame := make([]int16, size)
		copy(frame, m.pending[:size])
		m.pending = m.pending[size:]
		chunk := m.cutLocked(frame)
		m.session.chunks = append(m.session.chunks, chunk.Data)
		ready = append(ready, chunk)
	}
	m.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	m.callbackMu.RLock()
	cb := m.onChunk
	m.callbackMu.RUnlock()
	if cb == nil {
		return
	}
	for _, c := range ready {
		cb(c)
	}
}

// cutLocked builds a chunk from one frame of samples. Caller holds m.mu.
func (m *Manager) cutLocked(frame []int16) *Chunk {
	chunk := &Chunk{
		Data:       EncodePCM(frame),
		Seq:        m.seq,
		SampleRate: m.config.SampleRate,
		Channels:   m.config.Channels,
		Duration:   time.Duration(len(frame)/m.config.Channels) * time.Second / time.Duration(m.config.SampleRate),
		Timestamp:  time.Now(),
		RMS:        RMS(frame),
	}
	m.seq++
	return chunk
}

// volumeLoop pushes the smoothed level at a fixed interval until stopped.
func (m *Manager) volumeLoop(stop, done chan struct{}) {
	defer close(done)

	interval := m.config.VolumeInterval
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			level := m.meter.Level()
			m.callbackMu.RLock()
			cb := m.onVolume
			m.callbackMu.RUnlock()
			if cb != nil {
				cb(level)
			}
		}
	}
}

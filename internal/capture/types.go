// Package capture provides input-device capture, recording sessions, and
// volume metering for CortexLink.
package capture

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrDeviceBusy        = errors.New("capture device already open")
	ErrNotInitialized    = errors.New("capture not initialized")
	ErrAlreadyRecording  = errors.New("already recording")
)

// Permission is the device-access permission state.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// SessionState is the lifecycle state of one recording session.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionRecording SessionState = "recording"
	SessionStopped   SessionState = "stopped"
)

// Config holds capture configuration.
type Config struct {
	SampleRate     int           `json:"sample_rate"`     // Default: 16000 Hz
	Channels       int           `json:"channels"`        // Default: 1 (mono)
	ChunkDuration  time.Duration `json:"chunk_duration"`  // Default: 100ms
	VolumeInterval time.Duration `json:"volume_interval"` // Default: ~16ms (60 Hz)
	MeterWindow    int           `json:"meter_window"`    // RMS smoothing frames, default 5
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SampleRate:     16000,
		Channels:       1,
		ChunkDuration:  100 * time.Millisecond,
		VolumeInterval: 16 * time.Millisecond,
		MeterWindow:    5,
	}
}

// chunkSamples is the number of samples (all channels) in one full chunk.
func (c *Config) chunkSamples() int {
	n := int(int64(c.SampleRate*c.Channels) * int64(c.ChunkDuration) / int64(time.Second))
	if n <= 0 {
		n = 1
	}
	return n
}

// Chunk is one slice of captured audio, cut every ChunkDuration of samples.
type Chunk struct {
	Data       []byte        `json:"data"` // 16-bit little-endian PCM
	Seq        int           `json:"seq"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
	RMS        float64       `json:"rms"`
}

// Session is one recording session. At most one is active per Manager; it is
// reset by the next StartRecording or by Cleanup.
type Session struct {
	ID        string       `json:"id"`
	StartedAt time.Time    `json:"started_at"`
	Streaming bool         `json:"streaming"`
	State     SessionState `json:"state"`

	chunks [][]byte
}

// ChunkCount returns how many chunks the session holds so far.
func (s *Session) ChunkCount() int {
	if s == nil {
		return 0
	}
	return len(s.chunks)
}

// combined concatenates the session's chunks in capture order. Nil when no
// chunks were captured.
func (s *Session) combined() []byte {
	if s == nil || len(s.chunks) == 0 {
		return nil
	}
	total := 0
	for _, c := range s.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

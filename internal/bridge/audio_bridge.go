// Package bridge wires the capture, channel, command, and state layers
// together: voice chunks onto the wire, levels and transitions into the
// store.
package bridge

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexlink/internal/capture"
	"github.com/normanking/cortexlink/internal/events"
	"github.com/normanking/cortexlink/internal/metrics"
	"github.com/normanking/cortexlink/internal/state"
)

// VoiceSender streams one chunk of raw audio to the backend.
type VoiceSender interface {
	SendVoice(data []byte) error
}

// RecordingUploader posts a finished recording when streaming was off.
type RecordingUploader interface {
	Upload(ctx context.Context, pcm []byte) (*events.CommandResponse, error)
}

// AudioBridge connects the capture manager to the channel: streamed chunks
// go out as binary frames in capture order, buffered recordings go through
// the upload fallback, and levels land in the state store.
type AudioBridge struct {
	capture  *capture.Manager
	sender   VoiceSender
	uploader RecordingUploader
	store    *state.Store
	registry *events.Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	streaming atomic.Bool
}

// NewAudioBridge wires the bridge into the capture manager's callbacks.
// Uploader and metrics may be nil.
func NewAudioBridge(
	captureMgr *capture.Manager,
	sender VoiceSender,
	uploader RecordingUploader,
	store *state.Store,
	registry *events.Registry,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *AudioBridge {
	b := &AudioBridge{
		capture:  captureMgr,
		sender:   sender,
		uploader: uploader,
		store:    store,
		registry: registry,
		metrics:  m,
		logger:   logger.With().Str("component", "audio-bridge").Logger(),
	}
	captureMgr.OnChunk(b.handleChunk)
	captureMgr.OnVolume(b.handleVolume)
	return b
}

// StartVoice begins a recording session. With streaming on, chunks go out
// live; otherwise they buffer for upload at stop.
func (b *AudioBridge) StartVoice(streaming bool) error {
	b.streaming.Store(streaming)
	if !b.capture.StartRecording(streaming) {
		b.streaming.Store(false)
		return fmt.Errorf("start recording refused")
	}
	b.store.SetRecording(true, streaming)
	b.logger.Info().Bool("streaming", streaming).Msg("Voice session started")
	return nil
}

// StopVoice ends the session. For a buffered session the recording is
// uploaded and the backend's response published like any other command
// response.
func (b *AudioBridge) StopVoice(ctx context.Context) (*events.CommandResponse, error) {
	wasStreaming := b.streaming.Load()
	buf := b.capture.StopRecording()
	b.streaming.Store(false)
	b.store.SetRecording(false, false)

	if wasStreaming || len(buf) == 0 {
		return nil, nil
	}
	if b.uploader == nil {
		b.logger.Warn().Int("bytes", len(buf)).Msg("No uploader configured, recording discarded")
		return nil, nil
	}

	resp, err := b.uploader.Upload(ctx, buf)
	if err != nil {
		b.logger.Error().Err(err).Msg("Recording upload failed")
		b.registry.Publish(events.Error{Message: fmt.Sprintf("upload failed: %v", err)})
		return nil, err
	}
	b.registry.Publish(*resp)
	return resp, nil
}

// IsStreaming reports whether the active session streams live.
func (b *AudioBridge) IsStreaming() bool {
	return b.streaming.Load()
}

func (b *AudioBridge) handleChunk(chunk *capture.Chunk) {
	if !b.streaming.Load() {
		return
	}
	if err := b.sender.SendVoice(chunk.Data); err != nil {
		b.logger.Warn().Err(err).Int("seq", chunk.Seq).Msg("Voice chunk dropped")
	}
}

func (b *AudioBridge) handleVolume(level float64) {
	b.store.SetVolume(level)
	if b.metrics != nil {
		b.metrics.SetInputLevel(level)
	}
}

package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlink/internal/capture"
	"github.com/normanking/cortexlink/internal/events"
	"github.com/normanking/cortexlink/internal/state"
)

type fakeVoiceSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *fakeVoiceSender) SendVoice(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeVoiceSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakeUploader struct {
	mu   sync.Mutex
	got  [][]byte
	resp *events.CommandResponse
	err  error
}

func (u *fakeUploader) Upload(_ context.Context, pcm []byte) (*events.CommandResponse, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.got = append(u.got, append([]byte(nil), pcm...))
	if u.err != nil {
		return nil, u.err
	}
	return u.resp, nil
}

func (u *fakeUploader) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.got)
}

type audioFixture struct {
	device   *capture.PipeDevice
	capture  *capture.Manager
	store    *state.Store
	registry *events.Registry
	sender   *fakeVoiceSender
	uploader *fakeUploader
	bridge   *AudioBridge
}

func newAudioFixture(t *testing.T) *audioFixture {
	t.Helper()

	device := capture.NewPipeDevice()
	cfg := &capture.Config{
		SampleRate:     1000,
		Channels:       1,
		ChunkDuration:  100 * time.Millisecond,
		VolumeInterval: 2 * time.Millisecond,
		MeterWindow:    2,
	}
	captureMgr := capture.NewManager(cfg, device, zerolog.Nop())
	require.NoError(t, captureMgr.Initialize())
	t.Cleanup(captureMgr.Cleanup)

	registry := events.NewRegistry()
	store := state.NewStore(zerolog.Nop())
	store.Attach(registry)
	t.Cleanup(store.Detach)

	sender := &fakeVoiceSender{}
	uploader := &fakeUploader{resp: &events.CommandResponse{
		ID:       "up-1",
		Response: "transcribed: scan host",
		Status:   events.StatusSuccess,
	}}

	return &audioFixture{
		device:   device,
		capture:  captureMgr,
		store:    store,
		registry: registry,
		sender:   sender,
		uploader: uploader,
		bridge:   NewAudioBridge(captureMgr, sender, uploader, store, registry, nil, zerolog.Nop()),
	}
}

func pushFrames(t *testing.T, device *capture.PipeDevice, frames int, value int16) {
	t.Helper()
	for i := 0; i < frames; i++ {
		f := make([]int16, 100)
		for j := range f {
			f[j] = value + int16(i)
		}
		require.NoError(t, device.Push(f))
	}
}

func TestAudioBridge_StreamsChunksInOrder(t *testing.T) {
	fx := newAudioFixture(t)

	require.NoError(t, fx.bridge.StartVoice(true))
	assert.True(t, fx.bridge.IsStreaming())
	assert.True(t, fx.store.Snapshot().Recording.Streaming)

	pushFrames(t, fx.device, 3, 10)

	fx.sender.mu.Lock()
	require.Len(t, fx.sender.frames, 3)
	for i, frame := range fx.sender.frames {
		assert.Equal(t, 200, len(frame))
		samples := capture.DecodePCM(frame)
		assert.Equal(t, int16(10+i), samples[0])
	}
	fx.sender.mu.Unlock()

	resp, err := fx.bridge.StopVoice(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resp, "streamed sessions do not upload")
	assert.Equal(t, 0, fx.uploader.calls())
	assert.False(t, fx.store.Snapshot().Recording.Active)
}

func TestAudioBridge_BufferedSessionUploads(t *testing.T) {
	fx := newAudioFixture(t)

	require.NoError(t, fx.bridge.StartVoice(false))
	pushFrames(t, fx.device, 2, 5)
	assert.Equal(t, 0, fx.sender.count(), "buffered sessions do not stream")

	resp, err := fx.bridge.StopVoice(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "transcribed: scan host", resp.Response)

	require.Equal(t, 1, fx.uploader.calls())
	fx.uploader.mu.Lock()
	assert.Equal(t, 400, len(fx.uploader.got[0]))
	fx.uploader.mu.Unlock()

	// The response went through the registry into the store.
	notes := fx.store.Snapshot().Notifications
	require.NotEmpty(t, notes)
	assert.Equal(t, "transcribed: scan host", notes[len(notes)-1].Message)
}

func TestAudioBridge_UploadFailureSurfacesError(t *testing.T) {
	fx := newAudioFixture(t)
	fx.uploader.err = errors.New("backend busy")

	require.NoError(t, fx.bridge.StartVoice(false))
	pushFrames(t, fx.device, 1, 3)

	_, err := fx.bridge.StopVoice(context.Background())
	require.Error(t, err)

	notes := fx.store.Snapshot().Notifications
	require.NotEmpty(t, notes)
	last := notes[len(notes)-1]
	assert.Equal(t, "error", last.Level)
	assert.Contains(t, last.Message, "upload failed")
}

func TestAudioBridge_EmptySessionSkipsUpload(t *testing.T) {
	fx := newAudioFixture(t)

	require.NoError(t, fx.bridge.StartVoice(false))
	resp, err := fx.bridge.StopVoice(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, fx.uploader.calls())
}

func TestAudioBridge_StartRefusedPropagates(t *testing.T) {
	device := capture.NewPipeDevice()
	captureMgr := capture.NewManager(capture.DefaultConfig(), device, zerolog.Nop())
	// Deliberately not initialized.

	registry := events.NewRegistry()
	store := state.NewStore(zerolog.Nop())
	b := NewAudioBridge(captureMgr, &fakeVoiceSender{}, nil, store, registry, nil, zerolog.Nop())

	err := b.StartVoice(true)
	require.Error(t, err)
	assert.False(t, b.IsStreaming())
	assert.False(t, store.Snapshot().Recording.Active)
}

func TestAudioBridge_VolumeReachesStore(t *testing.T) {
	fx := newAudioFixture(t)

	require.NoError(t, fx.bridge.StartVoice(true))
	pushFrames(t, fx.device, 1, 16000)

	require.Eventually(t, func() bool {
		return fx.store.Snapshot().Recording.Volume > 0
	}, time.Second, 5*time.Millisecond)

	v := fx.store.Snapshot().Recording.Volume
	assert.Greater(t, v, 0.0)
	assert.LessOrEqual(t, v, 1.0)

	_, err := fx.bridge.StopVoice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, fx.store.Snapshot().Recording.Volume)
}

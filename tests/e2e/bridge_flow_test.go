package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlink/internal/bridge"
	"github.com/normanking/cortexlink/internal/capture"
	"github.com/normanking/cortexlink/internal/channel"
	"github.com/normanking/cortexlink/internal/command"
	"github.com/normanking/cortexlink/internal/events"
	"github.com/normanking/cortexlink/internal/metrics"
	"github.com/normanking/cortexlink/internal/state"
	"github.com/normanking/cortexlink/tests/testutil"
)

const (
	sampleRate   = 16000
	chunkSamples = 800 // 50ms at 16kHz
)

// stack is the full client wiring against one mock gateway.
type stack struct {
	store    *state.Store
	channel  *channel.Manager
	commands *command.Bridge
	audio    *bridge.AudioBridge
	capture  *capture.Manager
	device   *capture.PipeDevice
}

func newStack(t *testing.T, gw *testutil.MockGateway) *stack {
	t.Helper()

	registry := events.NewRegistry()
	m := metrics.New()

	store := state.NewStore(zerolog.Nop())
	store.Attach(registry)

	ch := channel.NewManager(&channel.Config{
		URL:            gw.URL(),
		Token:          "test-token",
		Rooms:          []string{"ops"},
		DialTimeout:    2 * time.Second,
		ReconnectDelay: 20 * time.Millisecond,
		MaxReconnects:  5,
		WriteTimeout:   2 * time.Second,
	}, registry, m, zerolog.Nop())

	commands := command.NewBridge(ch, registry, m, zerolog.Nop())
	commands.Start()

	device := capture.NewPipeDevice()
	captureMgr := capture.NewManager(&capture.Config{
		SampleRate:     sampleRate,
		Channels:       1,
		ChunkDuration:  50 * time.Millisecond,
		VolumeInterval: 5 * time.Millisecond,
		MeterWindow:    3,
	}, device, zerolog.Nop())
	require.NoError(t, captureMgr.Initialize())

	uploader := command.NewUploader(gw.URL(), sampleRate, 1, zerolog.Nop())
	audio := bridge.NewAudioBridge(captureMgr, ch, uploader, store, registry, m, zerolog.Nop())

	connBridge := bridge.NewConnectionBridge(ch, store, 50*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	connBridge.Start(ctx)

	t.Cleanup(func() {
		cancel()
		connBridge.Stop()
		commands.Stop()
		captureMgr.Cleanup()
	})

	require.True(t, gw.WaitForConnection(3*time.Second), "client never connected")
	require.Eventually(t, ch.IsConnected, 3*time.Second, 10*time.Millisecond)

	return &stack{
		store:    store,
		channel:  ch,
		commands: commands,
		audio:    audio,
		capture:  captureMgr,
		device:   device,
	}
}

// pushAudio feeds whole chunks into the pipe device.
func pushAudio(t *testing.T, device *capture.PipeDevice, chunks int) {
	t.Helper()
	samples := testutil.GeneratePCM(50*time.Millisecond, sampleRate)
	require.Len(t, samples, chunkSamples)
	for i := 0; i < chunks; i++ {
		require.NoError(t, device.Push(samples))
	}
}

func TestCommandRoundTrip(t *testing.T) {
	gw := testutil.CreateMockGateway(t)
	s := newStack(t, gw)

	assert.Equal(t, "test-token", gw.Token(), "handshake should authenticate")
	assert.Eventually(t, func() bool {
		for _, room := range gw.Rooms() {
			if room == "ops" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "handshake should join configured rooms")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := s.commands.ExecuteAndWait(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, "executed: ping", resp.Response)
	assert.True(t, resp.Succeeded())

	cmds := gw.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "ping", cmds[0].Command)
	assert.NotEmpty(t, cmds[0].ID)

	// The response also lands in the notification history.
	notes := s.store.Snapshot().Notifications
	found := false
	for _, n := range notes {
		if n.Message == "executed: ping" {
			found = true
		}
	}
	assert.True(t, found, "command response should reach the store")
}

func TestStreamedVoiceReachesGateway(t *testing.T) {
	gw := testutil.CreateMockGateway(t)
	s := newStack(t, gw)

	require.NoError(t, s.audio.StartVoice(true))
	pushAudio(t, s.device, 3)

	assert.Eventually(t, func() bool {
		return gw.VoiceBytes() == 3*chunkSamples*2
	}, 2*time.Second, 10*time.Millisecond, "three chunks should arrive as binary frames")

	// Transcriptions pushed by the backend land in the store.
	require.NoError(t, gw.Push(channel.EventVoiceTranscription, events.VoiceTranscription{
		Text:      "simulated words",
		Timestamp: 1.5,
	}))
	assert.Eventually(t, func() bool {
		return s.store.Snapshot().LastTranscription == "simulated words"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := s.audio.StopVoice(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resp, "streamed sessions do not upload")
	assert.Equal(t, 0, gw.Uploads())
}

func TestBufferedVoiceUploads(t *testing.T) {
	gw := testutil.CreateMockGateway(t)
	s := newStack(t, gw)

	require.NoError(t, s.audio.StartVoice(false))
	pushAudio(t, s.device, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := s.audio.StopVoice(ctx)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "transcribed recording", resp.Response)

	assert.Equal(t, 1, gw.Uploads())
	assert.Equal(t, 0, gw.VoiceBytes(), "buffered sessions stay off the channel")
}

func TestServerPushUpdatesStore(t *testing.T) {
	gw := testutil.CreateMockGateway(t)
	s := newStack(t, gw)

	require.NoError(t, gw.Push(channel.EventSystemStatus, events.SystemStatus{
		CPUPercent:   42.5,
		AgentsActive: 2,
	}))
	require.NoError(t, gw.Push(channel.EventAgentStatus, events.AgentStatus{
		AgentID: "scout",
		Status:  "busy",
	}))

	assert.Eventually(t, func() bool {
		snap := s.store.Snapshot()
		return snap.System.CPUPercent == 42.5 && snap.Agents["scout"] == "busy"
	}, 2*time.Second, 10*time.Millisecond)
}

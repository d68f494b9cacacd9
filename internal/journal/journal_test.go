package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlink/internal/events"
)

func openTestJournal(t *testing.T, opts Options) *Journal {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "journal.db")
	}
	j, err := Open(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndRecent(t *testing.T) {
	j := openTestJournal(t, Options{})
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, "command.response", events.CommandResponse{ID: "a", Response: "one"}))
	require.NoError(t, j.Append(ctx, "voice.transcription", events.VoiceTranscription{Text: "two"}))
	require.NoError(t, j.Append(ctx, "command.response", events.CommandResponse{ID: "c", Response: "three"}))

	entries, err := j.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.True(t, entries[0].ID < entries[1].ID && entries[1].ID < entries[2].ID,
		"entries should come back in chronological order")

	var resp events.CommandResponse
	require.NoError(t, json.Unmarshal(entries[0].Payload, &resp))
	assert.Equal(t, "one", resp.Response)
}

func TestRecentFiltersByKind(t *testing.T) {
	j := openTestJournal(t, Options{})
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, "command.response", events.CommandResponse{ID: "a"}))
	require.NoError(t, j.Append(ctx, "voice.transcription", events.VoiceTranscription{Text: "x"}))
	require.NoError(t, j.Append(ctx, "command.response", events.CommandResponse{ID: "b"}))

	entries, err := j.Recent(ctx, "command.response", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "command.response", e.Kind)
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	j := openTestJournal(t, Options{})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, j.Append(ctx, "error", events.Error{Message: "boom"}))
	}

	entries, err := j.Recent(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// The newest three survive the limit.
	assert.Equal(t, entries[2].ID-2, entries[0].ID)
}

func TestPruneRetention(t *testing.T) {
	j := openTestJournal(t, Options{Retention: 24 * time.Hour})
	ctx := context.Background()

	// Backdate two entries beyond the retention window.
	j.clock = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	require.NoError(t, j.Append(ctx, "error", events.Error{Message: "old"}))
	require.NoError(t, j.Append(ctx, "error", events.Error{Message: "old"}))

	j.clock = time.Now
	require.NoError(t, j.Append(ctx, "error", events.Error{Message: "fresh"}))

	require.NoError(t, j.Prune(ctx))

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := j.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var msg events.Error
	require.NoError(t, json.Unmarshal(entries[0].Payload, &msg))
	assert.Equal(t, "fresh", msg.Message)
}

func TestPruneEntryCap(t *testing.T) {
	j := openTestJournal(t, Options{MaxEvents: 5})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(ctx, "system.status", events.SystemStatus{AgentsActive: i}))
	}
	require.NoError(t, j.Prune(ctx))

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	entries, err := j.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	var status events.SystemStatus
	require.NoError(t, json.Unmarshal(entries[0].Payload, &status))
	assert.Equal(t, 5, status.AgentsActive, "the oldest surviving entry is the sixth append")
}

func TestAttachRecordsPublishedEvents(t *testing.T) {
	j := openTestJournal(t, Options{})
	ctx := context.Background()

	registry := events.NewRegistry()
	j.Attach(registry)
	j.Attach(registry) // second attach is a no-op

	registry.Publish(events.CommandResponse{ID: "cmd-1", Response: "done", Status: events.StatusSuccess})
	registry.Publish(events.VoiceTranscription{Text: "hello", Timestamp: 12.5})

	entries, err := j.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "command.response", entries[0].Kind)
	assert.Equal(t, "voice.transcription", entries[1].Kind)

	var tr events.VoiceTranscription
	require.NoError(t, json.Unmarshal(entries[1].Payload, &tr))
	assert.Equal(t, "hello", tr.Text)

	j.Detach()
	registry.Publish(events.Error{Message: "ignored"})

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "detached journal should not record")
}

func TestDecodeEventRoundTrip(t *testing.T) {
	j := openTestJournal(t, Options{})
	ctx := context.Background()

	registry := events.NewRegistry()
	j.Attach(registry)

	registry.Publish(events.ConnectionChanged{Phase: events.PhaseConnected})
	registry.Publish(events.CommandResponse{ID: "x", Command: "list agents", Response: "3 agents", Status: events.StatusSuccess})
	registry.Publish(events.AgentStatus{AgentID: "scout", Status: "busy"})

	entries, err := j.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	ev, ok := DecodeEvent(entries[0])
	require.True(t, ok)
	change, ok := ev.(events.ConnectionChanged)
	require.True(t, ok)
	assert.Equal(t, events.PhaseConnected, change.Phase)

	ev, ok = DecodeEvent(entries[1])
	require.True(t, ok)
	resp, ok := ev.(events.CommandResponse)
	require.True(t, ok)
	assert.Equal(t, "3 agents", resp.Response)

	ev, ok = DecodeEvent(entries[2])
	require.True(t, ok)
	agent, ok := ev.(events.AgentStatus)
	require.True(t, ok)
	assert.Equal(t, "scout", agent.AgentID)

	_, ok = DecodeEvent(Entry{Kind: "mystery", Payload: []byte(`{}`)})
	assert.False(t, ok)
}

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.RecordVoiceChunk(3200)
	m.RecordVoiceChunk(3200)
	m.RecordVoiceDropped()
	m.RecordCommandResolved("ok")
	m.RecordCommandResolved("reset")
	m.SetConnected(true)
	m.SetPendingCommands(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.VoiceChunksSent))
	assert.Equal(t, 6400.0, testutil.ToFloat64(m.VoiceBytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VoiceChunksDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsResolved.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsResolved.WithLabelValues("reset")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PendingCommands))

	m.SetConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connected))
}

func TestMetrics_HandlerServesRegistry(t *testing.T) {
	m := New()
	m.RecordReconnect()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	// Two instances must not collide on registration.
	other := New()
	other.RecordReconnect()
	assert.Equal(t, 1.0, testutil.ToFloat64(other.Reconnects))
}

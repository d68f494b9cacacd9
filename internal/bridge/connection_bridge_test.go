package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlink/internal/channel"
	"github.com/normanking/cortexlink/internal/events"
	"github.com/normanking/cortexlink/internal/state"
)

func startSilentBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectionBridge_PollAloneSyncsStore(t *testing.T) {
	srv := startSilentBackend(t)

	cfg := channel.DefaultConfig()
	cfg.URL = srv.URL
	cfg.ReconnectDelay = 10 * time.Millisecond
	ch := channel.NewManager(cfg, nil, nil, zerolog.Nop())

	// The store is deliberately not attached to the registry; the polling
	// fallback must reconcile it on its own.
	store := state.NewStore(zerolog.Nop())
	b := NewConnectionBridge(ch, store, 20*time.Millisecond, zerolog.Nop())

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	require.Eventually(t, func() bool {
		return store.Snapshot().Connection.Phase == events.PhaseConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionBridge_StopClosesChannel(t *testing.T) {
	srv := startSilentBackend(t)

	cfg := channel.DefaultConfig()
	cfg.URL = srv.URL
	cfg.ReconnectDelay = 10 * time.Millisecond
	ch := channel.NewManager(cfg, nil, nil, zerolog.Nop())

	store := state.NewStore(zerolog.Nop())
	store.Attach(ch.Events())
	defer store.Detach()

	b := NewConnectionBridge(ch, store, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Start(context.Background())) // second start is a no-op

	require.Eventually(t, b.IsConnected, 2*time.Second, 10*time.Millisecond)

	b.Stop()
	require.Eventually(t, func() bool {
		return store.Snapshot().Connection.Phase == events.PhaseDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, b.IsConnected())
}

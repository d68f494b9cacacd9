package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexlink/internal/channel"
	"github.com/normanking/cortexlink/internal/state"
)

// ConnectionBridge runs the channel lifecycle and keeps the store's
// connection view current. Event-driven updates do most of the work; a
// polling fallback reconciles the store in case a transition was missed.
type ConnectionBridge struct {
	channel  *channel.Manager
	store    *state.Store
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConnectionBridge creates the bridge. Interval is the poll cadence; zero
// means one second.
func NewConnectionBridge(ch *channel.Manager, store *state.Store, interval time.Duration, logger zerolog.Logger) *ConnectionBridge {
	if interval <= 0 {
		interval = time.Second
	}
	return &ConnectionBridge{
		channel:  ch,
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "connection-bridge").Logger(),
	}
}

// Start connects the channel and begins the poll loop.
func (b *ConnectionBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	if err := b.channel.Connect(runCtx); err != nil {
		return err
	}
	go b.pollLoop(runCtx)
	return nil
}

// Stop halts the poll loop and closes the channel.
func (b *ConnectionBridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.channel.Close()
}

// ReconnectNow forces a fresh dial, restarting the cycle after a fatal stop.
func (b *ConnectionBridge) ReconnectNow() {
	b.channel.Reconnect()
}

// IsConnected reports the channel's current usability.
func (b *ConnectionBridge) IsConnected() bool {
	return b.channel.IsConnected()
}

func (b *ConnectionBridge) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refresh()
		}
	}
}

// refresh reconciles the store with the channel's actual state.
func (b *ConnectionBridge) refresh() {
	actual := b.channel.State()
	current := b.store.Snapshot().Connection
	if current.Phase == actual.Phase &&
		current.Attempt == actual.Attempt &&
		current.LastError == actual.LastError {
		return
	}

	b.logger.Debug().
		Str("phase", string(actual.Phase)).
		Int("attempt", actual.Attempt).
		Msg("Connection state refreshed from poll")
	b.store.SetConnection(state.Connection{
		Phase:     actual.Phase,
		Attempt:   actual.Attempt,
		LastError: actual.LastError,
	})
}

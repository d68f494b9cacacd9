package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlink/internal/channel"
	"github.com/normanking/cortexlink/internal/events"
	"github.com/normanking/cortexlink/internal/metrics"
)

// Common errors
var (
	ErrConnectionReset = errors.New("connection reset before response")
	ErrProtocol        = errors.New("protocol error")
)

// Sender writes one enveloped event to the backend.
type Sender interface {
	Send(event string, payload any) error
}

type pendingCommand struct {
	command  string
	future   *Future
	issuedAt time.Time
}

// Bridge issues commands over the channel and resolves each pending future
// exactly once: on the correlated response, or with ErrConnectionReset when
// the channel terminally disconnects.
type Bridge struct {
	sender  Sender
	events  *events.Registry
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand
	unsubs  []func()

	// Callbacks
	onResolved func(id, command string, result Result)
	callbackMu sync.RWMutex
}

// NewBridge creates a command bridge. Metrics may be nil.
func NewBridge(sender Sender, registry *events.Registry, m *metrics.Metrics, logger zerolog.Logger) *Bridge {
	return &Bridge{
		sender:  sender,
		events:  registry,
		metrics: m,
		logger:  logger.With().Str("component", "command").Logger(),
		pending: make(map[string]*pendingCommand),
	}
}

// Start subscribes the bridge to responses and connection transitions.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.unsubs) > 0 {
		return
	}
	b.unsubs = append(b.unsubs,
		b.events.Subscribe(events.KindCommandResponse, b.handleResponse),
		b.events.Subscribe(events.KindConnectionChanged, b.handleConnection),
	)
}

// Stop unsubscribes and fails whatever is still pending.
func (b *Bridge) Stop() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	b.resolveAll(ErrConnectionReset)
}

// OnResolved registers a callback invoked after every resolution, replacing
// any previous one. Unlike response events, it also fires for locally failed
// commands.
func (b *Bridge) OnResolved(callback func(id, command string, result Result)) {
	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()
	b.onResolved = callback
}

// Execute submits one command and returns its id with the future that will
// carry the outcome. A send failure resolves the future immediately.
func (b *Bridge) Execute(commandText string) (string, *Future) {
	id := uuid.NewString()
	future := newFuture()

	b.mu.Lock()
	b.pending[id] = &pendingCommand{command: commandText, future: future, issuedAt: time.Now()}
	n := len(b.pending)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordCommandIssued()
		b.metrics.SetPendingCommands(n)
	}
	b.logger.Debug().Str("id", id).Str("command", commandText).Msg("Command issued")

	if err := b.sender.Send(channel.EventCommandExecute, channel.CommandPayload{ID: id, Command: commandText}); err != nil {
		b.resolveOne(id, Result{Err: fmt.Errorf("send command: %w", err)})
	}
	return id, future
}

// ExecuteAndWait submits one command and blocks for its outcome. The command
// stays pending if the context ends first; it then resolves like any other.
func (b *Bridge) ExecuteAndWait(ctx context.Context, commandText string) (events.CommandResponse, error) {
	_, future := b.Execute(commandText)
	return future.Await(ctx)
}

// Pending returns how many commands await a response.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) handleResponse(e events.Event) {
	resp, ok := e.(events.CommandResponse)
	if !ok {
		return
	}

	var err error
	switch {
	case resp.Status == events.StatusProtocolError:
		err = fmt.Errorf("%w: %s", ErrProtocol, resp.Response)
	case !resp.Succeeded():
		reason := resp.Response
		if reason == "" {
			reason = resp.Status
		}
		err = fmt.Errorf("command failed: %s", reason)
	}

	b.resolveOne(resp.ID, Result{Response: resp, Err: err})
}

func (b *Bridge) handleConnection(e events.Event) {
	change, ok := e.(events.ConnectionChanged)
	if !ok {
		return
	}
	// Transient drops keep commands pending; only a terminal disconnect
	// resets them.
	if change.Phase != events.PhaseDisconnected {
		return
	}
	b.resolveAll(ErrConnectionReset)
}

func (b *Bridge) resolveOne(id string, result Result) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	n := len(b.pending)
	b.mu.Unlock()

	if !ok {
		b.logger.Debug().Str("id", id).Msg("Unmatched command response")
		return
	}
	if !p.future.resolve(result) {
		return
	}

	if b.metrics != nil {
		b.metrics.RecordCommandResolved(outcome(result.Err))
		b.metrics.SetPendingCommands(n)
	}
	b.logger.Debug().
		Str("id", id).
		Str("outcome", outcome(result.Err)).
		Dur("elapsed", time.Since(p.issuedAt)).
		Msg("Command resolved")

	b.notifyResolved(id, p.command, result)
}

func (b *Bridge) resolveAll(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingCommand)
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	b.logger.Warn().Int("count", len(pending)).Err(err).Msg("Resetting pending commands")

	for id, p := range pending {
		if !p.future.resolve(Result{Err: err}) {
			continue
		}
		if b.metrics != nil {
			b.metrics.RecordCommandResolved(outcome(err))
		}
		b.notifyResolved(id, p.command, Result{Err: err})
	}
	if b.metrics != nil {
		b.metrics.SetPendingCommands(0)
	}
}

func (b *Bridge) notifyResolved(id, command string, result Result) {
	b.callbackMu.RLock()
	cb := b.onResolved
	b.callbackMu.RUnlock()
	if cb != nil {
		cb(id, command, result)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrConnectionReset):
		return "reset"
	case errors.Is(err, channel.ErrNotConnected):
		return "dropped"
	default:
		return "error"
	}
}

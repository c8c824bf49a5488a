package imap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/cursor"
	"github.com/oneboxhq/onebox/pkg/email"
	"github.com/oneboxhq/onebox/pkg/reliability"
)

// State is a connection manager FSM state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateMailboxSelected
	StateIdling
	StateFetching
	StateErroring
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateMailboxSelected:
		return "mailbox_selected"
	case StateIdling:
		return "idling"
	case StateFetching:
		return "fetching"
	case StateErroring:
		return "erroring"
	default:
		return "unknown"
	}
}

// EventKind classifies lifecycle events.
type EventKind int

const (
	EventReady EventKind = iota
	EventError
	EventClosed
)

// Event is a typed lifecycle transition emitted for a single consumer.
type Event struct {
	Kind  EventKind
	State State
	Err   error
}

// ManagerOptions tunes one connection manager.
type ManagerOptions struct {
	Mailbox        string
	BatchSize      int
	BackfillWindow time.Duration
	IdleTimeout    time.Duration
	IdleMargin     time.Duration
	// LogoutGrace bounds the graceful logout on shutdown before the
	// connection is force-closed.
	LogoutGrace time.Duration
}

func (o *ManagerOptions) withDefaults() ManagerOptions {
	out := ManagerOptions{}
	if o != nil {
		out = *o
	}
	if out.Mailbox == "" {
		out.Mailbox = "INBOX"
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.BackfillWindow <= 0 {
		out.BackfillWindow = 30 * 24 * time.Hour
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.IdleMargin <= 0 {
		out.IdleMargin = DefaultIdleMargin
	}
	if out.LogoutGrace <= 0 {
		out.LogoutGrace = 2 * time.Second
	}
	return out
}

// ConnectionManager owns one account's mailbox connection and drives it
// through connect, authenticate, select, backfill, and the idle/fetch loop.
// Unexpected session exits loop back through Erroring and reconnect with
// exponential backoff; only non-retryable errors end Run.
type ConnectionManager struct {
	acct    Account
	dialer  Dialer
	parser  *email.Parser
	forward Forwarder
	store   cursor.Store
	opts    ManagerOptions
	backoff *reliability.Backoff
	log     zerolog.Logger

	events chan Event
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	state State
	idle  *IdleController
}

// NewConnectionManager wires a manager for the account. The forwarder is the
// account's ingestion pipeline.
func NewConnectionManager(acct Account, dialer Dialer, parser *email.Parser, forward Forwarder, store cursor.Store, opts *ManagerOptions, log zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{
		acct:    acct,
		dialer:  dialer,
		parser:  parser,
		forward: forward,
		store:   store,
		opts:    opts.withDefaults(),
		backoff: reliability.NewBackoff(),
		log:     log.With().Str("component", "conn").Str("account", acct.Identity).Logger(),
		events:  make(chan Event, 8),
		sleep:   sleepCtx,
		state:   StateDisconnected,
	}
}

// Events returns the lifecycle event stream. Single consumer; events are
// dropped, not blocked on, when the consumer lags.
func (cm *ConnectionManager) Events() <-chan Event {
	return cm.events
}

// State returns the current FSM state.
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Run drives the connection until the context ends or a non-retryable error
// occurs. It returns nil on clean shutdown, the original error otherwise.
func (cm *ConnectionManager) Run(ctx context.Context) error {
	defer cm.setState(StateDisconnected)
	defer cm.emit(Event{Kind: EventClosed, State: StateDisconnected})

	for {
		err := cm.runOnce(ctx)
		if err == nil {
			// Clean stop requested.
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if !reliability.ShouldRetry(err) {
			cm.setState(StateErroring)
			cm.emit(Event{Kind: EventError, State: StateErroring, Err: err})
			cm.log.Error().Err(err).Msg("Non-retryable connection failure")
			return err
		}

		cm.setState(StateErroring)
		cm.emit(Event{Kind: EventError, State: StateErroring, Err: err})
		delay := cm.backoff.Next()
		cm.log.Warn().
			Err(err).
			Dur("backoff", delay).
			Int("attempt", cm.backoff.Attempt()).
			Msg("Session failed, reconnecting after backoff")
		cm.setState(StateDisconnected)
		if err := cm.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// runOnce runs one full session: dial, login, prime, backfill, then the
// idle ⇄ fetch loop. Returns nil only when the context asked for shutdown.
func (cm *ConnectionManager) runOnce(ctx context.Context) error {
	cm.setState(StateConnecting)
	cm.log.Info().Str("host", cm.acct.Host).Int("port", cm.acct.Port).Msg("Connecting")
	session, err := cm.dialer.Dial(ctx, cm.acct)
	if err != nil {
		return err
	}
	defer cm.closeSession(session)

	cm.setState(StateAuthenticating)
	if err := session.Login(ctx, cm.acct.Identity, cm.acct.Secret); err != nil {
		return err
	}

	engine := NewSyncEngine(session, cm.parser, cm.forward, cm.store, cm.acct.Identity, cm.opts.Mailbox, cm.opts.BatchSize, cm.log)
	if err := engine.Prime(ctx); err != nil {
		return err
	}
	cm.setState(StateMailboxSelected)
	cm.emit(Event{Kind: EventReady, State: StateMailboxSelected})
	cm.backoff.Reset()

	cm.setState(StateFetching)
	if err := engine.Backfill(ctx, time.Now().Add(-cm.opts.BackfillWindow)); err != nil {
		return err
	}
	// Catch up on anything that arrived while backfilling.
	if err := engine.HandleNewActivity(ctx); err != nil {
		return err
	}

	idle := NewIdleController(session, cm.opts.IdleTimeout, cm.opts.IdleMargin, cm.log)
	cm.mu.Lock()
	cm.idle = idle
	cm.mu.Unlock()

	for {
		cm.setState(StateIdling)
		wake, err := idle.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if wake == WakeStopped {
			return nil
		}

		// Renewal boundaries re-check the mailbox too, so a notification
		// landing between two waits is never lost.
		cm.setState(StateFetching)
		if err := engine.HandleNewActivity(ctx); err != nil {
			return err
		}
	}
}

// Stop ends the idle wait so Run can unwind. Context cancellation does the
// same; Stop exists for targeted shutdown in tests and the supervisor.
func (cm *ConnectionManager) Stop() {
	cm.mu.RLock()
	idle := cm.idle
	cm.mu.RUnlock()
	if idle != nil {
		idle.Stop()
	}
}

// closeSession attempts a graceful logout within the grace period, then
// force-closes.
func (cm *ConnectionManager) closeSession(session Session) {
	done := make(chan error, 1)
	go func() {
		done <- session.Logout(context.Background())
	}()
	select {
	case err := <-done:
		if err != nil {
			cm.log.Debug().Err(err).Msg("Logout failed")
		}
	case <-time.After(cm.opts.LogoutGrace):
		cm.log.Warn().Msg("Logout timed out, force closing")
	}
	session.Close()
}

func (cm *ConnectionManager) setState(s State) {
	cm.mu.Lock()
	prev := cm.state
	cm.state = s
	cm.mu.Unlock()
	if prev != s {
		cm.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("State transition")
	}
}

func (cm *ConnectionManager) emit(ev Event) {
	select {
	case cm.events <- ev:
	default:
		cm.log.Debug().Int("kind", int(ev.Kind)).Msg("Dropping lifecycle event, consumer lagging")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsAuthFailure reports whether err is the non-retryable credential failure
// from the taxonomy.
func IsAuthFailure(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

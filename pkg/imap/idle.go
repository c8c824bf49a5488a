package imap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultIdleTimeout is the assumed server-side idle session timeout.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultIdleMargin is subtracted from the timeout so the wait is renewed
	// safely before the server kills it.
	DefaultIdleMargin = 60 * time.Second
)

// Wake says why an idle wait returned.
type Wake int

const (
	// WakeActivity: the server reported new messages.
	WakeActivity Wake = iota
	// WakeRenewal: the renewal timer fired before the server timeout. The
	// caller must still re-check the mailbox, since a notification can land
	// in the window between ending one wait and starting the next.
	WakeRenewal
	// WakeStopped: Stop was called.
	WakeStopped
)

// IdleController keeps one long-poll wait alive on a session without
// exceeding the server's idle timeout. It owns the renewal timer; the
// connection manager owns reconnects.
type IdleController struct {
	session Session
	timeout time.Duration
	margin  time.Duration
	log     zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewIdleController creates a controller for the session. Zero timeout and
// margin fall back to the defaults.
func NewIdleController(session Session, timeout, margin time.Duration, log zerolog.Logger) *IdleController {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	if margin <= 0 {
		margin = DefaultIdleMargin
	}
	if margin >= timeout {
		margin = timeout / 10
	}
	return &IdleController{
		session: session,
		timeout: timeout,
		margin:  margin,
		log:     log.With().Str("component", "idle").Logger(),
		stop:    make(chan struct{}),
	}
}

// Wait runs one idle cycle: it starts a wait on the session and blocks until
// new activity arrives, the renewal deadline is reached, Stop is called, or
// the context ends. The underlying wait is always closed before returning so
// the session is free for the next command.
func (ic *IdleController) Wait(ctx context.Context) (Wake, error) {
	select {
	case <-ic.stop:
		return WakeStopped, nil
	default:
	}

	handle, err := ic.session.Idle()
	if err != nil {
		// The connection manager decides whether this means reconnect.
		return WakeStopped, err
	}

	renewal := time.NewTimer(ic.timeout - ic.margin)
	defer renewal.Stop()

	var wake Wake
	select {
	case <-ic.session.Activity():
		wake = WakeActivity
	case <-renewal.C:
		ic.log.Debug().Dur("after", ic.timeout-ic.margin).Msg("Renewing idle wait before server timeout")
		wake = WakeRenewal
	case <-ic.stop:
		wake = WakeStopped
	case <-ctx.Done():
		handle.Close()
		return WakeStopped, ctx.Err()
	}

	if err := handle.Close(); err != nil {
		ic.log.Warn().Err(err).Msg("Closing idle wait failed")
		if wake == WakeStopped {
			return wake, nil
		}
		return wake, err
	}
	return wake, nil
}

// Stop ends the current wait and prevents new ones. Safe to call multiple
// times and from any goroutine.
func (ic *IdleController) Stop() {
	ic.stopOnce.Do(func() { close(ic.stop) })
}

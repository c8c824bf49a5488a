package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/imap"
	"github.com/oneboxhq/onebox/pkg/reliability"
)

// fakeConn scripts a sequence of Run outcomes.
type fakeConn struct {
	mu      sync.Mutex
	runs    int
	results []error // consumed in order; past the end, Run blocks until ctx ends
	events  chan imap.Event
	block   chan struct{}
}

func newFakeConn(results ...error) *fakeConn {
	return &fakeConn{
		results: results,
		events:  make(chan imap.Event, 8),
		block:   make(chan struct{}),
	}
}

func (c *fakeConn) Run(ctx context.Context) error {
	c.mu.Lock()
	i := c.runs
	c.runs++
	c.mu.Unlock()
	if i < len(c.results) {
		return c.results[i]
	}
	select {
	case <-ctx.Done():
		return nil
	case <-c.block:
		return nil
	}
}

func (c *fakeConn) runCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func (c *fakeConn) State() imap.State         { return imap.StateIdling }
func (c *fakeConn) Events() <-chan imap.Event { return c.events }

func fastOpts() *Options {
	return &Options{
		NewBackoff: func() *reliability.Backoff {
			return &reliability.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond}
		},
		BreakerFailures: 3,
		BreakerCooldown: 50 * time.Millisecond,
		ShutdownGrace:   time.Second,
	}
}

func TestRestartsAfterUnexpectedExit(t *testing.T) {
	conn := newFakeConn(
		&imap.MailboxUnavailableError{Mailbox: "INBOX", Err: errors.New("gone")},
		&imap.MailboxUnavailableError{Mailbox: "INBOX", Err: errors.New("gone")},
	)
	s := NewSupervisor(fastOpts(), zerolog.Nop())
	s.Add("a@example.com", conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && conn.runCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.runCount() < 3 {
		t.Fatalf("expected at least 3 runs (2 failures + restart), got %d", conn.runCount())
	}

	statuses := s.Statuses()
	if statuses[0].Restarts < 2 {
		t.Errorf("restarts = %d, want >= 2", statuses[0].Restarts)
	}

	cancel()
	<-done
}

func TestAuthFailureMarksUnhealthyWithoutRestart(t *testing.T) {
	conn := newFakeConn(&imap.ConnectError{Account: "a@example.com", Err: errors.New("bad credentials")})
	s := NewSupervisor(fastOpts(), zerolog.Nop())
	s.Add("a@example.com", conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Statuses()[0].Health == HealthUnhealthy {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := s.Statuses()[0]
	if st.Health != HealthUnhealthy {
		t.Fatalf("health = %q, want unhealthy", st.Health)
	}
	if st.LastErr == "" {
		t.Error("unhealthy account should report its error")
	}

	// Give the loop a moment; the account must not be restarted.
	time.Sleep(50 * time.Millisecond)
	if conn.runCount() != 1 {
		t.Errorf("auth failure restarted the account %d times", conn.runCount()-1)
	}

	cancel()
	<-done
}

func TestOneAccountFailureDoesNotAffectOthers(t *testing.T) {
	bad := newFakeConn(&imap.ConnectError{Account: "bad@example.com", Err: errors.New("bad credentials")})
	good := newFakeConn()
	s := NewSupervisor(fastOpts(), zerolog.Nop())
	s.Add("bad@example.com", bad)
	s.Add("good@example.com", good)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	good.events <- imap.Event{Kind: imap.EventReady, State: imap.StateMailboxSelected}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Statuses()
		if st[0].Health == HealthUnhealthy && st[1].Health == HealthConnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	st := s.Statuses()
	if st[0].Health != HealthUnhealthy {
		t.Errorf("bad account health = %q, want unhealthy", st[0].Health)
	}
	if st[1].Health != HealthConnected {
		t.Errorf("good account health = %q, want connected", st[1].Health)
	}

	cancel()
	<-done
}

func TestShutdownIsBounded(t *testing.T) {
	conn := newFakeConn()
	s := NewSupervisor(fastOpts(), zerolog.Nop())
	s.Add("a@example.com", conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case <-done:
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("shutdown took %v, should be bounded", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

func TestEventsDriveHealthReporting(t *testing.T) {
	conn := newFakeConn()
	s := NewSupervisor(fastOpts(), zerolog.Nop())
	s.Add("a@example.com", conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	conn.events <- imap.Event{Kind: imap.EventReady, State: imap.StateMailboxSelected}
	waitForHealth(t, s, HealthConnected)

	conn.events <- imap.Event{Kind: imap.EventError, State: imap.StateErroring, Err: errors.New("connection reset")}
	waitForHealth(t, s, HealthDegraded)
	if s.Statuses()[0].LastErr == "" {
		t.Error("degraded status should carry the error")
	}

	cancel()
	<-done
}

func waitForHealth(t *testing.T, s *Supervisor, want Health) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Statuses()[0].Health == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("health never reached %q, still %q", want, s.Statuses()[0].Health)
}

package imap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/email"
)

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	session *fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, acct Account) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.session, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testAcct() Account {
	return Account{Identity: testAccount, Secret: "s3cret", Host: "imap.example.com", Port: 993, Security: SecurityTLS}
}

func fastManagerOpts() *ManagerOptions {
	return &ManagerOptions{
		Mailbox:        "INBOX",
		BatchSize:      10,
		BackfillWindow: 24 * time.Hour,
		IdleTimeout:    time.Hour,
		IdleMargin:     time.Minute,
		LogoutGrace:    100 * time.Millisecond,
	}
}

func newManager(dialer Dialer, fw Forwarder, opts *ManagerOptions) *ConnectionManager {
	return NewConnectionManager(testAcct(), dialer, email.NewParser(), fw, newMemStore(), opts, zerolog.Nop())
}

func waitForState(t *testing.T, cm *ConnectionManager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cm.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, still %v", want, cm.State())
}

func TestReconnectBackoffStrictlyIncreases(t *testing.T) {
	dialer := &fakeDialer{dialErr: &TransientNetworkError{Op: "dial", Err: errors.New("connection refused")}}
	cm := newManager(dialer, newRecordingForwarder(), fastManagerOpts())

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	cm.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	if err := cm.Run(ctx); err != nil {
		t.Fatalf("run after cancellation should return nil, got %v", err)
	}

	if len(delays) != 3 {
		t.Fatalf("recorded %d backoff delays, want 3", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delay %d (%v) not greater than delay %d (%v)", i, delays[i], i-1, delays[i-1])
		}
	}
	if delays[0] < 10*time.Second {
		t.Errorf("first delay %v below the 10s base", delays[0])
	}
	for _, d := range delays {
		if d > 5*time.Minute {
			t.Errorf("delay %v above the 5min cap", d)
		}
	}
}

func TestAuthFailureSurfacesWithoutRetry(t *testing.T) {
	fs := newFakeSession()
	fs.loginErr = &ConnectError{Account: testAccount, Err: errors.New("authentication failed")}
	dialer := &fakeDialer{session: fs}
	cm := newManager(dialer, newRecordingForwarder(), fastManagerOpts())

	err := cm.Run(context.Background())
	if err == nil {
		t.Fatal("expected the auth failure to surface")
	}
	if !IsAuthFailure(err) {
		t.Errorf("expected a connect error, got %T: %v", err, err)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("bad credentials dialed %d times, want 1 (no retry storm)", dialer.dialCount())
	}
}

func TestRunBackfillsThenIngestsLiveActivity(t *testing.T) {
	fs := newFakeSession(1, 2, 3)
	dialer := &fakeDialer{session: fs}
	fw := newRecordingForwarder()
	cm := newManager(dialer, fw, fastManagerOpts())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cm.Run(ctx) }()

	waitForState(t, cm, StateIdling)
	seen := fw.seen()
	for _, uid := range []string{"1", "2", "3"} {
		if seen[testAccount+":INBOX:"+uid] != 1 {
			t.Errorf("backfill did not forward uid %s exactly once: %v", uid, seen)
		}
	}

	// A new message arrives while idling.
	fs.addMessage(rawMsg(4))
	fs.notify()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fw.seen()[testAccount+":INBOX:4"] == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fw.seen()[testAccount+":INBOX:4"] != 1 {
		t.Fatal("live notification was not ingested")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("shutdown should be clean, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunEmitsReadyEvent(t *testing.T) {
	fs := newFakeSession()
	dialer := &fakeDialer{session: fs}
	cm := newManager(dialer, newRecordingForwarder(), fastManagerOpts())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cm.Run(ctx) }()

	select {
	case ev := <-cm.Events():
		if ev.Kind != EventReady {
			t.Errorf("first event kind = %v, want EventReady", ev.Kind)
		}
		if ev.State != StateMailboxSelected {
			t.Errorf("ready event state = %v, want StateMailboxSelected", ev.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no lifecycle event emitted")
	}

	cancel()
	<-done
}

func TestStopEndsRunCleanly(t *testing.T) {
	fs := newFakeSession()
	dialer := &fakeDialer{session: fs}
	cm := newManager(dialer, newRecordingForwarder(), fastManagerOpts())

	done := make(chan error, 1)
	go func() { done <- cm.Run(context.Background()) }()

	waitForState(t, cm, StateIdling)
	cm.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("stop should end the run cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

package imap

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWaitReturnsOnActivity(t *testing.T) {
	fs := newFakeSession()
	ic := NewIdleController(fs, time.Hour, time.Minute, zerolog.Nop())

	go func() {
		time.Sleep(10 * time.Millisecond)
		fs.notify()
	}()

	wake, err := ic.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if wake != WakeActivity {
		t.Errorf("wake = %v, want WakeActivity", wake)
	}
}

func TestWaitRenewsBeforeServerTimeout(t *testing.T) {
	fs := newFakeSession()
	// Server timeout 200ms, margin 150ms: renewal must fire at ~50ms.
	ic := NewIdleController(fs, 200*time.Millisecond, 150*time.Millisecond, zerolog.Nop())

	start := time.Now()
	wake, err := ic.Wait(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if wake != WakeRenewal {
		t.Errorf("wake = %v, want WakeRenewal", wake)
	}
	if elapsed >= 200*time.Millisecond {
		t.Errorf("renewal after %v, later than the server timeout", elapsed)
	}
}

func TestNotificationAtRenewalBoundaryIsNotLost(t *testing.T) {
	fs := newFakeSession()
	ic := NewIdleController(fs, 100*time.Millisecond, 80*time.Millisecond, zerolog.Nop())

	wake, err := ic.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if wake != WakeRenewal {
		t.Fatalf("wake = %v, want WakeRenewal", wake)
	}

	// A notification lands in the gap between the old wait ending and the
	// new one starting. The next wait must see it immediately.
	fs.notify()

	start := time.Now()
	wake, err = ic.Wait(context.Background())
	if err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if wake != WakeActivity {
		t.Errorf("wake = %v, want WakeActivity for the boundary notification", wake)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("boundary notification took %v to surface", elapsed)
	}
}

func TestStopIsIdempotentAndEndsWaits(t *testing.T) {
	fs := newFakeSession()
	ic := NewIdleController(fs, time.Hour, time.Minute, zerolog.Nop())

	done := make(chan Wake, 1)
	go func() {
		wake, _ := ic.Wait(context.Background())
		done <- wake
	}()

	time.Sleep(10 * time.Millisecond)
	ic.Stop()
	ic.Stop()
	ic.Stop()

	select {
	case wake := <-done:
		if wake != WakeStopped {
			t.Errorf("wake = %v, want WakeStopped", wake)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Stop")
	}

	// A stopped controller refuses new waits without touching the session.
	wake, err := ic.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait after stop: %v", err)
	}
	if wake != WakeStopped {
		t.Errorf("wake after stop = %v, want WakeStopped", wake)
	}
}

func TestWaitSurfacesIdleStartFailure(t *testing.T) {
	fs := newFakeSession()
	fs.idleErr = &TransientNetworkError{Op: "idle", Err: context.DeadlineExceeded}
	ic := NewIdleController(fs, time.Hour, time.Minute, zerolog.Nop())

	if _, err := ic.Wait(context.Background()); err == nil {
		t.Fatal("expected the idle start failure to surface")
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	fs := newFakeSession()
	ic := NewIdleController(fs, time.Hour, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := ic.Wait(ctx); err == nil {
		t.Fatal("expected a context error")
	}
}

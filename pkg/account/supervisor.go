// Package account supervises one connection manager + sync engine pair per
// configured account.
package account

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/imap"
	"github.com/oneboxhq/onebox/pkg/reliability"
)

// Health is the supervisor's view of one account.
type Health string

const (
	HealthStarting  Health = "starting"
	HealthConnected Health = "connected"
	HealthDegraded  Health = "degraded"
	// HealthUnhealthy marks accounts whose credentials were rejected; they
	// stay visibly disconnected and are not retried.
	HealthUnhealthy Health = "unhealthy"
	HealthStopped   Health = "stopped"
)

// Status is a point-in-time report for one account.
type Status struct {
	Account  string
	Health   Health
	State    imap.State
	Restarts int
	LastErr  string
}

// Connection is the supervised unit: one account's connection manager.
type Connection interface {
	Run(ctx context.Context) error
	State() imap.State
	Events() <-chan imap.Event
}

// Options tunes the supervisor.
type Options struct {
	// RestartBackoff delays restarts after an unexpected exit. Each account
	// gets its own backoff so one flapping account cannot slow the others.
	NewBackoff func() *reliability.Backoff
	// BreakerFailures and BreakerCooldown configure the per-account circuit
	// breaker guarding restart attempts.
	BreakerFailures int
	BreakerCooldown time.Duration
	// ShutdownGrace bounds how long Run waits for account loops to unwind
	// after the context ends.
	ShutdownGrace time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.NewBackoff == nil {
		out.NewBackoff = reliability.NewBackoff
	}
	if out.BreakerFailures <= 0 {
		out.BreakerFailures = 5
	}
	if out.BreakerCooldown <= 0 {
		out.BreakerCooldown = 2 * time.Minute
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = 10 * time.Second
	}
	return out
}

type supervised struct {
	name string
	conn Connection

	mu       sync.Mutex
	health   Health
	restarts int
	lastErr  string
}

// Supervisor owns every account's connection loop. A fatal error on one
// account never terminates the process or touches other accounts.
type Supervisor struct {
	opts     Options
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	mu       sync.Mutex
	accounts []*supervised
	started  bool
}

// NewSupervisor creates an empty supervisor; accounts are added before Run.
func NewSupervisor(opts *Options, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		opts:  opts.withDefaults(),
		log:   log.With().Str("component", "supervisor").Logger(),
		sleep: sleepCtx,
	}
}

// Add registers one account's connection under the given name.
func (s *Supervisor) Add(name string, conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, &supervised{name: name, conn: conn, health: HealthStarting})
}

// Run starts every account loop and blocks until the context ends. Shutdown
// is bounded: loops that do not unwind within the grace period are abandoned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	accounts := append([]*supervised(nil), s.accounts...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, acct := range accounts {
		wg.Add(1)
		go func(acct *supervised) {
			defer wg.Done()
			s.superviseLoop(ctx, acct)
		}(acct)
	}

	<-ctx.Done()
	s.log.Info().Msg("Shutting down account loops")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("All account loops stopped")
	case <-time.After(s.opts.ShutdownGrace):
		s.log.Warn().Dur("grace", s.opts.ShutdownGrace).Msg("Shutdown grace elapsed, abandoning remaining loops")
	}
	return nil
}

// superviseLoop runs one account's connection, restarting it with backoff
// when it exits unexpectedly. Credential failures mark the account unhealthy
// and end the loop.
func (s *Supervisor) superviseLoop(ctx context.Context, acct *supervised) {
	log := s.log.With().Str("account", acct.name).Logger()
	backoff := s.opts.NewBackoff()
	breaker, _ := reliability.NewCircuitBreaker(s.opts.BreakerFailures, s.opts.BreakerCooldown)

	go s.watchEvents(ctx, acct, breaker)

	for {
		if ctx.Err() != nil {
			acct.setHealth(HealthStopped, "")
			return
		}
		if err := breaker.Allow(); err != nil {
			acct.setHealth(HealthDegraded, err.Error())
			if s.sleep(ctx, s.opts.BreakerCooldown) != nil {
				acct.setHealth(HealthStopped, "")
				return
			}
			continue
		}

		err := acct.conn.Run(ctx)
		if ctx.Err() != nil || err == nil {
			acct.setHealth(HealthStopped, "")
			return
		}

		if imap.IsAuthFailure(err) {
			log.Error().Err(err).Msg("Credentials rejected, marking account unhealthy")
			acct.setHealth(HealthUnhealthy, err.Error())
			return
		}

		breaker.RecordFailure()
		acct.bumpRestarts()
		delay := backoff.Next()
		acct.setHealth(HealthDegraded, err.Error())
		log.Warn().
			Err(err).
			Dur("backoff", delay).
			Int("restarts", acct.restartCount()).
			Msg("Account loop exited unexpectedly, restarting")
		if s.sleep(ctx, delay) != nil {
			acct.setHealth(HealthStopped, "")
			return
		}
	}
}

// watchEvents tracks lifecycle events for status reporting. A successful
// connect also closes the restart breaker so an earlier bad streak does not
// count against future failures.
func (s *Supervisor) watchEvents(ctx context.Context, acct *supervised, breaker *reliability.CircuitBreaker) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-acct.conn.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case imap.EventReady:
				breaker.RecordSuccess()
				acct.setHealth(HealthConnected, "")
			case imap.EventError:
				if acct.healthNow() != HealthUnhealthy {
					msg := ""
					if ev.Err != nil {
						msg = ev.Err.Error()
					}
					acct.setHealth(HealthDegraded, msg)
				}
			}
		}
	}
}

// Statuses reports every account's current status, sorted by registration
// order.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	accounts := append([]*supervised(nil), s.accounts...)
	s.mu.Unlock()

	out := make([]Status, 0, len(accounts))
	for _, acct := range accounts {
		acct.mu.Lock()
		out = append(out, Status{
			Account:  acct.name,
			Health:   acct.health,
			State:    acct.conn.State(),
			Restarts: acct.restarts,
			LastErr:  acct.lastErr,
		})
		acct.mu.Unlock()
	}
	return out
}

func (a *supervised) setHealth(h Health, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health = h
	a.lastErr = errMsg
}

func (a *supervised) healthNow() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

func (a *supervised) bumpRestarts() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restarts++
}

func (a *supervised) restartCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restarts
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

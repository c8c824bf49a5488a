package cursor

import (
	"context"
	"time"
)

// Cursor is the per-account sync watermark: the highest UID known to be
// fully ingested plus the backfill window boundary already covered. It is
// mutated by exactly one sync engine, but the persisted form tolerates
// concurrent writers across process restarts (the watermark only moves
// forward).
type Cursor struct {
	AccountID     string    `db:"account_id"`
	Mailbox       string    `db:"mailbox"`
	LastUID       uint32    `db:"last_uid"`
	BackfillSince time.Time `db:"backfill_since"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// BackfillCovers reports whether a completed backfill already covers the
// given window start.
func (c *Cursor) BackfillCovers(since time.Time) bool {
	if c == nil || c.BackfillSince.IsZero() {
		return false
	}
	return !c.BackfillSince.After(since)
}

// Advance moves the watermark forward. Regressions are ignored so the
// watermark stays monotonic.
func (c *Cursor) Advance(uid uint32) {
	if uid > c.LastUID {
		c.LastUID = uid
	}
}

// Store persists cursors so a process restart resumes without re-ingesting.
type Store interface {
	// Load returns the cursor for the account+mailbox, or nil if none has
	// been saved yet.
	Load(ctx context.Context, accountID, mailbox string) (*Cursor, error)
	// Save upserts the cursor. The stored watermark never moves backwards
	// even if the given cursor is stale.
	Save(ctx context.Context, c *Cursor) error
	Close() error
}

package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_cursors (
	account_id     TEXT NOT NULL,
	mailbox        TEXT NOT NULL,
	last_uid       INTEGER NOT NULL DEFAULT 0,
	backfill_since TIMESTAMP,
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, mailbox)
)`

// NewSQLiteStore opens (or creates) the cursor database at dbPath, enables
// WAL mode, and ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cursor schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the persisted cursor for the account+mailbox, or nil when the
// account has never been synced.
func (s *SQLiteStore) Load(ctx context.Context, accountID, mailbox string) (*Cursor, error) {
	var (
		c     Cursor
		since sql.NullTime
	)
	row := s.db.QueryRowxContext(ctx, `
		SELECT account_id, mailbox, last_uid, backfill_since, updated_at
		FROM sync_cursors WHERE account_id = ? AND mailbox = ?`,
		accountID, mailbox,
	)
	err := row.Scan(&c.AccountID, &c.Mailbox, &c.LastUID, &since, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cursor for %s/%s: %w", accountID, mailbox, err)
	}
	if since.Valid {
		c.BackfillSince = since.Time
	}
	return &c, nil
}

// Save upserts the cursor. MAX() on conflict keeps the stored watermark
// monotonic even if two processes race across a restart; the backfill
// boundary keeps the earliest (widest) covered window.
func (s *SQLiteStore) Save(ctx context.Context, c *Cursor) error {
	var since interface{}
	if !c.BackfillSince.IsZero() {
		since = c.BackfillSince.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (account_id, mailbox, last_uid, backfill_since, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, mailbox) DO UPDATE SET
			last_uid       = MAX(sync_cursors.last_uid, excluded.last_uid),
			backfill_since = COALESCE(MIN(sync_cursors.backfill_since, excluded.backfill_since), sync_cursors.backfill_since, excluded.backfill_since),
			updated_at     = excluded.updated_at`,
		c.AccountID, c.Mailbox, c.LastUID, since, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving cursor for %s/%s: %w", c.AccountID, c.Mailbox, err)
	}
	return nil
}

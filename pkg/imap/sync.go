package imap

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/cursor"
	"github.com/oneboxhq/onebox/pkg/email"
)

// DefaultBatchSize bounds how many messages one fetch asks for, so the sync
// never hammers a remote server that punishes aggressive fetch patterns.
const DefaultBatchSize = 10

// Forwarder receives parsed emails in arrival order. The ingestion pipeline
// implements it; tests substitute a recorder.
type Forwarder interface {
	IngestBatch(ctx context.Context, emails []*email.Email) []error
}

// SyncEngine orchestrates backfill and incremental fetch for one account's
// mailbox. It is driven by exactly one connection manager goroutine, so it
// needs no locking; the cursor is private to this engine and only its
// persisted form is shared across restarts.
type SyncEngine struct {
	session   Session
	parser    *email.Parser
	forwarder Forwarder
	store     cursor.Store
	log       zerolog.Logger

	accountID string
	mailbox   string
	batchSize int

	cur *cursor.Cursor
}

// NewSyncEngine creates an engine for one account+mailbox on the session.
func NewSyncEngine(session Session, parser *email.Parser, forwarder Forwarder, store cursor.Store, accountID, mailbox string, batchSize int, log zerolog.Logger) *SyncEngine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &SyncEngine{
		session:   session,
		parser:    parser,
		forwarder: forwarder,
		store:     store,
		accountID: accountID,
		mailbox:   mailbox,
		batchSize: batchSize,
		log: log.With().
			Str("component", "sync").
			Str("account", accountID).
			Str("mailbox", mailbox).
			Logger(),
	}
}

// Prime selects the mailbox and loads or initializes the cursor. A fresh
// account starts its watermark at UIDNEXT−1, so only messages arriving after
// startup count as new; history is covered by Backfill.
func (se *SyncEngine) Prime(ctx context.Context) error {
	state, err := se.session.Select(ctx, se.mailbox)
	if err != nil {
		return err
	}

	cur, err := se.store.Load(ctx, se.accountID, se.mailbox)
	if err != nil {
		return err
	}
	if cur == nil {
		var baseline uint32
		if state.UIDNext > 0 {
			baseline = state.UIDNext - 1
		}
		cur = &cursor.Cursor{
			AccountID: se.accountID,
			Mailbox:   se.mailbox,
			LastUID:   baseline,
		}
		if err := se.store.Save(ctx, cur); err != nil {
			return err
		}
		se.log.Info().
			Uint32("uidnext", state.UIDNext).
			Uint32("baseline_uid", baseline).
			Msg("Established baseline watermark")
	} else {
		se.log.Info().
			Uint32("last_uid", cur.LastUID).
			Time("backfill_since", cur.BackfillSince).
			Msg("Resuming from persisted cursor")
	}
	se.cur = cur
	return nil
}

// Cursor returns the engine's current in-memory cursor, nil before Prime.
func (se *SyncEngine) Cursor() *cursor.Cursor {
	return se.cur
}

// Backfill ingests all messages on/after since in fixed-size batches. A
// window already covered by a previous run is skipped. The cursor's backfill
// boundary advances only after every batch has been fully ingested.
func (se *SyncEngine) Backfill(ctx context.Context, since time.Time) error {
	if se.cur == nil {
		return errors.New("sync engine not primed")
	}
	if se.cur.BackfillCovers(since) {
		se.log.Debug().Time("since", since).Msg("Backfill window already covered")
		return nil
	}

	uids, err := se.session.SearchUIDs(ctx, since, 1)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		se.log.Info().Time("since", since).Msg("Backfill found no messages")
		se.cur.BackfillSince = since
		return se.store.Save(ctx, se.cur)
	}

	se.log.Info().
		Int("count", len(uids)).
		Time("since", since).
		Int("batch_size", se.batchSize).
		Msg("Starting backfill")

	clean := true
	for start := 0; start < len(uids); start += se.batchSize {
		end := start + se.batchSize
		if end > len(uids) {
			end = len(uids)
		}
		ok, err := se.ingestBatch(ctx, uids[start:end])
		if err != nil {
			return err
		}
		clean = clean && ok
		if err := se.store.Save(ctx, se.cur); err != nil {
			return err
		}
	}

	// Pipeline failures leave the boundary open so a later run re-covers the
	// window; idempotent indexing absorbs the re-delivery.
	if clean {
		se.cur.BackfillSince = since
		if err := se.store.Save(ctx, se.cur); err != nil {
			return err
		}
	}
	se.log.Info().Bool("complete", clean).Msg("Backfill finished")
	return nil
}

// HandleNewActivity ingests everything above the watermark. The notification
// that triggered it carries no trustworthy count; coalesced notifications and
// idle-renewal boundaries both funnel here, and the range is re-derived from
// the watermark and the server's current state every time.
func (se *SyncEngine) HandleNewActivity(ctx context.Context) error {
	if se.cur == nil {
		return errors.New("sync engine not primed")
	}

	uids, err := se.session.SearchUIDs(ctx, time.Time{}, se.cur.LastUID+1)
	if err != nil {
		return err
	}
	fresh := uids[:0]
	for _, uid := range uids {
		if uid > se.cur.LastUID {
			fresh = append(fresh, uid)
		}
	}
	if len(fresh) == 0 {
		se.log.Debug().Msg("No new messages")
		return nil
	}

	se.log.Info().Int("count", len(fresh)).Uint32("from_uid", se.cur.LastUID+1).Msg("Fetching new messages")

	for start := 0; start < len(fresh); start += se.batchSize {
		end := start + se.batchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		if _, err := se.ingestBatch(ctx, fresh[start:end]); err != nil {
			return err
		}
		if err := se.store.Save(ctx, se.cur); err != nil {
			return err
		}
	}
	return nil
}

// ingestBatch fetches one batch (retrying the fetch once), parses, forwards,
// and advances the watermark over the longest prefix of the batch whose
// messages were either ingested or deliberately dropped. It reports whether
// every message in the batch was handled.
func (se *SyncEngine) ingestBatch(ctx context.Context, uids []uint32) (bool, error) {
	raws, err := se.session.FetchRaw(ctx, uids)
	if err != nil {
		se.log.Warn().Err(err).Int("batch", len(uids)).Msg("Batch fetch failed, retrying once")
		raws, err = se.session.FetchRaw(ctx, uids)
		if err != nil {
			return false, &FetchError{Mailbox: se.mailbox, Err: err}
		}
	}

	// uid → outcome; parse drops count as handled so a malformed message
	// cannot wedge the watermark.
	handled := make(map[uint32]bool, len(raws))
	var batch []*email.Email
	var batchUIDs []uint32
	for _, raw := range raws {
		em, err := se.parser.Parse(se.accountID, se.mailbox, raw)
		if err != nil {
			var pe *email.ParseError
			if errors.As(err, &pe) {
				se.log.Warn().Uint32("uid", raw.UID).Str("reason", pe.Reason).Msg("Dropping malformed message")
				handled[raw.UID] = true
				continue
			}
			return false, err
		}
		batch = append(batch, em)
		batchUIDs = append(batchUIDs, raw.UID)
	}

	errs := se.forwarder.IngestBatch(ctx, batch)
	for i, em := range batch {
		if errs[i] == nil {
			handled[batchUIDs[i]] = true
		} else {
			se.log.Error().Err(errs[i]).Str("natural_key", em.NaturalKey()).Msg("Pipeline rejected message")
		}
	}

	// Advance across the contiguous handled prefix only; anything after the
	// first failure stays above the watermark and is re-delivered later.
	complete := true
	for _, uid := range uids {
		if !handled[uid] {
			complete = false
			break
		}
		se.cur.Advance(uid)
	}
	return complete, nil
}

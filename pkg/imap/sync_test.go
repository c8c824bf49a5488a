package imap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/cursor"
	"github.com/oneboxhq/onebox/pkg/email"
)

// fakeSession is an in-memory mailbox implementing Session.
type fakeSession struct {
	mu   sync.Mutex
	uids []uint32
	msgs map[uint32]email.RawMessage

	uidNext  uint32
	activity chan struct{}

	loginErr      error
	selectErr     error
	fetchFailures int
	idleErr       error

	searchFrom [][2]interface{} // (since, fromUID) per call
	fetchCalls [][]uint32
}

func newFakeSession(uids ...uint32) *fakeSession {
	fs := &fakeSession{
		msgs:     make(map[uint32]email.RawMessage),
		activity: make(chan struct{}, 1),
		uidNext:  1,
	}
	for _, uid := range uids {
		fs.addMessage(rawMsg(uid))
	}
	return fs
}

func (fs *fakeSession) addMessage(raw email.RawMessage) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.uids = append(fs.uids, raw.UID)
	fs.msgs[raw.UID] = raw
	if raw.UID >= fs.uidNext {
		fs.uidNext = raw.UID + 1
	}
}

func (fs *fakeSession) notify() {
	select {
	case fs.activity <- struct{}{}:
	default:
	}
}

func (fs *fakeSession) Login(ctx context.Context, identity, secret string) error {
	return fs.loginErr
}

func (fs *fakeSession) Select(ctx context.Context, mailbox string) (*MailboxState, error) {
	if fs.selectErr != nil {
		return nil, fs.selectErr
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return &MailboxState{Name: mailbox, NumMessages: uint32(len(fs.uids)), UIDNext: fs.uidNext}, nil
}

func (fs *fakeSession) SearchUIDs(ctx context.Context, since time.Time, fromUID uint32) ([]uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.searchFrom = append(fs.searchFrom, [2]interface{}{since, fromUID})
	var out []uint32
	for _, uid := range fs.uids {
		if uid >= fromUID {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (fs *fakeSession) FetchRaw(ctx context.Context, uids []uint32) ([]email.RawMessage, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.fetchCalls = append(fs.fetchCalls, append([]uint32(nil), uids...))
	if fs.fetchFailures > 0 {
		fs.fetchFailures--
		return nil, &TransientNetworkError{Op: "fetch", Err: errors.New("connection reset")}
	}
	var out []email.RawMessage
	for _, uid := range uids {
		if raw, ok := fs.msgs[uid]; ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

type fakeIdleHandle struct{}

func (fakeIdleHandle) Close() error { return nil }

func (fs *fakeSession) Idle() (IdleHandle, error) {
	if fs.idleErr != nil {
		return nil, fs.idleErr
	}
	return fakeIdleHandle{}, nil
}

func (fs *fakeSession) Activity() <-chan struct{}        { return fs.activity }
func (fs *fakeSession) Noop(ctx context.Context) error   { return nil }
func (fs *fakeSession) Logout(ctx context.Context) error { return nil }
func (fs *fakeSession) Close() error                     { return nil }

func rawMsg(uid uint32) email.RawMessage {
	header := fmt.Sprintf("Subject: message %d\r\nFrom: Sender <sender@example.com>\r\nDate: Fri, 14 Mar 2025 09:30:00 +0000\r\n\r\n", uid)
	return email.RawMessage{UID: uid, Header: []byte(header), Body: []byte("hello")}
}

func malformedMsg(uid uint32) email.RawMessage {
	return email.RawMessage{
		UID:    uid,
		Header: []byte("X-Mailer: junk\r\n\r\n"),
		Body:   []byte("no identity headers"),
	}
}

// memStore is an in-memory cursor store with the monotonic save semantics of
// the SQLite store.
type memStore struct {
	mu      sync.Mutex
	cursors map[string]*cursor.Cursor
	saves   int
}

func newMemStore() *memStore {
	return &memStore{cursors: make(map[string]*cursor.Cursor)}
}

func (s *memStore) Load(ctx context.Context, accountID, mailbox string) (*cursor.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[accountID+"/"+mailbox]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) Save(ctx context.Context, c *cursor.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	key := c.AccountID + "/" + c.Mailbox
	if prev, ok := s.cursors[key]; ok && prev.LastUID > c.LastUID {
		cp := *c
		cp.LastUID = prev.LastUID
		s.cursors[key] = &cp
		return nil
	}
	cp := *c
	s.cursors[key] = &cp
	return nil
}

func (s *memStore) Close() error { return nil }

// recordingForwarder records forwarded natural keys and can fail chosen ones.
type recordingForwarder struct {
	mu       sync.Mutex
	order    []string
	counts   map[string]int
	failKeys map[string]bool
}

func newRecordingForwarder() *recordingForwarder {
	return &recordingForwarder{counts: make(map[string]int), failKeys: make(map[string]bool)}
}

func (f *recordingForwarder) IngestBatch(ctx context.Context, emails []*email.Email) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := make([]error, len(emails))
	for i, em := range emails {
		key := em.NaturalKey()
		f.order = append(f.order, key)
		f.counts[key]++
		if f.failKeys[key] {
			errs[i] = errors.New("index unavailable")
		}
	}
	return errs
}

func (f *recordingForwarder) seen() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out
}

const testAccount = "a@example.com"

func newTestEngine(t *testing.T, fs *fakeSession, fw Forwarder, store cursor.Store) *SyncEngine {
	t.Helper()
	se := NewSyncEngine(fs, email.NewParser(), fw, store, testAccount, "INBOX", 10, zerolog.Nop())
	if err := se.Prime(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}
	return se
}

func TestBackfillBatchesAndForwardsEveryKeyOnce(t *testing.T) {
	uids := make([]uint32, 25)
	for i := range uids {
		uids[i] = uint32(i + 1)
	}
	fs := newFakeSession(uids...)
	fw := newRecordingForwarder()
	se := newTestEngine(t, fs, fw, newMemStore())

	since := time.Now().Add(-30 * 24 * time.Hour)
	if err := se.Backfill(context.Background(), since); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	if len(fs.fetchCalls) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(fs.fetchCalls))
	}
	for i, want := range []int{10, 10, 5} {
		if len(fs.fetchCalls[i]) != want {
			t.Errorf("batch %d size = %d, want %d", i, len(fs.fetchCalls[i]), want)
		}
	}

	seen := fw.seen()
	if len(seen) != 25 {
		t.Fatalf("forwarded %d distinct keys, want 25", len(seen))
	}
	for key, n := range seen {
		if n != 1 {
			t.Errorf("key %s forwarded %d times", key, n)
		}
	}
	if !se.Cursor().BackfillCovers(since) {
		t.Error("backfill boundary should cover the window after a clean run")
	}
}

func TestBackfillSkipsCoveredWindow(t *testing.T) {
	fs := newFakeSession(1, 2, 3)
	fw := newRecordingForwarder()
	store := newMemStore()
	store.Save(context.Background(), &cursor.Cursor{
		AccountID:     testAccount,
		Mailbox:       "INBOX",
		LastUID:       3,
		BackfillSince: time.Now().Add(-60 * 24 * time.Hour),
	})
	se := newTestEngine(t, fs, fw, store)

	if err := se.Backfill(context.Background(), time.Now().Add(-30*24*time.Hour)); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(fs.fetchCalls) != 0 {
		t.Errorf("covered window should not fetch, got %d calls", len(fs.fetchCalls))
	}
}

func TestBatchFetchRetriesOnceThenEscalates(t *testing.T) {
	fs := newFakeSession(1, 2, 3)
	fs.fetchFailures = 10
	fw := newRecordingForwarder()
	se := newTestEngine(t, fs, fw, newMemStore())

	err := se.Backfill(context.Background(), time.Now().Add(-24*time.Hour))
	if err == nil {
		t.Fatal("expected an error when every fetch fails")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if len(fs.fetchCalls) != 2 {
		t.Errorf("expected exactly one retry (2 fetch calls), got %d", len(fs.fetchCalls))
	}
}

func TestBatchFetchTransientFailureRecovers(t *testing.T) {
	fs := newFakeSession(1, 2, 3)
	fs.fetchFailures = 1
	fw := newRecordingForwarder()
	se := newTestEngine(t, fs, fw, newMemStore())

	if err := se.Backfill(context.Background(), time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("one transient fetch failure should be absorbed: %v", err)
	}
	if len(fw.seen()) != 3 {
		t.Errorf("forwarded %d keys, want 3", len(fw.seen()))
	}
}

func TestHandleNewActivityRederivesRangeFromWatermark(t *testing.T) {
	fs := newFakeSession(99, 100, 101, 102, 103)
	fw := newRecordingForwarder()
	store := newMemStore()
	store.Save(context.Background(), &cursor.Cursor{AccountID: testAccount, Mailbox: "INBOX", LastUID: 100})
	se := newTestEngine(t, fs, fw, store)

	if err := se.HandleNewActivity(context.Background()); err != nil {
		t.Fatalf("handle new activity: %v", err)
	}

	// The range is derived from the watermark, not any notification count.
	last := fs.searchFrom[len(fs.searchFrom)-1]
	if got := last[1].(uint32); got != 101 {
		t.Errorf("search started from uid %d, want 101", got)
	}
	seen := fw.seen()
	for _, uid := range []string{"101", "102", "103"} {
		if seen[testAccount+":INBOX:"+uid] != 1 {
			t.Errorf("uid %s not forwarded exactly once: %v", uid, seen)
		}
	}
	if _, ok := seen[testAccount+":INBOX:99"]; ok {
		t.Error("messages at or below the watermark must not be re-forwarded")
	}
	if se.Cursor().LastUID != 103 {
		t.Errorf("watermark = %d, want 103", se.Cursor().LastUID)
	}
}

func TestHandleNewActivityEmptyMailboxIsNoop(t *testing.T) {
	fs := newFakeSession()
	fw := newRecordingForwarder()
	se := newTestEngine(t, fs, fw, newMemStore())

	if err := se.HandleNewActivity(context.Background()); err != nil {
		t.Fatalf("empty result should be a no-op, not an error: %v", err)
	}
	if len(fs.fetchCalls) != 0 {
		t.Errorf("no-op should not fetch, got %d calls", len(fs.fetchCalls))
	}
}

func TestMalformedMessageDroppedAndWatermarkAdvances(t *testing.T) {
	fs := newFakeSession(11, 13, 14)
	fs.addMessage(malformedMsg(12))
	fw := newRecordingForwarder()
	store := newMemStore()
	store.Save(context.Background(), &cursor.Cursor{AccountID: testAccount, Mailbox: "INBOX", LastUID: 10})
	se := newTestEngine(t, fs, fw, store)

	if err := se.HandleNewActivity(context.Background()); err != nil {
		t.Fatalf("handle new activity: %v", err)
	}

	seen := fw.seen()
	if _, ok := seen[testAccount+":INBOX:12"]; ok {
		t.Error("malformed message must not reach the pipeline")
	}
	if len(seen) != 3 {
		t.Errorf("forwarded %d keys, want 3", len(seen))
	}
	if se.Cursor().LastUID != 14 {
		t.Errorf("watermark = %d, want 14 (drop must not wedge the cursor)", se.Cursor().LastUID)
	}
}

func TestPipelineFailureHoldsWatermarkAtContiguousPrefix(t *testing.T) {
	fs := newFakeSession(11, 12, 13, 14, 15)
	fw := newRecordingForwarder()
	fw.failKeys[testAccount+":INBOX:13"] = true
	store := newMemStore()
	store.Save(context.Background(), &cursor.Cursor{AccountID: testAccount, Mailbox: "INBOX", LastUID: 10})
	se := newTestEngine(t, fs, fw, store)

	if err := se.HandleNewActivity(context.Background()); err != nil {
		t.Fatalf("handle new activity: %v", err)
	}

	if se.Cursor().LastUID != 12 {
		t.Errorf("watermark = %d, want 12 (held before the failed message)", se.Cursor().LastUID)
	}
	persisted, _ := store.Load(context.Background(), testAccount, "INBOX")
	if persisted.LastUID != 12 {
		t.Errorf("persisted watermark = %d, want 12", persisted.LastUID)
	}
}

func TestCursorWatermarkNeverDecreasesAcrossCycles(t *testing.T) {
	fs := newFakeSession(1, 2, 3)
	fw := newRecordingForwarder()
	se := newTestEngine(t, fs, fw, newMemStore())

	var last uint32
	if err := se.Backfill(context.Background(), time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	last = se.Cursor().LastUID

	for uid := uint32(4); uid <= 6; uid++ {
		fs.addMessage(rawMsg(uid))
		if err := se.HandleNewActivity(context.Background()); err != nil {
			t.Fatalf("cycle for uid %d: %v", uid, err)
		}
		if se.Cursor().LastUID < last {
			t.Fatalf("watermark regressed from %d to %d", last, se.Cursor().LastUID)
		}
		last = se.Cursor().LastUID
	}
	if last != 6 {
		t.Errorf("final watermark = %d, want 6", last)
	}
}

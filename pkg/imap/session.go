package imap

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/email"
	"github.com/oneboxhq/onebox/pkg/logging"
	"github.com/oneboxhq/onebox/pkg/reliability"
)

// Security modes for the account transport.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// Account holds one mailbox account's immutable connection config.
type Account struct {
	Identity string
	Secret   string
	Host     string
	Port     int
	Security string
}

// Address returns the host:port dial target.
func (a Account) Address() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

// MailboxState is the server-reported state of a selected mailbox. The sync
// engine re-derives fetch ranges from this instead of caching stale counts.
type MailboxState struct {
	Name        string
	NumMessages uint32
	UIDNext     uint32
}

// IdleHandle is a cancellable in-flight idle wait.
type IdleHandle interface {
	Close() error
}

// Session abstracts one authenticated mailbox connection. A session is owned
// by exactly one connection manager and is not safe for concurrent commands;
// the protocol allows one in-flight operation per connection.
type Session interface {
	Login(ctx context.Context, identity, secret string) error
	Select(ctx context.Context, mailbox string) (*MailboxState, error)
	// SearchUIDs returns the UIDs at or above fromUID, optionally restricted
	// to messages on/after since, in ascending order.
	SearchUIDs(ctx context.Context, since time.Time, fromUID uint32) ([]uint32, error)
	FetchRaw(ctx context.Context, uids []uint32) ([]email.RawMessage, error)
	// Idle starts a long-poll wait. New-activity notifications surface on
	// Activity regardless of whether an idle wait is in flight.
	Idle() (IdleHandle, error)
	Activity() <-chan struct{}
	Noop(ctx context.Context) error
	Logout(ctx context.Context) error
	Close() error
}

// Dialer establishes transport-level sessions.
type Dialer interface {
	Dial(ctx context.Context, acct Account) (Session, error)
}

// debugWriter logs IMAP protocol traffic at trace level with credentials
// redacted.
type debugWriter struct {
	log       zerolog.Logger
	sanitized bool
}

func (w *debugWriter) Write(p []byte) (int, error) {
	data := strings.TrimSpace(string(p))
	if strings.Contains(strings.ToUpper(data), "LOGIN") {
		w.log.Trace().Str("imap_data", "[LOGIN command, credentials redacted]").Msg("IMAP protocol exchange")
	} else {
		if w.sanitized {
			data = logging.RedactEmailsIn(data)
		}
		w.log.Trace().Str("imap_data", logging.BoundAndClean(data, 512)).Msg("IMAP protocol exchange")
	}
	return len(p), nil
}

// NetDialer dials real IMAP servers with go-imap's client.
type NetDialer struct {
	Log       zerolog.Logger
	Sanitized bool
}

// Dial opens the transport for the account. Authentication is a separate
// step so the connection manager can report it as its own state.
func (d *NetDialer) Dial(ctx context.Context, acct Account) (Session, error) {
	s := &liveSession{
		account:  acct.Identity,
		activity: make(chan struct{}, 1),
		log:      d.Log.With().Str("component", "session").Str("account", acct.Identity).Logger(),
	}

	opts := &imapclient.Options{
		DebugWriter: &debugWriter{log: s.log, sanitized: d.Sanitized},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages == nil {
					return
				}
				// Coalescing is fine: the sync engine re-derives the fetch
				// range from the mailbox state, never from a count.
				select {
				case s.activity <- struct{}{}:
				default:
				}
			},
		},
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch acct.Security {
	case SecurityStartTLS:
		client, err = imapclient.DialStartTLS(acct.Address(), opts)
	case SecurityNone:
		client, err = imapclient.DialInsecure(acct.Address(), opts)
	default:
		client, err = imapclient.DialTLS(acct.Address(), opts)
	}
	if err != nil {
		return nil, &TransientNetworkError{Op: "dial", Err: err}
	}
	s.client = client
	return s, nil
}

type liveSession struct {
	account  string
	client   *imapclient.Client
	activity chan struct{}
	log      zerolog.Logger
}

func (s *liveSession) Login(ctx context.Context, identity, secret string) error {
	if err := s.client.Login(identity, secret).Wait(); err != nil {
		if reliability.CategorizeError(err) == reliability.ErrorAuthentication {
			return &ConnectError{Account: s.account, Err: err}
		}
		return &TransientNetworkError{Op: "login", Err: err}
	}
	return nil
}

func (s *liveSession) Select(ctx context.Context, mailbox string) (*MailboxState, error) {
	data, err := s.client.Select(mailbox, nil).Wait()
	if err != nil {
		if reliability.CategorizeError(err) == reliability.ErrorPermanent {
			return nil, &MailboxUnavailableError{Mailbox: mailbox, Err: err}
		}
		return nil, &TransientNetworkError{Op: "select", Err: err}
	}
	return &MailboxState{
		Name:        mailbox,
		NumMessages: data.NumMessages,
		UIDNext:     uint32(data.UIDNext),
	}, nil
}

func (s *liveSession) SearchUIDs(ctx context.Context, since time.Time, fromUID uint32) ([]uint32, error) {
	if fromUID == 0 {
		fromUID = 1
	}
	var uidSet goimap.UIDSet
	uidSet.AddRange(goimap.UID(fromUID), 0)
	criteria := &goimap.SearchCriteria{UID: []goimap.UIDSet{uidSet}}
	if !since.IsZero() {
		criteria.Since = since
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &TransientNetworkError{Op: "search", Err: err}
	}

	raw := data.AllUIDs()
	uids := make([]uint32, 0, len(raw))
	for _, uid := range raw {
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (s *liveSession) FetchRaw(ctx context.Context, uids []uint32) ([]email.RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := make(goimap.UIDSet, 0, len(uids))
	for _, uid := range uids {
		set.AddNum(goimap.UID(uid))
	}

	headerSection := &goimap.FetchItemBodySection{Specifier: goimap.PartSpecifierHeader}
	textSection := &goimap.FetchItemBodySection{Specifier: goimap.PartSpecifierText}
	options := &goimap.FetchOptions{
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{headerSection, textSection},
	}

	buffers, err := s.client.Fetch(set, options).Collect()
	if err != nil {
		return nil, &TransientNetworkError{Op: "fetch", Err: err}
	}

	out := make([]email.RawMessage, 0, len(buffers))
	for _, buf := range buffers {
		out = append(out, email.RawMessage{
			UID:    uint32(buf.UID),
			Header: buf.FindBodySection(headerSection),
			Body:   buf.FindBodySection(textSection),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *liveSession) Idle() (IdleHandle, error) {
	cmd, err := s.client.Idle()
	if err != nil {
		return nil, &TransientNetworkError{Op: "idle", Err: err}
	}
	return cmd, nil
}

func (s *liveSession) Activity() <-chan struct{} {
	return s.activity
}

func (s *liveSession) Noop(ctx context.Context) error {
	if err := s.client.Noop().Wait(); err != nil {
		return &TransientNetworkError{Op: "noop", Err: err}
	}
	return nil
}

func (s *liveSession) Logout(ctx context.Context) error {
	return s.client.Logout().Wait()
}

func (s *liveSession) Close() error {
	return s.client.Close()
}

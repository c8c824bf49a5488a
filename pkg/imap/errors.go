package imap

import "fmt"

// ConnectError is a non-retryable credential or configuration failure during
// connect/authenticate. It is surfaced to the supervisor, which marks the
// account unhealthy instead of retrying into a storm.
type ConnectError struct {
	Account string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed for %s: %v", e.Account, e.Err)
}

func (e *ConnectError) Unwrap() error   { return e.Err }
func (e *ConnectError) Retryable() bool { return false }

// TransientNetworkError is a recoverable network-level failure; the
// connection manager reconnects with backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error   { return e.Err }
func (e *TransientNetworkError) Retryable() bool { return true }

// MailboxUnavailableError reports a mailbox that could not be selected. Not
// retryable for that mailbox; the account-level reconnect may still recover
// it if the folder list changes.
type MailboxUnavailableError struct {
	Mailbox string
	Err     error
}

func (e *MailboxUnavailableError) Error() string {
	return fmt.Sprintf("mailbox %q unavailable: %v", e.Mailbox, e.Err)
}

func (e *MailboxUnavailableError) Unwrap() error   { return e.Err }
func (e *MailboxUnavailableError) Retryable() bool { return false }

// FetchError reports a batch fetch that failed after its in-place retry. It
// escalates to the connection manager's error path, which reconnects and
// resumes from the last committed cursor.
type FetchError struct {
	Mailbox string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed in %s: %v", e.Mailbox, e.Err)
}

func (e *FetchError) Unwrap() error   { return e.Err }
func (e *FetchError) Retryable() bool { return true }

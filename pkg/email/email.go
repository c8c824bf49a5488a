package email

import (
	"fmt"
	"time"
)

// Category is the classification label attached to an email by the
// classification capability. Emails enter the pipeline as Uncategorized.
type Category string

const (
	CategoryInterested    Category = "Interested"
	CategoryMeetingBooked Category = "Meeting Booked"
	CategoryNotInterested Category = "Not Interested"
	CategorySpam          Category = "Spam"
	CategoryOutOfOffice   Category = "Out of Office"
	CategoryUncategorized Category = "Uncategorized"
)

// ValidCategory reports whether s is one of the known classification labels.
func ValidCategory(s string) bool {
	switch Category(s) {
	case CategoryInterested, CategoryMeetingBooked, CategoryNotInterested,
		CategorySpam, CategoryOutOfOffice, CategoryUncategorized:
		return true
	}
	return false
}

// RawMessage is the transient fetch artifact handed to the parser: the raw
// header block, the raw body, and the server-assigned UID. It is only valid
// within the fetch operation that produced it.
type RawMessage struct {
	UID    uint32
	Header []byte
	Body   []byte
}

// Email is the canonical message document crossing into the ingestion
// pipeline. Identity fields are immutable once constructed; downstream stages
// attach a category via WithCategory instead of mutating in place.
type Email struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	Mailbox    string    `json:"folder"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Cc         []string  `json:"cc,omitempty"`
	Date       time.Time `json:"date"`
	BodyText   string    `json:"bodyText"`
	BodyHTML   string    `json:"bodyHtml,omitempty"`
	Category   Category  `json:"category"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// NaturalKey returns the stable identity of the email across re-delivery:
// (accountId, mailbox, server-assigned id).
func (e *Email) NaturalKey() string {
	return fmt.Sprintf("%s:%s:%s", e.AccountID, e.Mailbox, e.ID)
}

// WithCategory returns a copy of the email with the given category attached.
// The receiver is left untouched.
func (e *Email) WithCategory(c Category) *Email {
	out := *e
	out.Category = c
	return &out
}

// ParseError reports a per-message parse failure. The message is dropped and
// processing continues; it never escalates to a reconnect.
type ParseError struct {
	UID    uint32
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed for uid %d: %s", e.UID, e.Reason)
}

package email

import (
	"bytes"
	"io"
	"mime"
	"net/mail"
	"strconv"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// Parser converts raw protocol artifacts into canonical Email entities.
// It performs no I/O and keeps no state between calls; the clock is injected
// so construction timestamps are testable.
type Parser struct {
	now func() time.Time
}

// NewParser returns a parser using the wall clock.
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// NewParserWithClock returns a parser with an injected clock.
func NewParserWithClock(now func() time.Time) *Parser {
	return &Parser{now: now}
}

// Parse assembles one Email from a fetched raw message. Header continuation
// lines are unfolded, keys are matched case-insensitively and the first
// occurrence wins for singular fields. Missing subject and from default to
// empty strings and a missing date defaults to the current time, but a
// message missing both subject and from is malformed and returns a
// *ParseError so the caller can drop it.
func (p *Parser) Parse(accountID, mailbox string, raw RawMessage) (*Email, error) {
	em := &Email{
		ID:         strconv.FormatUint(uint64(raw.UID), 10),
		AccountID:  accountID,
		Mailbox:    mailbox,
		Date:       p.now(),
		Category:   CategoryUncategorized,
		IngestedAt: p.now(),
	}

	full := joinHeaderAndBody(raw.Header, raw.Body)

	msg, err := mail.ReadMessage(bytes.NewReader(full))
	if err != nil {
		return nil, &ParseError{UID: raw.UID, Reason: "unreadable header block: " + err.Error()}
	}
	p.fillFromHeader(em, msg.Header)

	p.fillBodies(em, full, raw.Body)

	if strings.TrimSpace(em.Subject) == "" && strings.TrimSpace(em.From) == "" {
		return nil, &ParseError{UID: raw.UID, Reason: "missing both subject and from"}
	}
	return em, nil
}

func (p *Parser) fillFromHeader(em *Email, h mail.Header) {
	em.Subject = decodeWords(strings.TrimSpace(h.Get("Subject")))
	em.From = firstAddress(h.Get("From"))
	em.To = addressList(h.Get("To"))
	em.Cc = addressList(h.Get("Cc"))
	if date, err := h.Date(); err == nil && !date.IsZero() {
		em.Date = date
	}
}

// fillBodies extracts text and HTML content. The full message goes through
// go-message so multipart structure and transfer encodings are handled; if
// that fails the raw body is kept as plain text.
func (p *Parser) fillBodies(em *Email, full, rawBody []byte) {
	mr, err := gomail.CreateReader(bytes.NewReader(full))
	if err != nil || mr == nil {
		em.BodyText = string(rawBody)
		return
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			if em.BodyText == "" {
				em.BodyText = string(body)
			}
		case strings.HasPrefix(contentType, "text/html"):
			if em.BodyHTML == "" {
				em.BodyHTML = string(body)
			}
		}
		if em.BodyText != "" && em.BodyHTML != "" {
			break
		}
	}

	if em.BodyText == "" && em.BodyHTML == "" {
		em.BodyText = string(rawBody)
	}
}

// joinHeaderAndBody reassembles the fetched header block and body into one
// RFC 5322 message, inserting the blank separator line if the server did not
// include it in the header section.
func joinHeaderAndBody(header, body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(header) + len(body) + 4)
	buf.Write(header)
	if !bytes.HasSuffix(header, []byte("\r\n\r\n")) && !bytes.HasSuffix(header, []byte("\n\n")) {
		if !bytes.HasSuffix(header, []byte("\r\n")) && !bytes.HasSuffix(header, []byte("\n")) {
			buf.WriteString("\r\n")
		}
		buf.WriteString("\r\n")
	}
	buf.Write(body)
	return buf.Bytes()
}

// firstAddress formats the first mailbox of an address header, keeping the
// display name when present. Unparseable values are passed through verbatim.
func firstAddress(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	addrs, err := mail.ParseAddressList(v)
	if err != nil || len(addrs) == 0 {
		return decodeWords(v)
	}
	return formatAddress(addrs[0])
}

func addressList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(v)
	if err != nil || len(addrs) == 0 {
		return splitAddressHeader(v)
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, formatAddress(a))
	}
	return out
}

func formatAddress(a *mail.Address) string {
	if a == nil {
		return ""
	}
	if a.Name == "" {
		return a.Address
	}
	return a.String()
}

func splitAddressHeader(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var wordDecoder = mime.WordDecoder{}

// decodeWords decodes RFC 2047 encoded words, returning the input unchanged
// when decoding fails.
func decodeWords(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

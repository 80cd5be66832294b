package sink

import (
	"bytes"
	"time"

	"github.com/emersion/go-message/mail"
)

// headerSummary is the slice of a message's headers worth indexing.
type headerSummary struct {
	subject string
	sender  string
	sentAt  *time.Time
}

// summarizeHeaders parses a raw RFC 5322 message and extracts the subject,
// sender, and date for the message index. The payload is archived verbatim
// either way; a message whose headers cannot be parsed simply gets an empty
// summary.
func summarizeHeaders(raw []byte) headerSummary {
	var sum headerSummary

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return sum
	}
	defer mr.Close()

	h := mr.Header
	if subject, err := h.Subject(); err == nil {
		sum.subject = subject
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		if from[0].Name != "" {
			sum.sender = from[0].Name
		} else {
			sum.sender = from[0].Address
		}
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		sum.sentAt = &date
	}

	return sum
}

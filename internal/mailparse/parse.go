// Package mailparse extracts listing metadata and rendered details from raw
// RFC 5322 messages.
package mailparse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

var ErrMalformed = errors.New("malformed message")

// Envelope is the metadata kept next to the raw bytes for listings.
// MessageID is returned as found in the header, delimiters included.
type Envelope struct {
	MessageID string
	Subject   string
	Date      time.Time
	Recipient string
}

type Parser struct {
	// Domain is used for generated ids of messages without a Message-ID.
	Domain string
	Now    func() time.Time
}

func (p Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p Parser) Parse(raw []byte) (Envelope, error) {
	header, err := readHeader(raw)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		MessageID: strings.TrimSpace(header.Get("Message-Id")),
		Subject:   header.Get("Subject"),
		Recipient: header.Get("To"),
	}
	if env.MessageID == "" {
		domain := p.Domain
		if domain == "" {
			domain = "smtpbox"
		}
		env.MessageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
	}
	if subject, err := header.Subject(); err == nil {
		env.Subject = subject
	}
	if list, err := header.AddressList("To"); err == nil && len(list) > 0 {
		env.Recipient = formatAddresses(list)
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		env.Date = date
	} else {
		env.Date = p.now()
	}
	return env, nil
}

func readHeader(raw []byte) (mail.Header, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return mail.Header{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return mail.Header{Header: message.Header{Header: h}}, nil
}

func formatAddresses(list []*mail.Address) string {
	parts := make([]string, 0, len(list))
	for _, addr := range list {
		if addr.Name == "" {
			parts = append(parts, addr.Address)
			continue
		}
		parts = append(parts, addr.String())
	}
	return strings.Join(parts, ", ")
}

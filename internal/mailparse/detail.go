package mailparse

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Detail is a rendered view of a raw message for the read API.
type Detail struct {
	MessageID   string       `json:"messageId"`
	From        []string     `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc"`
	ReplyTo     []string     `json:"replyTo"`
	Subject     string       `json:"subject"`
	Date        time.Time    `json:"date"`
	Text        string       `json:"text"`
	HTML        string       `json:"html"`
	Attachments []Attachment `json:"attachments"`
	Raw         string       `json:"raw"`
}

// ParseDetail walks every part of raw. Parts in an unknown charset keep their
// raw bytes, parts in an unknown transfer encoding are skipped and a
// malformed header is an error.
func ParseDetail(raw []byte) (Detail, error) {
	detail := Detail{
		From:        []string{},
		To:          []string{},
		Cc:          []string{},
		ReplyTo:     []string{},
		Attachments: []Attachment{},
		Raw:         string(raw),
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return detail, errors.Join(ErrMalformed, err)
	}
	if reader == nil {
		return detail, ErrMalformed
	}
	defer reader.Close()

	header := reader.Header
	detail.MessageID = strings.Trim(strings.TrimSpace(header.Get("Message-Id")), "<>")
	if subject, err := header.Subject(); err == nil {
		detail.Subject = subject
	} else {
		detail.Subject = header.Get("Subject")
	}
	if date, err := header.Date(); err == nil {
		detail.Date = date
	}

	addresses := func(name string) []string {
		result := []string{}
		if list, err := header.AddressList(name); err == nil {
			for _, addr := range list {
				result = append(result, addr.String())
			}
		}
		return result
	}
	detail.From = addresses("From")
	detail.To = addresses("To")
	detail.Cc = addresses("Cc")
	detail.ReplyTo = addresses("Reply-To")

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && part == nil {
			if message.IsUnknownEncoding(err) {
				continue
			}
			break
		}
		// A part in an unknown charset comes back with its body undecoded.

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
				detail.Text = appendBody(detail.Text, body)
			case strings.HasPrefix(mediaType, "text/html"):
				detail.HTML = appendBody(detail.HTML, body)
			default:
				detail.Attachments = append(detail.Attachments, Attachment{
					Filename:    "inline",
					ContentType: mediaType,
					Size:        int64(len(body)),
				})
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			contentType, _, _ := h.ContentType()
			size, err := io.Copy(io.Discard, part.Body)
			if err != nil {
				continue
			}
			detail.Attachments = append(detail.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        size,
			})
		}
	}
	return detail, nil
}

func appendBody(current string, body []byte) string {
	if current == "" {
		return string(body)
	}
	return current + "\n" + string(body)
}

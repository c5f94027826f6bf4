package mailparse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMessage = "From: \"Test @ Example.com\" <test@example.com>\r\n" +
	"To: test2@example.com, \"Four\" <test4@example.com>\r\n" +
	"Cc: test3@example.com\r\n" +
	"Reply-To: no-reply@example.com\r\n" +
	"Subject: =?utf-8?q?Caf=C3=A9?= report\r\n" +
	"Date: Mon, 19 Oct 2026 10:00:00 +0000\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<h1>html body</h1>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Disposition: attachment; filename=\"panda.jpg\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"cGFuZGE=\r\n" +
	"--outer--\r\n"

func TestParseEnvelope(t *testing.T) {
	env, err := Parser{}.Parse([]byte(sampleMessage))
	require.NoError(t, err)

	assert.Equal(t, "<abc123@example.com>", env.MessageID)
	assert.Equal(t, "Café report", env.Subject)
	assert.Equal(t, `test2@example.com, "Four" <test4@example.com>`, env.Recipient)
	assert.True(t, env.Date.Equal(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)))
}

func TestParseFallbacks(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	parser := Parser{Domain: "catcher.local", Now: func() time.Time { return now }}

	env, err := parser.Parse([]byte("Subject: bare\r\nTo: not an address\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(env.MessageID, "<"))
	assert.True(t, strings.HasSuffix(env.MessageID, "@catcher.local>"))
	assert.Equal(t, "bare", env.Subject)
	assert.Equal(t, "not an address", env.Recipient)
	assert.Equal(t, now, env.Date)
}

func TestParseMalformedHeader(t *testing.T) {
	_, err := Parser{}.Parse([]byte("this line has no colon\r\n\r\nbody\r\n"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseDetail(t *testing.T) {
	detail, err := ParseDetail([]byte(sampleMessage))
	require.NoError(t, err)

	assert.Equal(t, "abc123@example.com", detail.MessageID)
	assert.Equal(t, "Café report", detail.Subject)
	assert.Len(t, detail.From, 1)
	assert.Len(t, detail.To, 2)
	assert.Len(t, detail.Cc, 1)
	assert.Len(t, detail.ReplyTo, 1)
	assert.Contains(t, detail.Text, "plain body")
	assert.Contains(t, detail.HTML, "<h1>html body</h1>")
	require.Len(t, detail.Attachments, 1)
	assert.Equal(t, "panda.jpg", detail.Attachments[0].Filename)
	assert.Equal(t, "image/jpeg", detail.Attachments[0].ContentType)
	assert.Equal(t, int64(5), detail.Attachments[0].Size)
	assert.Equal(t, sampleMessage, detail.Raw)
}

func TestParseDetailKeepsPartInUnknownCharset(t *testing.T) {
	raw := "Message-ID: <bogus@example.com>\r\n" +
		"Subject: bogus charset\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=b1\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain; charset=x-bogus\r\n" +
		"\r\n" +
		"still readable\r\n" +
		"--b1\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html</p>\r\n" +
		"--b1--\r\n"

	detail, err := ParseDetail([]byte(raw))
	require.NoError(t, err)
	assert.Contains(t, detail.Text, "still readable")
	assert.Contains(t, detail.HTML, "<p>html</p>")
}

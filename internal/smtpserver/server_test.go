package smtpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/smtpbox/internal/auth"
	"github.io/infrasutra/smtpbox/internal/config"
	"github.io/infrasutra/smtpbox/internal/ingest"
	"github.io/infrasutra/smtpbox/internal/mailparse"
	"github.io/infrasutra/smtpbox/internal/metrics"
	"github.io/infrasutra/smtpbox/internal/store"
)

const message = "Message-ID: <hello-1@example.com>\r\n" +
	"Subject: hello\r\n" +
	"To: rcpt@example.com\r\n" +
	"Date: Mon, 19 Oct 2026 10:00:00 +0000\r\n" +
	"\r\n" +
	"body\r\n"

type brokenStore struct {
	store.Store
}

func (brokenStore) Insert(context.Context, store.Message) error {
	return fmt.Errorf("%w: insert: connection refused", store.ErrUnavailable)
}

type misconfigured struct{}

func (misconfigured) Authenticate(context.Context, auth.Credentials) (string, error) {
	return "", fmt.Errorf("%w: service bind rejected", auth.ErrConfiguration)
}
func (misconfigured) Required() bool { return true }
func (misconfigured) Mode() string   { return config.AuthDirectory }

func testSMTPConfig() config.SMTP {
	return config.SMTP{
		Domain:            "smtpbox.test",
		MaxMessageBytes:   1 << 20,
		MaxRecipients:     10,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		AllowInsecureAuth: true,
	}
}

// startServer serves on a loopback listener and returns its address.
func startServer(t *testing.T, authenticator auth.Authenticator, st store.Store) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipeline := ingest.New(st, mailparse.Parser{Domain: "smtpbox.test"}, logger)
	srv := New(testSMTPConfig(), authenticator, pipeline, logger)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = srv.Serve(l)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
	})
	return l.Addr().String()
}

func dial(t *testing.T, addr string) *smtp.Client {
	t.Helper()
	c, err := smtp.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	require.NoError(t, c.Hello("client.test"))
	return c
}

func plainAuth(user, pass string) smtp.Auth {
	return smtp.PlainAuth("", user, pass, "127.0.0.1")
}

func send(c *smtp.Client, body string) error {
	if err := c.Mail("sender@example.com"); err != nil {
		return err
	}
	if err := c.Rcpt("rcpt@example.com"); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func replyCode(t *testing.T, err error) int {
	t.Helper()
	var protoErr *textproto.Error
	require.True(t, errors.As(err, &protoErr), "expected an SMTP reply error, got %v", err)
	return protoErr.Code
}

func staticAuth(t *testing.T) auth.Authenticator {
	t.Helper()
	a, err := auth.NewStatic([]string{"alice:secret", "bob:hunter2"})
	require.NoError(t, err)
	return a
}

func TestAuthenticatedMessageIsStoredForIdentity(t *testing.T) {
	st := store.NewMemory(store.Options{})
	addr := startServer(t, staticAuth(t), st)

	c := dial(t, addr)
	require.NoError(t, c.Auth(plainAuth("alice", "secret")))
	require.NoError(t, send(c, message))
	require.NoError(t, c.Quit())

	ctx := context.Background()
	list, err := st.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hello-1@example.com", list[0].MessageID)
	assert.Equal(t, "hello", list[0].Subject)

	others, err := st.ListForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestWrongPasswordIsRejected(t *testing.T) {
	addr := startServer(t, staticAuth(t), store.NewMemory(store.Options{}))
	failures := metrics.AuthAttempts.WithLabelValues(config.AuthStatic, metrics.ResultFailure)
	before := testutil.ToFloat64(failures)

	c := dial(t, addr)
	err := c.Auth(plainAuth("alice", "wrong"))
	require.Error(t, err)
	assert.Equal(t, 535, replyCode(t, err))
	assert.Equal(t, before+1, testutil.ToFloat64(failures))
}

func TestMailBeforeAuthIsRejected(t *testing.T) {
	st := store.NewMemory(store.Options{})
	addr := startServer(t, staticAuth(t), st)

	c := dial(t, addr)
	err := c.Mail("sender@example.com")
	require.Error(t, err)
	assert.Equal(t, 530, replyCode(t, err))
	assert.Equal(t, 0, st.Len())
}

func TestNoneModeStoresUnderAnonymous(t *testing.T) {
	st := store.NewMemory(store.Options{})
	addr := startServer(t, auth.None{}, st)

	c := dial(t, addr)
	require.NoError(t, send(c, message))

	// A client that authenticates anyway still lands in the shared mailbox.
	c2 := dial(t, addr)
	require.NoError(t, c2.Auth(plainAuth("someone", "anything")))
	require.NoError(t, send(c2, message))

	users, err := st.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{auth.Anonymous}, users)
	assert.Equal(t, 1, st.Len())
}

func TestConfigurationErrorIsTemporary(t *testing.T) {
	addr := startServer(t, misconfigured{}, store.NewMemory(store.Options{}))

	c := dial(t, addr)
	err := c.Auth(plainAuth("alice", "secret"))
	require.Error(t, err)
	assert.Equal(t, 454, replyCode(t, err))
}

func TestUnparsableMessageIsRejected(t *testing.T) {
	st := store.NewMemory(store.Options{})
	addr := startServer(t, auth.None{}, st)

	c := dial(t, addr)
	err := send(c, "this header line has no colon\r\n\r\nbody\r\n")
	require.Error(t, err)
	assert.Equal(t, 554, replyCode(t, err))
	assert.Equal(t, 0, st.Len())

	// The session survives the failed transaction.
	require.NoError(t, send(c, message))
	assert.Equal(t, 1, st.Len())
}

func TestStoreOutageIsTemporary(t *testing.T) {
	addr := startServer(t, auth.None{}, brokenStore{})

	c := dial(t, addr)
	err := send(c, message)
	require.Error(t, err)
	assert.Equal(t, 451, replyCode(t, err))
}

func TestAbortedTransferHidesCause(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory(store.Options{})
	b := &backend{
		auth:     auth.None{},
		pipeline: ingest.New(st, mailparse.Parser{}, logger),
		logger:   logger,
	}
	s := &session{
		backend:  b,
		id:       "test",
		ctx:      context.Background(),
		cancel:   func() {},
		logger:   logger,
		identity: auth.Anonymous,
	}

	r := io.MultiReader(strings.NewReader(message[:20]), iotest.ErrReader(errors.New("connection reset by peer")))
	err := s.Data(r)

	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 451, smtpErr.Code)
	assert.NotContains(t, smtpErr.Message, "connection reset")
	assert.NotContains(t, smtpErr.Message, "ingest")
	assert.Equal(t, 0, st.Len())
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/smtpbox/internal/config"
	"github.io/infrasutra/smtpbox/internal/directory"
)

type fakeDirectory struct {
	calls int
	err   error
}

func (d *fakeDirectory) Authenticate(_ context.Context, username, password string) error {
	d.calls++
	if d.err != nil {
		return d.err
	}
	if username == "alice" && password == "secret" {
		return nil
	}
	return directory.ErrAuthFailed
}

func TestNoneAcceptsAnything(t *testing.T) {
	a, err := New(config.Auth{Mode: config.AuthNone}, nil)
	require.NoError(t, err)

	identity, err := a.Authenticate(context.Background(), Credentials{Username: "x", Password: "y"})
	require.NoError(t, err)
	assert.Equal(t, Anonymous, identity)
	assert.False(t, a.Required())
	assert.Equal(t, "none", a.Mode())
}

func TestStatic(t *testing.T) {
	a, err := New(config.Auth{Mode: config.AuthStatic, Users: []string{"user01:pass01", " alice:secret "}}, nil)
	require.NoError(t, err)
	assert.True(t, a.Required())

	tests := []struct {
		name     string
		creds    Credentials
		identity string
		err      error
	}{
		{name: "listed pair", creds: Credentials{"alice", "secret"}, identity: "alice"},
		{name: "other listed pair", creds: Credentials{"user01", "pass01"}, identity: "user01"},
		{name: "wrong password", creds: Credentials{"alice", "wrong"}, err: ErrAuthFailed},
		{name: "crossed pair", creds: Credentials{"alice", "pass01"}, err: ErrAuthFailed},
		{name: "unknown user", creds: Credentials{"mallory", "secret"}, err: ErrAuthFailed},
		{name: "empty username", creds: Credentials{"", "secret"}, err: ErrAuthFailed},
		{name: "split elsewhere", creds: Credentials{"ali", "ce:secret"}, err: ErrAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := a.Authenticate(context.Background(), tt.creds)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Empty(t, identity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.identity, identity)
		})
	}
}

func TestStaticConfiguration(t *testing.T) {
	_, err := New(config.Auth{Mode: config.AuthStatic}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewStatic([]string{"nopassword"})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDirectory(t *testing.T) {
	dir := &fakeDirectory{}
	a, err := New(config.Auth{Mode: config.AuthDirectory}, dir)
	require.NoError(t, err)
	assert.True(t, a.Required())
	ctx := context.Background()

	identity, err := a.Authenticate(ctx, Credentials{"alice", "secret"})
	require.NoError(t, err)
	assert.Equal(t, "alice", identity)

	_, err = a.Authenticate(ctx, Credentials{"alice", "wrong"})
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.NotErrorIs(t, err, ErrConfiguration)
}

func TestDirectoryRejectsEmptyPasswordWithoutLookup(t *testing.T) {
	dir := &fakeDirectory{}
	a, err := New(config.Auth{Mode: config.AuthDirectory}, dir)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), Credentials{"alice", ""})
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, 0, dir.calls)
}

func TestDirectoryConfigurationErrors(t *testing.T) {
	for _, cause := range []error{
		fmt.Errorf("%w: invalid credentials", directory.ErrServiceBind),
		fmt.Errorf("%w: dial: %w", directory.ErrUnavailable, errors.New("connection refused")),
	} {
		a, err := New(config.Auth{Mode: config.AuthDirectory}, &fakeDirectory{err: cause})
		require.NoError(t, err)

		_, err = a.Authenticate(context.Background(), Credentials{"alice", "secret"})
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.NotErrorIs(t, err, ErrAuthFailed)
	}
}

func TestNewRejectsBrokenSetup(t *testing.T) {
	_, err := New(config.Auth{Mode: config.AuthDirectory}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = New(config.Auth{Mode: "kerberos"}, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

// Package auth decides whether SMTP credentials are accepted and which
// mailbox identity they map to.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.io/infrasutra/smtpbox/internal/config"
	"github.io/infrasutra/smtpbox/internal/directory"
)

// Anonymous is the identity of every session when authentication is off.
const Anonymous = "anonymous"

var (
	// ErrAuthFailed carries no detail about which part of the credentials
	// was wrong.
	ErrAuthFailed    = errors.New("authentication failed")
	ErrConfiguration = errors.New("authentication misconfigured")
)

type Credentials struct {
	Username string
	Password string
}

type Authenticator interface {
	// Authenticate returns the mailbox identity for creds.
	Authenticate(ctx context.Context, creds Credentials) (string, error)
	// Required reports whether a session must authenticate before MAIL.
	Required() bool
	Mode() string
}

// DirectoryClient is satisfied by *directory.Client.
type DirectoryClient interface {
	Authenticate(ctx context.Context, username, password string) error
}

// New selects the strategy for cfg.Mode. dir is only used in directory mode.
func New(cfg config.Auth, dir DirectoryClient) (Authenticator, error) {
	switch cfg.Mode {
	case config.AuthNone, "":
		return None{}, nil
	case config.AuthStatic:
		return NewStatic(cfg.Users)
	case config.AuthDirectory:
		if dir == nil {
			return nil, fmt.Errorf("%w: directory mode without a directory client", ErrConfiguration)
		}
		return Directory{client: dir}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrConfiguration, cfg.Mode)
	}
}

type None struct{}

func (None) Authenticate(context.Context, Credentials) (string, error) {
	return Anonymous, nil
}

func (None) Required() bool { return false }
func (None) Mode() string   { return config.AuthNone }

// Static accepts exactly the user:password pairs it was built with.
type Static struct {
	allowed map[string]struct{}
}

func NewStatic(users []string) (*Static, error) {
	allowed := make(map[string]struct{}, len(users))
	for _, entry := range users {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, ":") {
			return nil, fmt.Errorf("%w: static user entry %q has no password", ErrConfiguration, entry)
		}
		allowed[entry] = struct{}{}
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: static mode without users", ErrConfiguration)
	}
	return &Static{allowed: allowed}, nil
}

func (s *Static) Authenticate(_ context.Context, creds Credentials) (string, error) {
	if creds.Username == "" {
		return "", ErrAuthFailed
	}
	if _, ok := s.allowed[creds.Username+":"+creds.Password]; !ok {
		return "", ErrAuthFailed
	}
	return creds.Username, nil
}

func (*Static) Required() bool { return true }
func (*Static) Mode() string   { return config.AuthStatic }

type Directory struct {
	client DirectoryClient
}

func (d Directory) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	// An empty password would turn the user bind into an unauthenticated
	// bind, which most servers accept.
	if creds.Username == "" || creds.Password == "" {
		return "", ErrAuthFailed
	}
	err := d.client.Authenticate(ctx, creds.Username, creds.Password)
	switch {
	case err == nil:
		return creds.Username, nil
	case errors.Is(err, directory.ErrAuthFailed):
		return "", ErrAuthFailed
	default:
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
}

func (Directory) Required() bool { return true }
func (Directory) Mode() string   { return config.AuthDirectory }

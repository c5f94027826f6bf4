// Package directory validates credentials against an LDAP server with a
// search-then-bind handshake.
//
// A Client owns one long-lived service connection used for searches. It is
// opened with Open, closed with Close, and redialed lazily when it was never
// opened or was dropped after a network error. A service bind the server
// rejects is remembered: every later call fails with ErrServiceBind without
// dialing again, until the process is restarted with fixed settings.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.io/infrasutra/smtpbox/internal/config"
)

var (
	ErrAuthFailed  = errors.New("directory: authentication failed")
	ErrUnavailable = errors.New("directory: server unavailable")
	ErrServiceBind = errors.New("directory: service bind rejected")
)

// Conn is the part of *ldap.Conn the client uses.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Unbind() error
}

type Dialer func(ctx context.Context) (Conn, error)

// DialURL dials url with timeout applied to the connection and every request.
func DialURL(url string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := ldap.DialURL(url, ldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
		if err != nil {
			return nil, err
		}
		conn.SetTimeout(timeout)
		return conn, nil
	}
}

type Client struct {
	cfg    config.Directory
	scope  int
	dial   Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    Conn
	bindErr error
}

func New(cfg config.Directory, dial Dialer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = DialURL(cfg.URL(), cfg.Timeout)
	}
	return &Client{
		cfg:    cfg,
		scope:  searchScope(cfg.SearchScope),
		dial:   dial,
		logger: logger,
	}
}

func searchScope(scope string) int {
	switch scope {
	case "base":
		return ldap.ScopeBaseObject
	case "one":
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

// Open dials and binds the service connection.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connectLocked(ctx)
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Unbind()
	c.conn = nil
	return err
}

func (c *Client) connectLocked(ctx context.Context) (Conn, error) {
	if c.bindErr != nil {
		return nil, c.bindErr
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("dial directory", "url", c.cfg.URL(), "error", err)
		return nil, fmt.Errorf("%w: dial: %w", ErrUnavailable, err)
	}
	// Without a bind DN the connection stays anonymous.
	if c.cfg.BindDN != "" {
		if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
			_ = conn.Unbind()
			if isNetworkError(err) {
				return nil, fmt.Errorf("%w: service bind: %w", ErrUnavailable, err)
			}
			c.bindErr = fmt.Errorf("%w: %w", ErrServiceBind, err)
			c.logger.Error("directory service bind rejected", "bindDn", c.cfg.BindDN, "error", err)
			return nil, c.bindErr
		}
	}
	c.conn = conn
	c.logger.Info("directory connection ready", "url", c.cfg.URL())
	return conn, nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Unbind()
		c.conn = nil
	}
}

// Authenticate finds the single entry whose id attribute equals username and
// binds as it with password on a short-lived connection. Every failure of
// the user's own credentials is ErrAuthFailed.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	dn, err := c.lookup(ctx, username)
	if err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial: %w", ErrUnavailable, err)
	}
	defer conn.Unbind()

	if err := conn.Bind(dn, password); err != nil {
		c.logger.Debug("directory user bind failed", "username", username, "error", err)
		return ErrAuthFailed
	}
	return nil
}

func (c *Client) lookup(ctx context.Context, username string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.searchRequest(username)
	for attempt := 0; ; attempt++ {
		conn, err := c.connectLocked(ctx)
		if err != nil {
			return "", err
		}
		result, err := conn.Search(req)
		if err != nil {
			if isNetworkError(err) {
				c.dropLocked()
				if attempt == 0 {
					c.logger.Warn("directory connection lost, reconnecting", "error", err)
					continue
				}
			}
			c.logger.Debug("directory search failed", "username", username, "error", err)
			return "", ErrAuthFailed
		}
		if len(result.Entries) != 1 {
			c.logger.Debug("directory search matched unexpected entries", "username", username, "entries", len(result.Entries))
			return "", ErrAuthFailed
		}
		return result.Entries[0].DN, nil
	}
}

func (c *Client) searchRequest(username string) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		c.cfg.SearchBase,
		c.scope,
		ldap.NeverDerefAliases,
		2,
		0,
		false,
		fmt.Sprintf("(%s=%s)", ldap.EscapeFilter(c.cfg.UserIDAttr), ldap.EscapeFilter(username)),
		[]string{"dn", c.cfg.UserIDAttr},
		nil,
	)
}

func isNetworkError(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.ErrorNetwork)
}

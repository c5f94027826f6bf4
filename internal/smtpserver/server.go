// Package smtpserver adapts go-smtp sessions to the authentication
// dispatcher and the ingestion pipeline.
package smtpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.io/infrasutra/smtpbox/internal/auth"
	"github.io/infrasutra/smtpbox/internal/config"
	"github.io/infrasutra/smtpbox/internal/ingest"
	"github.io/infrasutra/smtpbox/internal/metrics"
	"github.io/infrasutra/smtpbox/internal/store"
)

var (
	errAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errAuthUnavailable = &smtp.SMTPError{
		Code:         454,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Temporary authentication failure",
	}
	errMessageInvalid = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be parsed",
	}
	errTransferAborted = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 4, 2},
		Message:      "Message transfer aborted",
	}
	errStoreUnavailable = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Mailbox temporarily unavailable, try again later",
	}
)

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(cfg config.SMTP, authenticator auth.Authenticator, pipeline *ingest.Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	backend := &backend{
		auth:     authenticator,
		pipeline: pipeline,
		logger:   logger,
	}
	server := smtp.NewServer(backend)
	server.Addr = cfg.Addr
	server.Domain = cfg.Domain
	server.AllowInsecureAuth = cfg.AllowInsecureAuth
	server.ReadTimeout = cfg.ReadTimeout
	server.WriteTimeout = cfg.WriteTimeout
	server.MaxRecipients = cfg.MaxRecipients
	server.MaxMessageBytes = cfg.MaxMessageBytes
	server.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

// Serve accepts sessions on l until the server is closed.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp server listening", "addr", l.Addr().String())
	return s.smtp.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.smtp.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	auth     auth.Authenticator
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	id := uuid.NewString()
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		backend: b,
		id:      id,
		remote:  remote,
		ctx:     ctx,
		cancel:  cancel,
		logger:  b.logger.With("session", id, "remote", remote),
	}
	if !b.auth.Required() {
		s.identity = auth.Anonymous
	}

	metrics.Sessions.Inc()
	metrics.ActiveSessions.Inc()
	s.logger.Debug("smtp session opened")
	return s, nil
}

type session struct {
	backend  *backend
	id       string
	remote   string
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	identity string
	from     string
	to       []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		return s.authenticate(username, password)
	}), nil
}

func (s *session) authenticate(username, password string) error {
	mode := s.backend.auth.Mode()
	identity, err := s.backend.auth.Authenticate(s.ctx, auth.Credentials{Username: username, Password: password})
	switch {
	case err == nil:
		// Without authentication every session shares one mailbox.
		if s.backend.auth.Required() {
			s.identity = identity
		}
		metrics.AuthAttempts.WithLabelValues(mode, metrics.ResultSuccess).Inc()
		s.logger.Info("smtp auth accepted", "username", username, "mode", mode)
		return nil
	case errors.Is(err, auth.ErrAuthFailed):
		metrics.AuthAttempts.WithLabelValues(mode, metrics.ResultFailure).Inc()
		s.logger.Warn("smtp auth rejected", "username", username, "mode", mode)
		return errAuthFailed
	default:
		metrics.AuthAttempts.WithLabelValues(mode, metrics.ResultConfigError).Inc()
		s.logger.Error("smtp auth unavailable", "username", username, "mode", mode, "error", err)
		return errAuthUnavailable
	}
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.identity == "" {
		return smtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.identity == "" {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.identity == "" {
		return smtp.ErrAuthRequired
	}
	msg, err := s.backend.pipeline.Ingest(s.ctx, s.identity, r, "session", s.id, "remote", s.remote, "from", s.from, "rcpt", len(s.to))
	if err == nil {
		metrics.Messages.WithLabelValues(metrics.ResultStored).Inc()
		metrics.MessageBytes.Observe(float64(len(msg.Raw)))
		return nil
	}

	switch {
	case errors.Is(err, ingest.ErrAborted):
		metrics.Messages.WithLabelValues(metrics.ResultAborted).Inc()
		if errors.Is(err, smtp.ErrDataTooLarge) {
			return smtp.ErrDataTooLarge
		}
		s.logger.Warn("message transfer aborted", "error", err)
		return errTransferAborted
	case errors.Is(err, ingest.ErrParse):
		metrics.Messages.WithLabelValues(metrics.ResultParseError).Inc()
		return errMessageInvalid
	default:
		metrics.Messages.WithLabelValues(metrics.ResultStoreError).Inc()
		if !errors.Is(err, store.ErrUnavailable) {
			s.logger.Error("unexpected ingest failure", "error", err)
		}
		return errStoreUnavailable
	}
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	s.cancel()
	metrics.ActiveSessions.Dec()
	s.logger.Debug("smtp session closed")
	return nil
}

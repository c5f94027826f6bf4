// Package ingest turns a DATA stream into exactly one stored message.
//
// An Intake moves Accumulating -> Parsing -> Stored. A stream error, a parse
// failure or a store failure moves it to Failed instead, and nothing is
// stored. Every state other than Accumulating is terminal for writes.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.io/infrasutra/smtpbox/internal/mailparse"
	"github.io/infrasutra/smtpbox/internal/store"
)

var (
	ErrParse        = errors.New("ingest: message could not be parsed")
	ErrInvalidState = errors.New("ingest: invalid state transition")
	ErrAborted      = errors.New("ingest: stream aborted")
)

type State int

const (
	Accumulating State = iota
	Parsing
	Stored
	Failed
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Parsing:
		return "parsing"
	case Stored:
		return "stored"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Parser interface {
	Parse(raw []byte) (mailparse.Envelope, error)
}

// Notifier is told about every stored message.
type Notifier interface {
	Notify(summary store.Summary)
}

type Pipeline struct {
	store    store.Store
	parser   Parser
	notifier Notifier
	logger   *slog.Logger
}

type Option func(*Pipeline)

func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

func New(st store.Store, parser Parser, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{store: st, parser: parser, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Intake buffers one message. It is not safe for concurrent use; each SMTP
// session owns its own.
type Intake struct {
	pipeline *Pipeline
	user     string
	logger   *slog.Logger
	state    State
	buf      bytes.Buffer
	err      error
}

// Begin starts an intake for user. logAttrs are added to every log line.
func (p *Pipeline) Begin(user string, logAttrs ...any) *Intake {
	return &Intake{
		pipeline: p,
		user:     user,
		logger:   p.logger.With(logAttrs...),
		state:    Accumulating,
	}
}

func (in *Intake) State() State {
	return in.state
}

// Err is the cause of the failure once the intake is Failed.
func (in *Intake) Err() error {
	return in.err
}

func (in *Intake) Write(chunk []byte) (int, error) {
	if in.state != Accumulating {
		return 0, fmt.Errorf("%w: write while %s", ErrInvalidState, in.state)
	}
	return in.buf.Write(chunk)
}

// Abort discards the buffer. It is a no-op once the intake left Accumulating.
func (in *Intake) Abort(cause error) {
	if in.state != Accumulating {
		return
	}
	in.fail(fmt.Errorf("%w: %w", ErrAborted, cause))
	in.logger.Warn("message stream aborted", "user", in.user, "error", cause)
}

func (in *Intake) fail(err error) {
	in.state = Failed
	in.err = err
	in.buf = bytes.Buffer{}
}

// Finish parses the buffered bytes and stores the message. It runs at most
// once per intake.
func (in *Intake) Finish(ctx context.Context) (store.Message, error) {
	if in.state != Accumulating {
		return store.Message{}, fmt.Errorf("%w: finish while %s", ErrInvalidState, in.state)
	}
	in.state = Parsing
	raw := bytes.Clone(in.buf.Bytes())
	in.buf = bytes.Buffer{}

	env, err := in.pipeline.parser.Parse(raw)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrParse, err)
		in.fail(err)
		in.logger.Warn("parse message", "user", in.user, "size", len(raw), "error", err)
		return store.Message{}, err
	}

	msg := store.Message{
		User:      in.user,
		MessageID: NormalizeMessageID(env.MessageID),
		Subject:   env.Subject,
		Date:      env.Date,
		Recipient: env.Recipient,
		Raw:       raw,
	}
	if msg.MessageID == "" {
		err := fmt.Errorf("%w: empty message id", ErrParse)
		in.fail(err)
		in.logger.Warn("parse message", "user", in.user, "error", err)
		return store.Message{}, err
	}

	if err := in.pipeline.store.Insert(ctx, msg); err != nil {
		err = fmt.Errorf("store message: %w", err)
		in.fail(err)
		in.logger.Error("store message", "user", in.user, "messageId", msg.MessageID, "error", err)
		return store.Message{}, err
	}

	in.state = Stored
	in.logger.Info("message stored", "user", in.user, "messageId", msg.MessageID, "size", len(raw))
	if in.pipeline.notifier != nil {
		in.pipeline.notifier.Notify(msg.Summary())
	}
	return msg, nil
}

// Ingest drives a fresh intake from r: a read error aborts it, EOF finishes it.
func (p *Pipeline) Ingest(ctx context.Context, user string, r io.Reader, logAttrs ...any) (store.Message, error) {
	in := p.Begin(user, logAttrs...)
	if _, err := io.Copy(in, r); err != nil {
		in.Abort(err)
		return store.Message{}, in.Err()
	}
	return in.Finish(ctx)
}

var idDelimiters = strings.NewReplacer("<", "", ">", "")

// NormalizeMessageID removes every angle bracket from a Message-ID value.
func NormalizeMessageID(id string) string {
	return strings.TrimSpace(idDelimiters.Replace(id))
}

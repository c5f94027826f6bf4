package store

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.io/infrasutra/smtpbox/internal/store"

type instrumentOptions struct {
	backend        string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

type InstrumentOption func(*instrumentOptions)

// WithBackendName sets the store.backend attribute on spans and metrics.
func WithBackendName(name string) InstrumentOption {
	return func(o *instrumentOptions) {
		if name != "" {
			o.backend = name
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) InstrumentOption {
	return func(o *instrumentOptions) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

func WithMeterProvider(mp metric.MeterProvider) InstrumentOption {
	return func(o *instrumentOptions) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

type opInstruments struct {
	latency metric.Float64Histogram
	count   metric.Int64Counter
	errors  metric.Int64Counter
}

// Instrumented wraps a Store with OpenTelemetry spans and metrics.
// ErrNotFound is a normal result and is not recorded as an error.
type Instrumented struct {
	next   Store
	attrs  []attribute.KeyValue
	tracer trace.Tracer

	insert      opInstruments
	listForUser opInstruments
	get         opInstruments
	listUsers   opInstruments
}

var _ Store = (*Instrumented)(nil)

func Instrument(next Store, opts ...InstrumentOption) (*Instrumented, error) {
	o := &instrumentOptions{
		backend:        "unknown",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Instrumented{
		next:   next,
		attrs:  []attribute.KeyValue{attribute.String("store.backend", o.backend)},
		tracer: o.tracerProvider.Tracer(instrumentationName),
	}

	meter := o.meterProvider.Meter(instrumentationName)
	for name, ins := range map[string]*opInstruments{
		"insert":        &s.insert,
		"list_for_user": &s.listForUser,
		"get":           &s.get,
		"list_users":    &s.listUsers,
	} {
		if err := initInstruments(meter, name, ins); err != nil {
			return nil, fmt.Errorf("init %s metrics: %w", name, err)
		}
	}
	return s, nil
}

func initInstruments(meter metric.Meter, op string, ins *opInstruments) error {
	var err error
	ins.latency, err = meter.Float64Histogram(
		"smtpbox.store."+op+".duration",
		metric.WithDescription("Duration of store "+op+" operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	ins.count, err = meter.Int64Counter(
		"smtpbox.store."+op+".count",
		metric.WithDescription("Number of store "+op+" operations"),
	)
	if err != nil {
		return err
	}
	ins.errors, err = meter.Int64Counter(
		"smtpbox.store."+op+".errors",
		metric.WithDescription("Number of failed store "+op+" operations"),
	)
	return err
}

func (s *Instrumented) observe(ctx context.Context, name string, ins *opInstruments, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	attrs = append(attrs, s.attrs...)
	ctx, span := s.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	set := metric.WithAttributes(s.attrs...)
	ins.latency.Record(ctx, time.Since(start).Seconds(), set)
	ins.count.Add(ctx, 1, set)

	if err != nil && !IsNotFound(err) {
		ins.errors.Add(ctx, 1, set)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Instrumented) Insert(ctx context.Context, msg Message) error {
	attrs := []attribute.KeyValue{
		attribute.String("mailbox.user", msg.User),
		attribute.Int("message.size", len(msg.Raw)),
	}
	return s.observe(ctx, "store.insert", &s.insert, attrs, func(ctx context.Context) error {
		return s.next.Insert(ctx, msg)
	})
}

func (s *Instrumented) ListForUser(ctx context.Context, user string) ([]Summary, error) {
	var summaries []Summary
	attrs := []attribute.KeyValue{attribute.String("mailbox.user", user)}
	err := s.observe(ctx, "store.list_for_user", &s.listForUser, attrs, func(ctx context.Context) error {
		var err error
		summaries, err = s.next.ListForUser(ctx, user)
		return err
	})
	return summaries, err
}

func (s *Instrumented) Get(ctx context.Context, user, messageID string) ([]byte, error) {
	var raw []byte
	attrs := []attribute.KeyValue{
		attribute.String("mailbox.user", user),
		attribute.String("message.id", messageID),
	}
	err := s.observe(ctx, "store.get", &s.get, attrs, func(ctx context.Context) error {
		var err error
		raw, err = s.next.Get(ctx, user, messageID)
		return err
	})
	return raw, err
}

func (s *Instrumented) ListUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := s.observe(ctx, "store.list_users", &s.listUsers, nil, func(ctx context.Context) error {
		var err error
		users, err = s.next.ListUsers(ctx)
		return err
	})
	return users, err
}

func (s *Instrumented) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}

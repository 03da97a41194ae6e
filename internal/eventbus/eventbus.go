// Package eventbus publishes and subscribes to Run-trigger events over
// NATS, propagating the caller's trace context into message headers so a
// subscriber's handler continues the same trace.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Event is a Run-trigger notification carried over the bus: an event
// type (matched against runschedule.ScheduleConfig.EventType) plus an
// arbitrary JSON payload available to the schedule's EventFilter.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Bus wraps a NATS connection for publishing and subscribing to Events
// with trace-context propagation.
type Bus struct {
	nc *nats.Conn
}

// Connect dials url and returns a ready Bus.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{nc: nc}, nil
}

// Close closes the underlying connection without draining it.
func (b *Bus) Close() {
	b.nc.Close()
}

// Publish injects ctx's trace context into the message headers and
// publishes evt on subject.
func (b *Bus) Publish(ctx context.Context, subject string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return b.nc.PublishMsg(msg)
}

// Handler processes one Event under a trace context extracted from the
// carrying message.
type Handler func(ctx context.Context, evt Event)

// Subscribe decodes every message on subject as an Event, extracts its
// trace context, starts a consumer span, and invokes handler.
func (b *Bus) Subscribe(subject string, handler Handler) (*nats.Subscription, error) {
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)

		tracer := otel.Tracer("conductor-eventbus")
		ctx, span := tracer.Start(ctx, "eventbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var evt Event
		if err := json.Unmarshal(m.Data, &evt); err != nil {
			span.RecordError(err)
			return
		}
		handler(ctx, evt)
	})
}

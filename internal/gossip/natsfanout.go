package gossip

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NATSFanout republishes gossip messages onto a shared subject so
// coordinators that aren't direct peers (behind NAT, or simply not yet
// peer-exchanged) still converge — a cheaper-reach complement to the
// Sender's direct per-peer delivery (spec §4.8: peer_exchange exists
// precisely because the peer set is incomplete). Trace-context
// injection/extraction is grounded on libs/go/core/natsctx's
// propagator-over-nats.Header pattern.
type NATSFanout struct {
	conn       *nats.Conn
	subject    string
	propagator propagation.TraceContext
}

// NewNATSFanout dials url and returns a fanout bound to subject. The mesh
// treats a dial failure as "fanout disabled" rather than fatal — direct
// peer delivery still works without it.
func NewNATSFanout(url, subject string) (*NATSFanout, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("gossip: nats connect: %w", err)
	}
	return &NATSFanout{conn: conn, subject: subject}, nil
}

// Publish injects the caller's trace context into a NATS header and
// publishes the signed message.
func (f *NATSFanout) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gossip: marshal fanout message: %w", err)
	}
	hdr := nats.Header{}
	f.propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return f.conn.PublishMsg(&nats.Msg{Subject: f.subject, Data: body, Header: hdr})
}

// Subscribe feeds every message received on the fanout subject into
// ingest, extracting the publisher's trace context so spans stay linked
// across coordinators.
func (f *NATSFanout) Subscribe(ingest func(ctx context.Context, msg Message) error) (*nats.Subscription, error) {
	return f.conn.Subscribe(f.subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := f.propagator.Extract(context.Background(), carrier)
		tracer := otel.Tracer("edgecoder-gossip-nats")
		ctx, span := tracer.Start(ctx, "gossip.nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		_ = ingest(ctx, msg)
	})
}

// Close closes the underlying connection without draining its
// subscriptions.
func (f *NATSFanout) Close() {
	f.conn.Close()
}

// Package nats mirrors the event journal onto NATS JetStream so external
// consumers (dashboards, audit sinks) can follow protocol runs without
// polling the API.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
)

const streamName = "PIPELINE"

// SubjectEvents is the subject prefix journal events are published under;
// one subject per protocol run: pipeline.events.<run_id>.
const SubjectEvents = "pipeline.events"

// Publisher implements broadcast.Broadcaster on a JetStream stream.
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the event stream
// exists.
func Connect(ctx context.Context, url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{SubjectEvents + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Publisher{nc: nc, js: js}, nil
}

// BroadcastEvent publishes one journal entry. Publishing is best-effort:
// failures are logged, never propagated, because the store has already
// durably journaled the event.
func (p *Publisher) BroadcastEvent(ctx context.Context, e *event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("marshal event for nats", "event_type", e.EventType, "error", err)
		return
	}
	subject := SubjectEvents + "." + strconv.FormatInt(e.ProtocolRunID, 10)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		slog.Error("nats publish failed", "subject", subject, "error", err)
	}
}

// KeyValue creates or binds the named KV bucket with the given entry TTL.
// Used for the idempotency replay cache shared across API nodes.
func (p *Publisher) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := p.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Close shuts down the NATS connection.
func (p *Publisher) Close() error {
	p.nc.Close()
	return nil
}

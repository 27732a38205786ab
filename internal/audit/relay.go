package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the slice of the Kafka client the relay needs. Tests record
// through a fake; production passes *kgo.Client.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Relay mirrors committed audit events onto a Kafka topic for downstream
// compliance consumers. The store remains the source of truth; a relay
// failure is logged and retried on the next event, never surfaced to the
// mutation that produced the event.
type Relay struct {
	producer Producer
	topic    string
	inbox    <-chan Event
	logger   *slog.Logger
}

func NewRelay(producer Producer, topic string, inbox <-chan Event, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{producer: producer, topic: topic, inbox: inbox, logger: logger}
}

// Run consumes events until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-r.inbox:
			if err := r.publish(ctx, event); err != nil {
				r.logger.Error("audit relay publish failed",
					"event_id", event.ID.String(),
					"kind", string(event.Kind),
					"error", err)
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	record := &kgo.Record{
		Topic: r.topic,
		Key:   []byte(event.EntityID),
		Value: payload,
	}
	return r.producer.ProduceSync(ctx, record).FirstErr()
}

// EnsureTopic creates the audit topic if it does not exist. Called once at
// startup; an already-exists response is not an error.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopic(ctx, partitions, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create audit topic %s: %w", topic, resp.Err)
	}
	return nil
}

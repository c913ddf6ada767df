// Package audit publishes the engine's audit-log events. Every successful
// state-mutating command emits exactly one event; the admin action log
// consumes them from Kafka.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/charmarket/market-engine/pkg/contracts/events"
)

// Publisher emits audit events. Publish must not block command execution on
// broker slowness; implementations log and drop on failure.
type Publisher interface {
	Publish(ctx context.Context, ev events.AuditEvent)
}

// NewEvent fills in the ID and timestamp for an audit event.
func NewEvent(action, actor, entityType, entityID string, before, after map[string]string) events.AuditEvent {
	return events.AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     before,
		After:      after,
		At:         time.Now().UTC(),
	}
}

// KafkaPublisher writes audit events to a Kafka topic, keyed by entity ID so
// events for one entity stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev events.AuditEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("audit event marshal failed", "action", ev.Action, "err", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.EntityID),
		Value: data,
		Time:  ev.At,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("audit event publish failed", "action", ev.Action, "err", err)
	}
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Recorder collects events in memory. Used in tests and as the fallback when
// no brokers are configured.
type Recorder struct {
	mu     sync.Mutex
	events []events.AuditEvent
}

// NewRecorder creates an in-memory audit recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, ev events.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []events.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}

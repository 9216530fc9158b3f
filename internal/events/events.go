// Package events publishes catalog change events. Consumers (search indexing,
// cache invalidation) subscribe to the topic; publishing is best-effort and
// never blocks a catalog mutation from committing.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types.
const (
	CanonicalUpserted = "canonical.upserted"
	OverrideCreated   = "override.created"
	OverrideUpdated   = "override.updated"
	OverrideDeleted   = "override.deleted"
	MappingMapped     = "mapping.mapped"
	MappingUnmapped   = "mapping.unmapped"
)

// Event is one catalog change.
type Event struct {
	Type          string         `json:"type"`
	CanonicalType string         `json:"canonicalType"`
	CanonicalID   string         `json:"canonicalId"`
	EntityID      string         `json:"entityId,omitempty"`
	MatchMethod   string         `json:"matchMethod,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	At            time.Time      `json:"at"`
}

// Key partitions events so every change to one canonical row stays ordered.
func (e Event) Key() string {
	return e.CanonicalType + ":" + e.CanonicalID
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
	Close() error
}

// New returns a Kafka publisher, or a Noop when no brokers are configured.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return Noop{}
	}
	return NewKafka(brokers, topic)
}

// Noop drops every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, ...Event) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// Kafka writes JSON events to a topic.
type Kafka struct {
	writer *kafka.Writer
	topic  string
}

// NewKafka creates a synchronous, hash-balanced writer for topic.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			MaxAttempts:  3,
			RequiredAcks: kafka.RequireAll,
		},
		topic: topic,
	}
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	msgs, err := Messages(evs)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return eris.Wrapf(err, "events: publish %d to %s", len(msgs), k.topic)
	}
	zap.L().Debug("events: published", zap.String("topic", k.topic), zap.Int("count", len(msgs)))
	return nil
}

// Close flushes pending writes.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Messages encodes events as Kafka messages keyed by Event.Key.
func Messages(evs []Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		value, err := json.Marshal(ev)
		if err != nil {
			return nil, eris.Wrapf(err, "events: marshal %s", ev.Type)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Key()),
			Value: value,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(ev.Type)},
			},
		})
	}
	return msgs, nil
}

// PublishQuietly publishes and logs failures instead of returning them.
func PublishQuietly(ctx context.Context, p Publisher, evs ...Event) {
	if p == nil || len(evs) == 0 {
		return
	}
	if err := p.Publish(ctx, evs...); err != nil {
		zap.L().Warn("events: publish failed", zap.Int("count", len(evs)), zap.Error(err))
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, evs ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Package events publishes parley lifecycle events to Kafka so notification
// and analytics services can react to messages, reactions, calls and
// presence changes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/plugin"
)

// Published lists the hook events forwarded to the broker.
var Published = []string{
	hooks.EventMessageCreated,
	hooks.EventReactionUpdated,
	hooks.EventCallStatus,
	hooks.EventUserOnline,
	hooks.EventUserOffline,
}

// Writer is the subset of *kafka.Writer used by the publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the JSON value of every published record.
type Envelope struct {
	Event   string         `json:"event"`
	At      time.Time      `json:"at"`
	Source  string         `json:"source"`
	Subject any            `json:"subject,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

var _ plugin.Plugin = (*Publisher)(nil)

// Publisher forwards hook payloads to a topic.
type Publisher struct {
	w       Writer
	source  string
	timeout time.Duration
	log     *logging.Logger
}

// NewKafka creates a publisher writing to cfg.Topic on cfg.Brokers.
func NewKafka(cfg config.KafkaConfig, source string, log *logging.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 5 * time.Millisecond, // writes are serial; do not wait for a batch to fill
	}
	return New(w, source, log)
}

// New creates a publisher over an existing writer.
func New(w Writer, source string, log *logging.Logger) *Publisher {
	return &Publisher{
		w:       w,
		source:  source,
		timeout: 5 * time.Second,
		log:     log.Sub("events"),
	}
}

// ID names the publisher as a plugin.
func (p *Publisher) ID() string { return "kafka" }

// Init subscribes the publisher to the hook bus.
func (p *Publisher) Init(_ context.Context, api plugin.API) error {
	p.Subscribe(api.Hooks)
	return nil
}

// Subscribe registers the publisher on every forwarded event.
func (p *Publisher) Subscribe(h *hooks.Manager) {
	h.OnEach(Published, "kafka", p.Handle)
}

// Handle publishes one hook payload and returns once the write finished.
// Subscribe registers it under a single hook name, so the hook bus runs it
// for one payload at a time in emit order. Records are keyed by
// conversation, session or user, which keeps each stream on one partition
// in that order.
func (p *Publisher) Handle(ctx context.Context, payload hooks.Payload) error {
	value, err := json.Marshal(Envelope{
		Event:   payload.Event,
		At:      payload.At,
		Source:  p.source,
		Subject: payload.Subject,
		Data:    payload.Data,
	})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", payload.Event, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(partitionKey(payload)),
		Value: value,
		Time:  payload.At,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(payload.Event)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing %s event: %w", payload.Event, err)
	}
	p.log.Trace().Str("event", payload.Event).Str("key", string(msg.Key)).Msg("event published")
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func partitionKey(p hooks.Payload) string {
	for _, k := range []string{"conversation_id", "session_id", "user_id"} {
		if v := p.Str(k); v != "" {
			return v
		}
	}
	return p.Event
}

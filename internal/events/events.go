// Package events publishes domain events after a unit of work commits.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Event types
const (
	TransactionCreated         = "transaction.created"
	TransactionFunded          = "transaction.funded"
	TransactionCanceled        = "transaction.canceled"
	TransactionProofSubmitted  = "transaction.proof_submitted"
	TransactionUnderReview     = "transaction.under_review"
	TransactionReleased        = "transaction.released"
	TransactionPayoutScheduled = "transaction.payout_scheduled"
	TransactionPaidOut         = "transaction.paid_out"
	TransactionChargeback      = "transaction.chargeback"
	MilestoneSubmitted         = "milestone.submitted"
	MilestoneRevisionRequested = "milestone.revision_requested"
	MilestoneReleased          = "milestone.released"
	DisputeOpened              = "dispute.opened"
	DisputeUpdated             = "dispute.updated"
	DisputeResolved            = "dispute.resolved"
)

// Event is the envelope written to the bus
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	TransactionID string         `json:"transaction_id"`
	ActorID       string         `json:"actor_id,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Data          map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh id
func New(typ, transactionID, actorID string, data map[string]any) Event {
	return Event{ID: uuid.NewString(), Type: typ, TransactionID: transactionID, ActorID: actorID, OccurredAt: time.Now().UTC(), Data: data}
}

// Publisher sends events; failures are reported, never rolled back into the caller's work
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
	Close() error
}

// KafkaPublisher writes events keyed by transaction id so one deal's events stay ordered
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for one topic
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
	}, nil
}

// Messages converts events to kafka messages
func Messages(evs ...Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.TransactionID),
			Value: payload,
			Time:  ev.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(ev.Type)},
			},
		})
	}
	return msgs, nil
}

// Publish implements Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, evs ...Event) error {
	msgs, err := Messages(evs...)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher logs events; used when no broker is configured
type LogPublisher struct{}

// Publish implements Publisher
func (LogPublisher) Publish(_ context.Context, evs ...Event) error {
	for _, ev := range evs {
		logrus.WithFields(logrus.Fields{
			"event_id":       ev.ID,
			"type":           ev.Type,
			"transaction_id": ev.TransactionID,
			"actor_id":       ev.ActorID,
		}).Info("Domain event")
	}
	return nil
}

// Close implements Publisher
func (LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory for tests
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher
func (r *Recorder) Publish(_ context.Context, evs ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

// Close implements Publisher
func (r *Recorder) Close() error { return nil }

// Types returns the recorded event types in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/inbox-router/internal/model"
)

const (
	// StreamName is the name of the routing events stream.
	StreamName = "CRM_EVENTS"

	// SubjectPrefix is the prefix for all event subjects.
	SubjectPrefix = "crm"
)

// ErrStreamDisabled is returned by reads when no JetStream is configured.
var ErrStreamDisabled = errors.New("event stream disabled")

// publisher is the slice of jetstream.JetStream used for writes.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamManager handles the events stream.
type StreamManager struct {
	js  jetstream.JetStream
	pub publisher
}

// NewStreamManager creates a stream manager on client's JetStream context.
func NewStreamManager(client *Client) *StreamManager {
	js := client.JetStream()
	return &StreamManager{js: js, pub: js}
}

// EnsureStream creates the events stream when missing.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	if _, err := m.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := m.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Conversation routing events for read-side consumers",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// StreamState reports the stream's message and byte counts.
func (m *StreamManager) StreamState(ctx context.Context) (msgs, bytes uint64, err error) {
	stream, err := m.js.Stream(ctx, StreamName)
	if err != nil {
		return 0, 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, 0, err
	}
	return info.State.Msgs, info.State.Bytes, nil
}

// EventSubject returns crm.<tenant>.<conversation>.<event type>.
func EventSubject(tenantID, conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, token(tenantID), token(conversationID), eventType)
}

// ConversationFilter matches every event of one conversation.
func ConversationFilter(tenantID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(tenantID), token(conversationID))
}

// token keeps ids from introducing subject separators or wildcards.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish writes event to the stream and records its sequence. The event id
// is used as the JetStream message id so retried publishes are deduplicated.
func (m *StreamManager) Publish(ctx context.Context, event *model.ConversationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubject(event.TenantID, event.ConversationID, event.Type)
	ack, err := m.pub.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	event.Sequence = ack.Sequence
	return nil
}

// Events replays a conversation's events after a stream sequence.
func (m *StreamManager) Events(ctx context.Context, tenantID, conversationID string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, error) {
	if m.js == nil {
		return nil, 0, ErrStreamDisabled
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ConversationFilter(tenantID, conversationID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.js.OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch events: %w", err)
	}

	var (
		events []model.ConversationEvent
		last   uint64
	)
	for msg := range batch.Messages() {
		var event model.ConversationEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
			last = meta.Sequence.Stream
		}
		// tenant guard: subjects are sanitized, payloads are authoritative
		if event.TenantID != tenantID {
			continue
		}
		events = append(events, event)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, fmt.Errorf("batch error: %w", err)
	}
	return events, last, nil
}

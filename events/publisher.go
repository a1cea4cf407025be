package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Event types published to the audit topic.
const (
	EventConnected     = "user_connected"
	EventDisconnected  = "user_disconnected"
	EventMessageStored = "message_stored"
)

type event struct {
	EventType string `json:"event_type"`
	RoomID    int    `json:"room_id,omitempty"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher is an optional audit firehose for chat lifecycle events. A nil
// Publisher is valid and drops everything, so callers never need to guard.
type Publisher struct {
	writer *kafka.Writer
	topic  string
	logger zerolog.Logger
}

// NewPublisher returns nil when no brokers are configured.
func NewPublisher(brokers []string, topic string, logger *zerolog.Logger) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		topic:  topic,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Publish emits one event, keyed by room id so per-room ordering survives
// partitioning. Fire-and-forget: failures are logged, never surfaced.
func (p *Publisher) Publish(ctx context.Context, eventType string, roomID int, username string) {
	if p == nil {
		return
	}
	b, err := json.Marshal(event{
		EventType: eventType,
		RoomID:    roomID,
		Username:  username,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.Itoa(roomID)),
		Value: b,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("event", eventType).Msg("failed to publish event")
		return
	}
	p.logger.Debug().Str("event", eventType).Str("username", username).Msg("event published")
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}

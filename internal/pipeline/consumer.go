package pipeline

import (
	"context"
	"encoding/json"

	"log/slog"

	"chat-realtime/internal/protocol"

	"github.com/IBM/sarama"
)

// Event kinds on the message-events topic.
const (
	EventCreated = "message.created"
	EventDeleted = "message.deleted"
)

// MessageEvent is what the external message store emits after it confirms a
// write. The fan-out core receives the fully-formed payload and never touches
// message content itself.
type MessageEvent struct {
	Event   string                     `json:"event"`
	Message protocol.NewMessagePayload `json:"message"`
}

// Broadcaster routes a wire-ready payload to a thread's subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, threadID string, payload []byte) error
}

// Consumer drains the message-events topic and fans each event out.
type Consumer struct {
	group       sarama.ConsumerGroup
	topic       string
	broadcaster Broadcaster
}

func NewConsumer(brokers []string, groupID, topic string, broadcaster Broadcaster) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_0_0_0
	config.ClientID = "chat-realtime"
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		group:       group,
		topic:       topic,
		broadcaster: broadcaster,
	}, nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	handler := &eventHandler{broadcaster: c.broadcaster}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
			slog.Error("Kafka consume error", "topic", c.topic, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type eventHandler struct {
	broadcaster Broadcaster
}

func (h *eventHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *eventHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *eventHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for record := range claim.Messages() {
		h.handleRecord(sess.Context(), record.Value)
		sess.MarkMessage(record, "")
	}
	return nil
}

func (h *eventHandler) handleRecord(ctx context.Context, value []byte) {
	var event MessageEvent
	if err := json.Unmarshal(value, &event); err != nil {
		slog.Error("Malformed message event", "error", err)
		return
	}

	var env *protocol.Envelope
	switch event.Event {
	case EventCreated:
		env = protocol.NewMessageEvent(&event.Message)
	case EventDeleted:
		env = protocol.NewMessageDeletedEvent(event.Message.ID, event.Message.ThreadID)
	default:
		slog.Warn("Unknown message event", "event", event.Event)
		return
	}

	payload, err := env.Encode()
	if err != nil {
		slog.Error("Failed to encode broadcast payload", "error", err)
		return
	}
	if err := h.broadcaster.Broadcast(ctx, event.Message.ThreadID, payload); err != nil {
		slog.Error("Broadcast failed", "threadID", event.Message.ThreadID, "error", err)
	}
}

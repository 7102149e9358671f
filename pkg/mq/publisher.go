package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeEvents is the topic exchange engine events are published to. The
// routing key is the event type, e.g. "node.status_changed".
const ExchangeEvents = "workflow.events"

// Message is the envelope of every published event.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage wraps payload in an envelope with a fresh id.
func NewMessage(msgType string, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// SetupTopology declares the events exchange.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.ExchangeDeclare(
			ExchangeEvents, // name
			"topic",        // type
			true,           // durable
			false,          // auto-deleted
			false,          // internal
			false,          // no-wait
			nil,            // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ExchangeEvents, err)
		}
		return nil
	})
}

// MaintainTopology declares the topology again after every reconnect, until
// ctx is done. A fresh broker would otherwise drop every publish.
func MaintainTopology(ctx context.Context, conn *Connection, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.ReconnectNotify():
			if err := SetupTopology(ctx, conn); err != nil {
				logger.Error("failed to restore topology", "error", err)
				continue
			}
			logger.Info("reconnected, topology restored")
		}
	}
}

// Publisher publishes JSON messages to the events exchange.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher creates a Publisher on conn.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// Publish sends payload with the given type, which doubles as the routing key.
func (p *Publisher) Publish(ctx context.Context, msgType string, payload any) error {
	msg := NewMessage(msgType, payload)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			ExchangeEvents, // exchange
			msgType,        // routing key
			false,          // mandatory
			false,          // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         msgType,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", ExchangeEvents, msgType, err)
		}

		p.logger.Debug("published message", "routing_key", msgType, "message_id", msg.ID)
		return nil
	})
}

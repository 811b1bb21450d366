package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/listing-harvester/internal/database"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Envelope is the wire shape every sink delivers.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      EnvelopeMeta    `json:"metadata"`
}

type EnvelopeMeta struct {
	Source       string `json:"source"`
	OutboxID     string `json:"outbox_id"`
	RetryCount   int    `json:"retry_count"`
	TargetStream string `json:"target_stream"`
}

func NewEnvelope(event *database.OutboxEvent) (*Envelope, error) {
	if !json.Valid(event.Payload) {
		return nil, fmt.Errorf("invalid payload for event %s", event.ID)
	}
	return &Envelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.Format(time.RFC3339),
		Payload:       event.Payload,
		Metadata: EnvelopeMeta{
			Source:       "listing-harvester",
			OutboxID:     event.ID.String(),
			RetryCount:   event.RetryCount,
			TargetStream: event.TargetStream,
		},
	}, nil
}

// RedisClient is the subset of go-redis the stream sink uses.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends events to the stream named by each event.
type RedisStreamSink struct {
	client RedisClient
}

func NewRedisStreamSink(client RedisClient) *RedisStreamSink {
	return &RedisStreamSink{client: client}
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Publish(ctx context.Context, event *database.OutboxEvent) error {
	env, err := NewEnvelope(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal stream data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: map[string]any{
			"data":           string(data),
			"type":           event.EventType,
			"timestamp":      strconv.FormatInt(event.CreatedAt.UnixNano(), 10),
			"original_id":    event.ID.String(),
			"aggregate_id":   event.AggregateID,
			"aggregate_type": event.AggregateType,
			"event_type":     event.EventType,
		},
	}
	if _, err := s.client.XAdd(ctx, args).Result(); err != nil {
		return err
	}
	return nil
}

// AMQPChannel is the subset of *amqp.Channel the exchange sink uses.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events to a RabbitMQ exchange. The routing key is the
// configured key suffixed with the lowercased event type.
type AMQPSink struct {
	channel    AMQPChannel
	exchange   string
	routingKey string
	closeFn    func() error
}

func NewAMQPSink(channel AMQPChannel, exchange, routingKey string) *AMQPSink {
	return &AMQPSink{channel: channel, exchange: exchange, routingKey: routingKey}
}

// DialAMQPSink connects, declares a durable topic exchange and returns a
// sink that owns the connection.
func DialAMQPSink(url, exchange, routingKey string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}

	sink := NewAMQPSink(ch, exchange, routingKey)
	sink.closeFn = func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return sink, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Publish(ctx context.Context, event *database.OutboxEvent) error {
	env, err := NewEnvelope(event)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = s.channel.PublishWithContext(ctx, s.exchange, s.key(event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Timestamp:    event.CreatedAt,
		Type:         event.EventType,
		Body:         body,
		Headers: amqp.Table{
			"aggregate_id":   event.AggregateID,
			"aggregate_type": event.AggregateType,
			"target_stream":  event.TargetStream,
		},
	})
	if err != nil {
		return err
	}
	return nil
}

func (s *AMQPSink) key(event *database.OutboxEvent) string {
	suffix := strings.ToLower(event.EventType)
	if s.routingKey == "" {
		return suffix
	}
	return s.routingKey + "." + suffix
}

func (s *AMQPSink) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Outcome event types
const (
	EventTargetSent        = "target.sent"
	EventTargetRetry       = "target.retry"
	EventTargetFailed      = "target.failed"
	EventTargetCanceled    = "target.canceled"
	EventCampaignCompleted = "campaign.completed"
	EventCampaignFailed    = "campaign.failed"
	EventInboundMessage    = "conversation.inbound"
)

// OutcomeEvent is published after every terminal or retry decision
type OutcomeEvent struct {
	ID           uuid.UUID `json:"id"`
	Type         string    `json:"type"`
	TenantID     uint      `json:"tenant_id"`
	CampaignUUID string    `json:"campaign_uuid,omitempty"`
	TargetUUID   string    `json:"target_uuid,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	SenderName   string    `json:"sender_name,omitempty"`
	RetryCount   int       `json:"retry_count,omitempty"`
	Error        string    `json:"error,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EventPublisher emits outcome events for downstream consumers. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event OutcomeEvent) error
	Close() error
}

// NoopPublisher drops every event
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, OutcomeEvent) error { return nil }
func (NoopPublisher) Close() error                                { return nil }

// AMQPPublisher publishes events to a topic exchange with the event type as routing key
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange
func NewAMQPPublisher(cfg config.AMQPConfig, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error creating channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("error declaring exchange: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{
		conn:     conn,
		channel:  ch,
		exchange: cfg.Exchange,
		logger:   logger.Named("events"),
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event OutcomeEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("failed to publish event", zap.String("type", event.Type), zap.Error(err))
		return err
	}
	return nil
}

// Close closes the channel and the connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return err
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

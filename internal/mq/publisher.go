package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Event types published on the anomaly events exchange
const (
	EventAnomaliesMarked = "anomalies.marked"
	EventAnomaliesReset  = "anomalies.reset"
)

// AnomalyEvent is published after a mark or reset run has been committed
type AnomalyEvent struct {
	EventType         string   `json:"event_type"`
	RequestID         string   `json:"request_id,omitempty"`
	MeterID           string   `json:"meter_id"`
	Method            string   `json:"method,omitempty"`
	AnomaliesDetected int      `json:"anomalies_detected"`
	AnomaliesCleared  int      `json:"anomalies_cleared,omitempty"`
	ReadingIDs        []string `json:"reading_ids,omitempty"`
	OccurredAt        string   `json:"occurred_at"`
}

// Publisher handles anomaly event publishing to RabbitMQ
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher opens a channel and declares the events exchange
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareTopicExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// PublishAnomalyEvent publishes a persistent JSON anomaly event
func (p *Publisher) PublishAnomalyEvent(ctx context.Context, event AnomalyEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Type:         event.EventType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published anomaly event",
		zap.String("routing_key", routingKey),
		zap.String("event_type", event.EventType),
		zap.String("meter_id", event.MeterID),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// RabbitPublisher publishes to one durable topic exchange.
type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
}

func NewRabbitPublisher(cfg *config.Config) (*RabbitPublisher, error) {
	var conn *amqp.Connection
	var err error

	for i := 0; i < 6; i++ {
		conn, err = amqp.DialConfig(cfg.RabbitMQ.URL, amqp.Config{
			Locale: "en_US",
			Dial:   amqp.DefaultDial(10 * time.Second),
		})
		if err == nil {
			break
		}
		util.Warn("Failed to connect to RabbitMQ, retrying",
			util.Int("attempt", i+1),
			util.ErrorField(err))
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after retries: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.RabbitMQ.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	util.Info("RabbitMQ publisher initialized", util.String("exchange", cfg.RabbitMQ.Exchange))

	return &RabbitPublisher{
		conn:     conn,
		channel:  ch,
		exchange: cfg.RabbitMQ.Exchange,
	}, nil
}

// Publish sends a persistent JSON message; the topic is the routing key.
func (p *RabbitPublisher) Publish(ctx context.Context, routingKey, messageID string, body []byte, headers map[string]string) error {
	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *RabbitPublisher) HealthCheck(ctx context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
		util.Info("RabbitMQ publisher closed")
	}
	return nil
}

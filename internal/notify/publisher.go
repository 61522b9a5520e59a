package notify

import (
	"context"
	"fmt"

	"identity-service/internal/client"
	"identity-service/internal/config"
)

// Publisher delivers one encoded event to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte, headers map[string]string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

type kafkaPublisher struct {
	producer *client.KafkaProducer
	prefix   string
}

// NewKafkaPublisher routes events to topics named prefix+topic.
func NewKafkaPublisher(producer *client.KafkaProducer, prefix string) Publisher {
	return &kafkaPublisher{producer: producer, prefix: prefix}
}

func (k *kafkaPublisher) Publish(ctx context.Context, topic, key string, body []byte, headers map[string]string) error {
	return k.producer.ProduceMessage(ctx, k.prefix+topic, []byte(key), body, headers)
}

func (k *kafkaPublisher) HealthCheck(ctx context.Context) error { return k.producer.HealthCheck(ctx) }
func (k *kafkaPublisher) Close() error { return k.producer.Close() }

type rabbitPublisher struct {
	publisher *client.RabbitPublisher
}

// NewRabbitPublisher uses the topic as routing key on the configured exchange.
func NewRabbitPublisher(publisher *client.RabbitPublisher) Publisher {
	return &rabbitPublisher{publisher: publisher}
}

func (r *rabbitPublisher) Publish(ctx context.Context, topic, key string, body []byte, headers map[string]string) error {
	return r.publisher.Publish(ctx, topic, headers[HeaderEventID], body, headers)
}

func (r *rabbitPublisher) HealthCheck(ctx context.Context) error { return r.publisher.HealthCheck(ctx) }
func (r *rabbitPublisher) Close() error { return r.publisher.Close() }

// NewPublisherFromConfig connects the backend selected by BROKER_KIND.
func NewPublisherFromConfig(cfg *config.Config) (Publisher, error) {
	switch cfg.Broker.Kind {
	case "kafka":
		producer, err := client.NewKafkaProducer(cfg)
		if err != nil {
			return nil, err
		}
		return NewKafkaPublisher(producer, cfg.Kafka.TopicPrefix), nil
	case "rabbitmq":
		pub, err := client.NewRabbitPublisher(cfg)
		if err != nil {
			return nil, err
		}
		return NewRabbitPublisher(pub), nil
	default:
		return nil, fmt.Errorf("unsupported broker kind %q", cfg.Broker.Kind)
	}
}

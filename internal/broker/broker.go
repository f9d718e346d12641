package broker

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/events"
)

// Topic names. Delivery is at-least-once with no ordering guarantee across
// topics; every consumer must be idempotent.
const (
	TopicRideCreated       = "ride-created"
	TopicRideStatusChanged = "ride-status-changed"
	TopicDriverLocations   = "driver-location-updates"
	TopicDriverStatus      = "driver-status-changed"
	TopicRideRequests      = "ride-requests"
	TopicPushNotifications = "push-notifications"
)

// TopicFor maps an event kind to the topic it travels on.
func TopicFor(kind events.Kind) string {
	switch kind {
	case events.KindRideCreated:
		return TopicRideCreated
	case events.KindRideStatusChanged:
		return TopicRideStatusChanged
	case events.KindDriverLocation:
		return TopicDriverLocations
	case events.KindDriverStatus:
		return TopicDriverStatus
	case events.KindRideRequested:
		return TopicRideRequests
	case events.KindPushNotification:
		return TopicPushNotifications
	default:
		return string(kind)
	}
}

// Publisher is the outbound half of the event pipeline.
type Publisher interface {
	Publish(ctx context.Context, kind events.Kind, key string, payload any) error
}

// NopPublisher discards events. Used in local runs with no broker
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, kind events.Kind, key string, payload any) error {
	return nil
}

// KafkaPublisher writes wire-encoded events, one topic per event kind.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, kind events.Kind, key string, payload any) error {
	b, err := events.Encode(kind, payload)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(pubCtx, kafka.Message{
		Topic: TopicFor(kind),
		Key:   []byte(key),
		Value: b,
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

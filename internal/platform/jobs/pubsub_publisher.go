package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/shopswift/api/internal/services"
)

// TopicPublisher publishes JSON payloads to a single Pub/Sub topic.
type TopicPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewTopicPublisher wraps topic.
func NewTopicPublisher(topic *pubsub.Topic) (*TopicPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &TopicPublisher{topic: topic, marshal: json.Marshal}, nil
}

// Publish marshals payload as JSON and waits for the server-assigned message id.
func (p *TopicPublisher) Publish(ctx context.Context, payload any, attrs map[string]string) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}
	data, err := p.marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	clean := make(map[string]string, len(attrs))
	for key, value := range attrs {
		if v := strings.TrimSpace(value); v != "" {
			clean[key] = v
		}
	}
	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: clean}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.topic.ID(), err)
	}
	return id, nil
}

// OrderEventMessage is the wire format of order lifecycle events.
type OrderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	CustomerID     string         `json:"customerId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PubSubOrderEventPublisher forwards order events to the order-events topic.
type PubSubOrderEventPublisher struct {
	publisher *TopicPublisher
}

// NewPubSubOrderEventPublisher constructs an order event publisher.
func NewPubSubOrderEventPublisher(publisher *TopicPublisher) (*PubSubOrderEventPublisher, error) {
	if publisher == nil {
		return nil, errors.New("order event publisher: topic publisher is required")
	}
	return &PubSubOrderEventPublisher{publisher: publisher}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	msg := OrderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		OrderNumber:    event.OrderNumber,
		CustomerID:     event.CustomerID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt,
		Metadata:       event.Metadata,
	}
	_, err := p.publisher.Publish(ctx, msg, map[string]string{
		"eventType": event.Type,
		"orderId":   event.OrderID,
	})
	return err
}

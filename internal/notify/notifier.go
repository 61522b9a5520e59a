package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/metrics"
	"identity-service/internal/util"
)

const (
	TopicSMS          = "notifications.sms"
	TopicEmail        = "notifications.email"
	TopicUserRegister = "user.registered"
	TopicRolesChanged = "user.roles.changed"
	TopicKYCDecided   = "kyc.decided"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

// Event is the envelope every consumer receives.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type SMSMessage struct {
	Phone   string `json:"phone"`
	Purpose string `json:"purpose"`
	Text    string `json:"text"`
}

type EmailMessage struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Subject  string            `json:"subject"`
	Data     map[string]string `json:"data,omitempty"`
}

type UserRegistered struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	ReferralCode string `json:"referral_code"`
	ReferredBy   string `json:"referred_by,omitempty"`
}

type RolesChanged struct {
	UserID   string   `json:"user_id"`
	Previous []string `json:"previous"`
	Current  []string `json:"current"`
	ActorID  string   `json:"actor_id"`
}

type KYCDecided struct {
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	ReviewerID string `json:"reviewer_id"`
}

// Notifier builds events and hands them to the Publisher.
type Notifier struct {
	pub Publisher
	now func() time.Time
}

func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub, now: time.Now}
}

func (n *Notifier) SendSMS(ctx context.Context, msg SMSMessage) error {
	return n.publish(ctx, TopicSMS, msg.Phone, msg)
}

func (n *Notifier) SendEmail(ctx context.Context, msg EmailMessage) error {
	return n.publish(ctx, TopicEmail, msg.To, msg)
}

func (n *Notifier) UserRegistered(ctx context.Context, ev UserRegistered) error {
	return n.publish(ctx, TopicUserRegister, ev.UserID, ev)
}

func (n *Notifier) RolesChanged(ctx context.Context, ev RolesChanged) error {
	return n.publish(ctx, TopicRolesChanged, ev.UserID, ev)
}

func (n *Notifier) KYCDecided(ctx context.Context, ev KYCDecided) error {
	return n.publish(ctx, TopicKYCDecided, ev.UserID, ev)
}

func (n *Notifier) publish(ctx context.Context, topic, key string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}

	ev := Event{
		ID:         uuid.New().String(),
		Type:       topic,
		OccurredAt: n.now().UTC(),
		Payload:    raw,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}

	headers := map[string]string{
		HeaderEventID:   ev.ID,
		HeaderEventType: topic,
	}
	if err := n.pub.Publish(ctx, topic, key, body, headers); err != nil {
		metrics.EventsPublished.WithLabelValues(topic, "error").Inc()
		util.Error("Failed to publish event", util.String("topic", topic), util.ErrorField(err))
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	metrics.EventsPublished.WithLabelValues(topic, "ok").Inc()
	util.Debug("Event published", util.String("topic", topic), util.String("event_id", ev.ID))
	return nil
}

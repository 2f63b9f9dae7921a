package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/seatshare/settlement-service/pkg/rabbitmq"
)

// Notifier delivers user-facing notifications. Delivery is fire-and-forget:
// implementations log failures instead of returning them.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind domain.NotificationType, title, body string)
}

// EventNotifier publishes notifications on the events exchange with routing
// key "notification.<type>".
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	timeout   time.Duration
}

func NewEventNotifier(publisher rabbitmq.Publisher, exchange string) *EventNotifier {
	return &EventNotifier{publisher: publisher, exchange: exchange, timeout: 5 * time.Second}
}

func (n *EventNotifier) Notify(ctx context.Context, userID int64, kind domain.NotificationType, title, body string) {
	event := domain.NotificationEvent{
		EventID:    uuid.New(),
		UserID:     userID,
		Type:       kind,
		Title:      title,
		Body:       body,
		OccurredAt: time.Now().UTC(),
	}

	// The caller's request may already be finishing; delivery gets its own deadline.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.publisher.Publish(publishCtx, n.exchange, "notification."+string(kind), event); err != nil {
		log.Printf("level=warn component=notifier msg=\"notification publish failed\" user_id=%d type=%s err=%v", userID, kind, err)
	}
}

func formatCents(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, currency)
}

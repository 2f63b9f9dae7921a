package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType identifies the user-facing notification template.
type NotificationType string

const (
	NotifyJoinRequestReceived NotificationType = "join_request.received"
	NotifyJoinRequestApproved NotificationType = "join_request.approved"
	NotifyJoinRequestRejected NotificationType = "join_request.rejected"
	NotifySeatReleased        NotificationType = "seat.released"
	NotifySubscriptionChanged NotificationType = "subscription.state_changed"
	NotifyPaymentRetained     NotificationType = "payment.retained"
	NotifyPaymentLiberated    NotificationType = "payment.liberated"
	NotifyPaymentRefunded     NotificationType = "payment.refunded"
	NotifyDisputeOpened       NotificationType = "dispute.opened"
	NotifyDisputeResolved     NotificationType = "dispute.resolved"
)

// NotificationEvent is published for the notification sink.
type NotificationEvent struct {
	EventID    uuid.UUID        `json:"event_id"`
	UserID     int64            `json:"user_id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Body       string           `json:"body"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// MembershipRevokedEvent is emitted by the group-membership store when a member
// leaves or is removed from a group.
type MembershipRevokedEvent struct {
	GroupID   int64     `json:"group_id"`
	UserID    int64     `json:"user_id"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}

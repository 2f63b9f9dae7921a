package domain

import "time"

// JoinRequestKind distinguishes group-membership requests from seat requests.
type JoinRequestKind string

const (
	JoinRequestGroup        JoinRequestKind = "GROUP"
	JoinRequestSubscription JoinRequestKind = "SUBSCRIPTION"
)

// JoinRequestState is the lifecycle state of a join request.
type JoinRequestState string

const (
	JoinRequestPending   JoinRequestState = "PENDING"
	JoinRequestApproved  JoinRequestState = "APPROVED"
	JoinRequestRejected  JoinRequestState = "REJECTED"
	JoinRequestCancelled JoinRequestState = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s JoinRequestState) Terminal() bool {
	switch s {
	case JoinRequestPending:
		return false
	case JoinRequestApproved, JoinRequestRejected, JoinRequestCancelled:
		return true
	default:
		return true
	}
}

// JoinRequest asks for either a group membership or a seat in a subscription.
// Exactly one of GroupID and SubscriptionID is set, according to Kind.
type JoinRequest struct {
	ID              int64            `json:"id"`
	RequesterID     int64            `json:"requester_id"`
	Kind            JoinRequestKind  `json:"kind"`
	GroupID         *int64           `json:"group_id,omitempty"`
	SubscriptionID  *int64           `json:"subscription_id,omitempty"`
	Message         string           `json:"message"`
	State           JoinRequestState `json:"state"`
	ApproverID      *int64           `json:"approver_id,omitempty"`
	RespondedAt     *time.Time       `json:"responded_at,omitempty"`
	RejectionReason *string          `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// TargetID returns the id of the group or subscription the request targets.
func (r *JoinRequest) TargetID() int64 {
	switch r.Kind {
	case JoinRequestGroup:
		if r.GroupID != nil {
			return *r.GroupID
		}
	case JoinRequestSubscription:
		if r.SubscriptionID != nil {
			return *r.SubscriptionID
		}
	}
	return 0
}

// JoinRequestTransition carries the fields written when a pending request terminates.
type JoinRequestTransition struct {
	To              JoinRequestState
	ActorID         int64
	RejectionReason *string
	At              time.Time
}

// GroupJoinRequest is the DTO for POST /requests/group.
type GroupJoinRequest struct {
	InvitationCode string `json:"invitation_code" validate:"required,min=4,max=32"`
	Message        string `json:"message" validate:"max=1000"`
}

// SeatJoinRequest is the DTO for POST /requests/subscription.
type SeatJoinRequest struct {
	SubscriptionID int64  `json:"subscription_id" validate:"required,gt=0"`
	Message        string `json:"message" validate:"max=1000"`
}

// RejectJoinRequest is the DTO for POST /requests/{id}/reject.
type RejectJoinRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/seatshare/settlement-service/internal/domain"
)

// MembershipRevokedConsumer reacts to members leaving or being removed from a
// group: their seats are freed and their pending seat requests withdrawn.
type MembershipRevokedConsumer struct {
	seats    *SeatAllocator
	requests *JoinRequestWorkflow
}

func NewMembershipRevokedConsumer(seats *SeatAllocator, requests *JoinRequestWorkflow) *MembershipRevokedConsumer {
	return &MembershipRevokedConsumer{seats: seats, requests: requests}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *MembershipRevokedConsumer) HandleMessage(body []byte) bool {
	var event domain.MembershipRevokedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=membership_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}
	if event.GroupID <= 0 || event.UserID <= 0 {
		log.Printf("level=warn component=membership_consumer msg=\"missing identifiers; dropping\" group_id=%d user_id=%d", event.GroupID, event.UserID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	released, err := c.seats.ReleaseMemberSeats(ctx, event.GroupID, event.UserID)
	if err != nil {
		log.Printf("level=error component=membership_consumer msg=\"seat release failed\" group_id=%d user_id=%d err=%v", event.GroupID, event.UserID, err)
		return false
	}
	cancelled, err := c.requests.CancelPendingForMember(ctx, event.GroupID, event.UserID)
	if err != nil {
		log.Printf("level=error component=membership_consumer msg=\"request cancellation failed\" group_id=%d user_id=%d err=%v", event.GroupID, event.UserID, err)
		return false
	}

	log.Printf("level=info component=membership_consumer msg=\"membership revocation applied\" group_id=%d user_id=%d released_seats=%d cancelled_requests=%d",
		event.GroupID, event.UserID, released, cancelled)
	return true
}

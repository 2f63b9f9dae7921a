package app

import (
	"encoding/json"
	"testing"

	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipRevokedConsumer(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 3, true)
	subID := created.Subscription.ID

	seat, err := f.seats.OccupySeat(f.ctx, subID, f.memberID)
	require.NoError(t, err)
	pending, err := f.requests.RequestSeatJoin(f.ctx, f.secondMemberID, domain.SeatJoinRequest{SubscriptionID: subID})
	require.NoError(t, err)

	consumer := NewMembershipRevokedConsumer(f.seats, f.requests)

	for _, userID := range []int64{f.memberID, f.secondMemberID} {
		f.repo.RevokeMembership(f.groupID, userID)
		body, err := json.Marshal(domain.MembershipRevokedEvent{GroupID: f.groupID, UserID: userID, Reason: "left"})
		require.NoError(t, err)
		assert.True(t, consumer.HandleMessage(body))
	}

	freed, err := f.repo.FindSeatByID(f.ctx, seat.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatAvailable, freed.State)
	assert.Nil(t, freed.UserID)

	jr, err := f.repo.FindJoinRequestByID(f.ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JoinRequestCancelled, jr.State)

	// Redelivery is harmless.
	body, _ := json.Marshal(domain.MembershipRevokedEvent{GroupID: f.groupID, UserID: f.memberID})
	assert.True(t, consumer.HandleMessage(body))
}

func TestMembershipRevokedConsumerDropsBadPayloads(t *testing.T) {
	f := newFixture(t)
	consumer := NewMembershipRevokedConsumer(f.seats, f.requests)

	assert.True(t, consumer.HandleMessage([]byte("{not json")))
	assert.True(t, consumer.HandleMessage([]byte(`{"group_id":0,"user_id":4}`)))
}

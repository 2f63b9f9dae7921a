package app

import (
	"testing"

	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupJoinRequestApproval(t *testing.T) {
	f := newFixture(t)

	jr, err := f.requests.RequestGroupJoin(f.ctx, f.outsiderID, domain.GroupJoinRequest{InvitationCode: " Flat2026 ", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, domain.JoinRequestPending, jr.State)
	assert.Equal(t, f.groupID, jr.TargetID())
	assert.Equal(t, 1, f.notifier.count(f.hostID, domain.NotifyJoinRequestReceived))

	_, err = f.requests.RequestGroupJoin(f.ctx, f.outsiderID, domain.GroupJoinRequest{InvitationCode: "FLAT2026"})
	require.ErrorIs(t, err, ErrDuplicate)

	_, err = f.requests.Approve(f.ctx, jr.ID, f.memberID)
	require.ErrorIs(t, err, ErrForbidden)

	approved, err := f.requests.Approve(f.ctx, jr.ID, f.hostID)
	require.NoError(t, err)
	assert.Equal(t, domain.JoinRequestApproved, approved.State)
	require.NotNil(t, approved.ApproverID)
	assert.Equal(t, f.hostID, *approved.ApproverID)

	membership, err := f.repo.FindActiveMembership(f.ctx, f.groupID, f.outsiderID)
	require.NoError(t, err)
	assert.Equal(t, domain.MemberRoleMember, membership.Role)

	_, err = f.requests.Approve(f.ctx, jr.ID, f.hostID)
	require.ErrorIs(t, err, ErrBusinessRule)
	assert.Equal(t, "only pending requests can be approved", err.Error())

	_, err = f.requests.RequestGroupJoin(f.ctx, f.outsiderID, domain.GroupJoinRequest{InvitationCode: "FLAT2026"})
	require.ErrorIs(t, err, ErrBusinessRule)
}

func TestGroupJoinRequestRules(t *testing.T) {
	f := newFixture(t)

	_, err := f.requests.RequestGroupJoin(f.ctx, f.outsiderID, domain.GroupJoinRequest{InvitationCode: "NOPE1234"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.requests.RequestGroupJoin(f.ctx, f.memberID, domain.GroupJoinRequest{InvitationCode: "FLAT2026"})
	require.ErrorIs(t, err, ErrBusinessRule)

	full := f.repo.SeedGroup("Full", "FULL0001", f.hostID, 1)
	_, err = f.requests.RequestGroupJoin(f.ctx, f.outsiderID, domain.GroupJoinRequest{InvitationCode: "full0001"})
	require.ErrorIs(t, err, ErrBusinessRule)

	f.repo.SeedGroupState(full, domain.GroupArchived)
	_, err = f.requests.RequestGroupJoin(f.ctx, f.outsiderID, domain.GroupJoinRequest{InvitationCode: "FULL0001"})
	require.ErrorIs(t, err, ErrBusinessRule)
}

func TestGroupApprovalRechecksCapacity(t *testing.T) {
	f := newFixture(t)
	small := f.repo.SeedGroup("Pair", "PAIR0001", f.hostID, 2)

	first, err := f.requests.RequestGroupJoin(f.ctx, f.memberID, domain.GroupJoinRequest{InvitationCode: "PAIR0001"})
	require.NoError(t, err)
	second, err := f.requests.RequestGroupJoin(f.ctx, f.outsiderID, domain.GroupJoinRequest{InvitationCode: "PAIR0001"})
	require.NoError(t, err)

	_, err = f.requests.Approve(f.ctx, first.ID, f.hostID)
	require.NoError(t, err)

	_, err = f.requests.Approve(f.ctx, second.ID, f.hostID)
	require.ErrorIs(t, err, ErrBusinessRule)

	// The failed approval rolled back; the request is still pending.
	stillPending, err := f.repo.FindJoinRequestByID(f.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JoinRequestPending, stillPending.State)

	count, err := f.repo.CountActiveMembers(f.ctx, small)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSeatJoinRequestApproval(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 2, true)
	subID := created.Subscription.ID

	_, err := f.requests.RequestSeatJoin(f.ctx, f.outsiderID, domain.SeatJoinRequest{SubscriptionID: subID})
	require.ErrorIs(t, err, ErrBusinessRule)

	jr, err := f.requests.RequestSeatJoin(f.ctx, f.memberID, domain.SeatJoinRequest{SubscriptionID: subID})
	require.NoError(t, err)
	other, err := f.requests.RequestSeatJoin(f.ctx, f.secondMemberID, domain.SeatJoinRequest{SubscriptionID: subID})
	require.NoError(t, err)

	pending, err := f.requests.ListPendingForSubscription(f.ctx, subID, f.hostID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	_, err = f.requests.ListPendingForSubscription(f.ctx, subID, f.memberID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.requests.Approve(f.ctx, jr.ID, f.hostID)
	require.NoError(t, err)
	seat, err := f.repo.FindSeatByUser(f.ctx, subID, f.memberID)
	require.NoError(t, err)
	assert.Equal(t, 2, seat.Index)

	// The last seat went to the first approval; the second approval fails and stays pending.
	_, err = f.requests.Approve(f.ctx, other.ID, f.hostID)
	require.ErrorIs(t, err, ErrBusinessRule)
	assert.Equal(t, "no seats available", err.Error())
	reloaded, err := f.repo.FindJoinRequestByID(f.ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JoinRequestPending, reloaded.State)

	_, err = f.requests.RequestSeatJoin(f.ctx, f.memberID, domain.SeatJoinRequest{SubscriptionID: subID})
	require.ErrorIs(t, err, ErrBusinessRule)
}

func TestRejectAndCancel(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 3, true)
	subID := created.Subscription.ID

	jr, err := f.requests.RequestSeatJoin(f.ctx, f.memberID, domain.SeatJoinRequest{SubscriptionID: subID})
	require.NoError(t, err)

	_, err = f.requests.Reject(f.ctx, jr.ID, f.secondMemberID, "no")
	require.ErrorIs(t, err, ErrForbidden)

	rejected, err := f.requests.Reject(f.ctx, jr.ID, f.hostID, "  seat reserved for family  ")
	require.NoError(t, err)
	assert.Equal(t, domain.JoinRequestRejected, rejected.State)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "seat reserved for family", *rejected.RejectionReason)
	assert.Equal(t, 1, f.notifier.count(f.memberID, domain.NotifyJoinRequestRejected))

	_, err = f.requests.Cancel(f.ctx, jr.ID, f.memberID)
	require.ErrorIs(t, err, ErrBusinessRule)

	again, err := f.requests.RequestSeatJoin(f.ctx, f.memberID, domain.SeatJoinRequest{SubscriptionID: subID})
	require.NoError(t, err)

	_, err = f.requests.Cancel(f.ctx, again.ID, f.hostID)
	require.ErrorIs(t, err, ErrForbidden)

	cancelled, err := f.requests.Cancel(f.ctx, again.ID, f.memberID)
	require.NoError(t, err)
	assert.Equal(t, domain.JoinRequestCancelled, cancelled.State)
	assert.Nil(t, cancelled.ApproverID)
}

package app

import (
	"sync"
	"testing"

	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSubscriptionPreOccupiesHostSeat(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 5, true)

	require.Len(t, created.Seats, 5)
	assert.Equal(t, int64(450), created.Subscription.PricePerSeat)
	assert.Equal(t, "2026-04-10", created.Subscription.RenewalDate.Format("2006-01-02"))

	host := created.Seats[0]
	assert.Equal(t, 1, host.Index)
	assert.True(t, host.IsHostSeat)
	assert.True(t, host.OccupiedBy(f.hostID))
	for _, seat := range created.Seats[1:] {
		assert.Equal(t, domain.SeatAvailable, seat.State, "seat %d", seat.Index)
		assert.Nil(t, seat.UserID)
	}
	assert.Equal(t, domain.SeatSummary{Total: 5, Available: 4, Occupied: 1}, created.Summary)
}

func TestCreateSubscriptionWithoutHostSeat(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 5, false)

	assert.Equal(t, int64(360), created.Subscription.PricePerSeat)
	assert.Equal(t, 5, created.Summary.Available)
}

func TestCreateSubscriptionValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		hostID int64
		mutate func(req *domain.CreateSubscriptionRequest)
		code   string
	}{
		{name: "host not a member", hostID: f.outsiderID, code: CodeNotMember},
		{name: "too many seats", hostID: f.hostID, mutate: func(r *domain.CreateSubscriptionRequest) { r.SeatCount = 7 }, code: CodeSeatCountExceedsMax},
		{name: "bad periodicity", hostID: f.hostID, mutate: func(r *domain.CreateSubscriptionRequest) { r.Periodicity = "WEEKLY" }, code: CodeInvalidInput},
		{name: "bad start date", hostID: f.hostID, mutate: func(r *domain.CreateSubscriptionRequest) { r.StartDate = "10/03/2026" }, code: CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := domain.CreateSubscriptionRequest{
				GroupID: f.groupID, CatalogServiceID: f.serviceID, TotalPrice: 1000,
				SeatCount: 3, StartDate: "2026-03-10", Periodicity: "monthly",
			}
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			_, err := f.seats.CreateSubscription(f.ctx, tt.hostID, req)
			require.ErrorIs(t, err, ErrBusinessRule)
			appErr, _ := AsError(err)
			assert.Equal(t, tt.code, appErr.Code)
		})
	}
}

func TestCreateSubscriptionHonoursGroupCap(t *testing.T) {
	f := newFixture(t)
	f.seats.groupCap = 2
	f.createSubscription(t, 2, true)
	second := f.createSubscription(t, 2, true)

	_, err := f.seats.CreateSubscription(f.ctx, f.hostID, domain.CreateSubscriptionRequest{
		GroupID: f.groupID, CatalogServiceID: f.serviceID, TotalPrice: 1000, SeatCount: 2,
		StartDate: "2026-03-10", Periodicity: "MONTHLY",
	})
	require.ErrorIs(t, err, ErrBusinessRule)

	// Cancelled subscriptions no longer count toward the cap.
	_, err = f.seats.CancelSubscription(f.ctx, second.Subscription.ID, f.hostID)
	require.NoError(t, err)
	f.createSubscription(t, 2, true)
}

func TestOccupySeatAssignsLowestIndex(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 4, true)

	seat, err := f.seats.OccupySeat(f.ctx, created.Subscription.ID, f.memberID)
	require.NoError(t, err)
	assert.Equal(t, 2, seat.Index)

	_, err = f.seats.OccupySeat(f.ctx, created.Subscription.ID, f.memberID)
	require.ErrorIs(t, err, ErrBusinessRule)
	assert.Contains(t, err.Error(), "already occupies")

	_, err = f.seats.OccupySeat(f.ctx, created.Subscription.ID, f.outsiderID)
	require.ErrorIs(t, err, ErrBusinessRule)
	assert.Contains(t, err.Error(), "not an active member")
}

func TestOccupyLastSeatConcurrently(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 2, true)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, userID := range []int64{f.memberID, f.secondMemberID} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			_, errs[i] = f.seats.OccupySeat(f.ctx, created.Subscription.ID, userID)
		}(i, userID)
	}
	wg.Wait()

	var failures []error
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrBusinessRule)
	assert.Equal(t, "no seats available", failures[0].Error())
}

func TestReleaseSeatPermissions(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 3, true)
	hostSeat := created.Seats[0]

	_, err := f.seats.ReleaseSeat(f.ctx, hostSeat.ID, f.hostID)
	require.ErrorIs(t, err, ErrBusinessRule)
	appErr, _ := AsError(err)
	assert.Equal(t, CodeHostSeatReserved, appErr.Code)

	_, err = f.seats.ReleaseSeat(f.ctx, hostSeat.ID, f.memberID)
	require.ErrorIs(t, err, ErrForbidden)

	seat, err := f.seats.OccupySeat(f.ctx, created.Subscription.ID, f.memberID)
	require.NoError(t, err)

	_, err = f.seats.ReleaseSeat(f.ctx, seat.ID, f.secondMemberID)
	require.ErrorIs(t, err, ErrForbidden)

	released, err := f.seats.ReleaseSeat(f.ctx, seat.ID, f.hostID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatAvailable, released.State)
	assert.Nil(t, released.UserID)
	assert.NotNil(t, released.VacatedAt)
	assert.Equal(t, 1, f.notifier.count(f.memberID, domain.NotifySeatReleased))

	_, err = f.seats.ReleaseSeat(f.ctx, seat.ID, f.hostID)
	require.ErrorIs(t, err, ErrBusinessRule)
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 3, true)
	subID := created.Subscription.ID
	_, err := f.seats.OccupySeat(f.ctx, subID, f.memberID)
	require.NoError(t, err)

	_, err = f.seats.PauseSubscription(f.ctx, subID, f.memberID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.seats.ReactivateSubscription(f.ctx, subID, f.hostID)
	require.ErrorIs(t, err, ErrBusinessRule)

	paused, err := f.seats.PauseSubscription(f.ctx, subID, f.hostID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionPaused, paused.State)

	_, err = f.seats.OccupySeat(f.ctx, subID, f.secondMemberID)
	require.ErrorIs(t, err, ErrBusinessRule)

	active, err := f.seats.ReactivateSubscription(f.ctx, subID, f.hostID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionActive, active.State)

	cancelled, err := f.seats.CancelSubscription(f.ctx, subID, f.hostID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionCancelled, cancelled.State)

	view, err := f.seats.GetSubscription(f.ctx, subID, f.memberID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeatOccupied, view.Seats[0].State, "host seat stays occupied")
	assert.Equal(t, domain.SeatBlocked, view.Seats[1].State)
	assert.Equal(t, domain.SeatAvailable, view.Seats[2].State)

	_, err = f.seats.ReactivateSubscription(f.ctx, subID, f.hostID)
	require.ErrorIs(t, err, ErrBusinessRule)
}

func TestGetSubscriptionRequiresMembership(t *testing.T) {
	f := newFixture(t)
	created := f.createSubscription(t, 3, true)

	_, err := f.seats.GetSubscription(f.ctx, created.Subscription.ID, f.outsiderID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.seats.GetSubscription(f.ctx, 9999, f.hostID)
	require.ErrorIs(t, err, ErrNotFound)
}

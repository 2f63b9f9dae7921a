package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests are opt-in and require TEST_DATABASE_URL pointing at a
// disposable Postgres instance. Migrations are applied to it.

type pgFixture struct {
	ctx    context.Context
	pool   *pgxpool.Pool
	repo   *PostgresRepository
	suffix string

	hostID, memberID, methodID, groupID, serviceID int64
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("integration test skipped: TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		t.Skipf("integration test skipped: Postgres unreachable (TEST_DATABASE_URL set): %v", err)
	}
	require.NoError(t, RunMigrations(url))

	f := &pgFixture{ctx: ctx, pool: pool, repo: NewPostgresRepository(pool), suffix: fmt.Sprintf("%d", time.Now().UnixNano())}
	f.hostID = f.user(t, "host")
	f.memberID = f.user(t, "member")
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO groups (name, invitation_code, admin_id, max_members)
		VALUES ('Store test', $1, $2, 10) RETURNING id
	`, "G"+f.suffix, f.hostID).Scan(&f.groupID))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO catalog_services (name, max_users) VALUES ('StreamPlus', 6) RETURNING id`).Scan(&f.serviceID))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO payment_methods (user_id, gateway_token) VALUES ($1, 'pm_test') RETURNING id`, f.memberID).Scan(&f.methodID))
	return f
}

func (f *pgFixture) user(t *testing.T, name string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, f.pool.QueryRow(f.ctx,
		`INSERT INTO users (clerk_user_id, display_name) VALUES ($1, $2) RETURNING id`, name+"_"+f.suffix, name).Scan(&id))
	return id
}

func (f *pgFixture) subscription(t *testing.T, seatCount int) *domain.Subscription {
	t.Helper()
	start := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	sub := &domain.Subscription{
		GroupID: f.groupID, HostID: f.hostID, CatalogServiceID: f.serviceID,
		TotalPrice: 600 * int64(seatCount), Currency: "USD", SeatCount: seatCount, PricePerSeat: 600,
		Periodicity: domain.PeriodMonthly, StartDate: start, RenewalDate: start.AddDate(0, 1, 0),
		State: domain.SubscriptionActive, CreatedAt: start, UpdatedAt: start,
	}
	seats := make([]domain.Seat, seatCount)
	for i := range seats {
		seats[i] = domain.Seat{Index: i + 1, State: domain.SeatAvailable, CreatedAt: start, UpdatedAt: start}
	}
	require.NoError(t, f.repo.CreateSubscriptionWithSeats(f.ctx, sub, seats, 1000))
	return sub
}

func (f *pgFixture) payment(t *testing.T, sub *domain.Subscription, seatID int64) *domain.Payment {
	t.Helper()
	now := time.Now().UTC()
	p := &domain.Payment{
		SeatID: seatID, SubscriptionID: sub.ID, UserID: f.memberID, PaymentMethodID: f.methodID,
		Amount: 600, Currency: "USD", ChargedAt: now, RetentionDeadline: now.AddDate(0, 0, -1),
		GatewayReference: "ch_" + f.suffix, IdempotencyKey: uuid.New(),
		CycleStart: sub.StartDate, CycleEnd: sub.StartDate.AddDate(0, 1, 0), State: domain.PaymentRetained,
	}
	require.NoError(t, f.repo.CreatePayment(f.ctx, p))
	return p
}

func TestPostgresLastSeatRace(t *testing.T) {
	f := newPGFixture(t)
	sub := f.subscription(t, 1)

	const contenders = 8
	users := make([]int64, contenders)
	for i := range users {
		users[i] = f.user(t, fmt.Sprintf("contender%d", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.repo.OccupyNextAvailableSeat(f.ctx, sub.ID, users[i], time.Now().UTC())
		}(i)
	}
	wg.Wait()

	won, lost := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrNoSeatAvailable):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, contenders-1, lost)

	available, err := f.repo.CountAvailableSeats(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, available)
}

func TestPostgresDuplicateCycleRejected(t *testing.T) {
	f := newPGFixture(t)
	sub := f.subscription(t, 2)
	seat, err := f.repo.OccupyNextAvailableSeat(f.ctx, sub.ID, f.memberID, time.Now().UTC())
	require.NoError(t, err)

	first := f.payment(t, sub, seat.ID)
	second := *first
	second.ID = 0
	second.IdempotencyKey = uuid.New()
	err = f.repo.CreatePayment(f.ctx, &second)
	require.ErrorIs(t, err, ErrPaymentAlreadyExists)
}

func TestPostgresActiveDisputeBlocksRelease(t *testing.T) {
	f := newPGFixture(t)
	sub := f.subscription(t, 2)
	seat, err := f.repo.OccupyNextAvailableSeat(f.ctx, sub.ID, f.memberID, time.Now().UTC())
	require.NoError(t, err)
	p := f.payment(t, sub, seat.ID)
	agentID := f.user(t, "agent")
	now := time.Now().UTC()

	dispute := &domain.Dispute{PaymentID: p.ID, ClaimantID: f.memberID, Reason: "service_unavailable", State: domain.DisputeOpen, CreatedAt: now}
	require.NoError(t, f.repo.CreateDispute(f.ctx, dispute))

	_, err = f.repo.LiberatePayment(f.ctx, p.ID, now)
	require.ErrorIs(t, err, ErrPaymentHasActiveDispute)

	claim := domain.DisputeClaim{AgentID: agentID, Outcome: domain.OutcomeFavorHost, ClaimedAt: now}
	claimed, err := f.repo.ClaimDisputeResolution(f.ctx, dispute.ID, claim)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeResolving, claimed.State)

	_, err = f.repo.ClaimDisputeResolution(f.ctx, dispute.ID, claim)
	require.ErrorIs(t, err, ErrDisputeStateConflict, "only one claim may succeed")

	err = f.repo.CreateDispute(f.ctx, &domain.Dispute{PaymentID: p.ID, ClaimantID: f.memberID, Reason: "again", State: domain.DisputeOpen, CreatedAt: now})
	require.ErrorIs(t, err, ErrActiveDisputeExists)

	_, err = f.repo.LiberatePayment(f.ctx, p.ID, now)
	require.ErrorIs(t, err, ErrPaymentHasActiveDispute, "a dispute being resolved still blocks release")

	_, err = f.repo.ResolveDispute(f.ctx, dispute.ID, domain.DisputeResolution{AgentID: agentID, Outcome: domain.OutcomeFavorHost, ResolvedAt: now})
	require.NoError(t, err)

	released, err := f.repo.LiberatePayment(f.ctx, p.ID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentLiberated, released.State)
}

func TestPostgresRefundReservationGuard(t *testing.T) {
	f := newPGFixture(t)
	sub := f.subscription(t, 2)
	seat, err := f.repo.OccupyNextAvailableSeat(f.ctx, sub.ID, f.memberID, time.Now().UTC())
	require.NoError(t, err)
	p := f.payment(t, sub, seat.ID)
	staleBefore := time.Now().UTC().Add(-time.Hour)

	_, _, err = f.repo.ReserveRefund(f.ctx, p.ID, 601, uuid.New(), staleBefore)
	require.ErrorIs(t, err, ErrRefundExceedsAvailable)

	firstKey := uuid.New()
	attempt, reserved, err := f.repo.ReserveRefund(f.ctx, p.ID, 100, firstKey, staleBefore)
	require.NoError(t, err)
	assert.Equal(t, firstKey, attempt.IdempotencyKey)
	assert.Equal(t, int64(100), reserved.RefundInFlight)

	_, _, err = f.repo.ReserveRefund(f.ctx, p.ID, 100, uuid.New(), staleBefore)
	require.ErrorIs(t, err, ErrRefundInProgress)

	require.NoError(t, f.repo.MarkRefundAttemptUnknown(f.ctx, p.ID, firstKey))
	_, _, err = f.repo.ReserveRefund(f.ctx, p.ID, 50, uuid.New(), staleBefore)
	require.ErrorIs(t, err, ErrRefundPending)

	_, err = f.repo.LiberatePayment(f.ctx, p.ID, time.Now().UTC())
	require.ErrorIs(t, err, ErrRefundInProgress)

	retried, _, err := f.repo.ReserveRefund(f.ctx, p.ID, 100, uuid.New(), staleBefore)
	require.NoError(t, err)
	assert.Equal(t, firstKey, retried.IdempotencyKey, "a retry reuses the unsettled key")

	settled, err := f.repo.SettleRefund(f.ctx, &domain.PaymentRefund{PaymentID: p.ID, Amount: 100, Reason: "goodwill", GatewayReference: "re_1"}, firstKey, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPartiallyRefunded, settled.State)
	assert.Equal(t, int64(100), settled.RefundedAmount)
	assert.Zero(t, settled.RefundInFlight)
}

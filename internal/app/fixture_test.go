package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/seatshare/settlement-service/internal/store"
	"github.com/seatshare/settlement-service/pkg/gateway"
	"github.com/stretchr/testify/require"
)

type sentNotification struct {
	userID int64
	kind   domain.NotificationType
	title  string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(ctx context.Context, userID int64, kind domain.NotificationType, title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{userID: userID, kind: kind, title: title})
}

func (n *recordingNotifier) count(userID int64, kind domain.NotificationType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.userID == userID && s.kind == kind {
			c++
		}
	}
	return c
}

// scriptedGateway returns queued errors before falling back to success.
type scriptedGateway struct {
	mu         sync.Mutex
	chargeErrs []error
	refundErrs []error
	chargeKeys []string
	refundKeys []string
	seq        int
}

func (g *scriptedGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeKeys = append(g.chargeKeys, req.IdempotencyKey)
	if len(g.chargeErrs) > 0 {
		err := g.chargeErrs[0]
		g.chargeErrs = g.chargeErrs[1:]
		return nil, err
	}
	g.seq++
	return &gateway.ChargeResult{Reference: fmt.Sprintf("ch_%d", g.seq)}, nil
}

func (g *scriptedGateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundKeys = append(g.refundKeys, req.IdempotencyKey)
	if len(g.refundErrs) > 0 {
		err := g.refundErrs[0]
		g.refundErrs = g.refundErrs[1:]
		return nil, err
	}
	g.seq++
	return &gateway.RefundResult{Reference: fmt.Sprintf("re_%d", g.seq)}, nil
}

type fixture struct {
	ctx      context.Context
	repo     *store.MemoryRepository
	notifier *recordingNotifier
	gateway  *scriptedGateway
	clock    time.Time

	seats    *SeatAllocator
	requests *JoinRequestWorkflow
	ledger   *PaymentLedger
	disputes *DisputeResolver

	hostID, memberID, secondMemberID, outsiderID, agentID int64
	groupID, serviceID                                    int64
	memberMethodID, secondMethodID                        int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		repo:     store.NewMemoryRepository(),
		notifier: &recordingNotifier{},
		gateway:  &scriptedGateway{},
		clock:    time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }

	f.seats = NewSeatAllocator(f.repo, f.notifier, domain.GroupSubscriptionCap, "USD")
	f.seats.now = now
	f.requests = NewJoinRequestWorkflow(f.repo, f.seats, f.notifier)
	f.requests.now = now
	f.ledger = NewPaymentLedger(f.repo, f.gateway, f.notifier, LedgerConfig{RetentionDays: 30, GatewayTimeout: time.Second})
	f.ledger.now = now
	f.disputes = NewDisputeResolver(f.repo, f.ledger, f.notifier)
	f.disputes.now = now

	f.hostID = f.repo.SeedUser("user_host", domain.RoleUser)
	f.memberID = f.repo.SeedUser("user_member", domain.RoleUser)
	f.secondMemberID = f.repo.SeedUser("user_second", domain.RoleUser)
	f.outsiderID = f.repo.SeedUser("user_outsider", domain.RoleUser)
	f.agentID = f.repo.SeedUser("user_agent", domain.RoleSupportAgent)

	f.groupID = f.repo.SeedGroup("Flatmates", "flat2026", f.hostID, 6)
	f.repo.SeedMembership(f.groupID, f.memberID)
	f.repo.SeedMembership(f.groupID, f.secondMemberID)
	f.serviceID = f.repo.SeedCatalogService("StreamPlus Family", 6)
	f.memberMethodID = f.repo.SeedPaymentMethod(f.memberID, "pm_member")
	f.secondMethodID = f.repo.SeedPaymentMethod(f.secondMemberID, "pm_second")
	return f
}

func (f *fixture) createSubscription(t *testing.T, seatCount int, hostOccupies bool) *domain.SubscriptionWithSeats {
	t.Helper()
	created, err := f.seats.CreateSubscription(f.ctx, f.hostID, domain.CreateSubscriptionRequest{
		GroupID:          f.groupID,
		CatalogServiceID: f.serviceID,
		TotalPrice:       1799,
		SeatCount:        seatCount,
		StartDate:        "2026-03-10",
		Periodicity:      "MONTHLY",
		HostOccupiesSeat: hostOccupies,
	})
	require.NoError(t, err)
	return created
}

// retainedPayment creates a subscription, seats the member and charges them once.
func (f *fixture) retainedPayment(t *testing.T) *domain.Payment {
	t.Helper()
	sub := f.createSubscription(t, 4, true)
	seat, err := f.seats.OccupySeat(f.ctx, sub.Subscription.ID, f.memberID)
	require.NoError(t, err)
	payment, err := f.ledger.ProcessPayment(f.ctx, f.memberID, domain.ProcessPaymentRequest{
		SeatID: seat.ID, PaymentMethodID: f.memberMethodID, Amount: sub.Subscription.PricePerSeat,
	})
	require.NoError(t, err)
	return payment
}

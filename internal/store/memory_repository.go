package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/seatshare/settlement-service/internal/domain"
)

type membershipKey struct {
	groupID int64
	userID  int64
}

type attemptKey struct {
	seatID     int64
	cycleStart time.Time
}

type memoryState struct {
	nextID        int64
	users         map[int64]domain.User
	groups        map[int64]domain.Group
	memberships   map[membershipKey]domain.Membership
	catalog       map[int64]domain.CatalogService
	methods       map[int64]domain.PaymentMethod
	subscriptions map[int64]domain.Subscription
	seats         map[int64]domain.Seat
	payments      map[int64]domain.Payment
	attempts      map[attemptKey]domain.ChargeAttempt
	refundTries   map[int64]domain.RefundAttempt
	refunds       []domain.PaymentRefund
	disputes      map[int64]domain.Dispute
	joinRequests  map[int64]domain.JoinRequest
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:         map[int64]domain.User{},
		groups:        map[int64]domain.Group{},
		memberships:   map[membershipKey]domain.Membership{},
		catalog:       map[int64]domain.CatalogService{},
		methods:       map[int64]domain.PaymentMethod{},
		subscriptions: map[int64]domain.Subscription{},
		seats:         map[int64]domain.Seat{},
		payments:      map[int64]domain.Payment{},
		attempts:      map[attemptKey]domain.ChargeAttempt{},
		refundTries:   map[int64]domain.RefundAttempt{},
		disputes:      map[int64]domain.Dispute{},
		joinRequests:  map[int64]domain.JoinRequest{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memoryState) clone() *memoryState {
	return &memoryState{
		nextID:        s.nextID,
		users:         cloneMap(s.users),
		groups:        cloneMap(s.groups),
		memberships:   cloneMap(s.memberships),
		catalog:       cloneMap(s.catalog),
		methods:       cloneMap(s.methods),
		subscriptions: cloneMap(s.subscriptions),
		seats:         cloneMap(s.seats),
		payments:      cloneMap(s.payments),
		attempts:      cloneMap(s.attempts),
		refundTries:   cloneMap(s.refundTries),
		refunds:       append([]domain.PaymentRefund(nil), s.refunds...),
		disputes:      cloneMap(s.disputes),
		joinRequests:  cloneMap(s.joinRequests),
	}
}

func (s *memoryState) id() int64 {
	s.nextID++
	return s.nextID
}

// MemoryRepository is an in-process Repository. A single mutex serializes every
// operation, which gives the same all-or-nothing behaviour the Postgres
// implementation gets from conditional writes. Used by tests and local runs
// without DATABASE_URL.
type MemoryRepository struct {
	mu    *sync.Mutex
	state *memoryState
	inTx  bool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{mu: &sync.Mutex{}, state: newMemoryState()}
}

func (r *MemoryRepository) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

// WithTx runs fn with exclusive access and restores the previous state if fn fails.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.state.clone()
	if err := fn(&MemoryRepository{mu: r.mu, state: r.state, inTx: true}); err != nil {
		*r.state = *snapshot
		return err
	}
	return nil
}

// SeedUser stores a user and returns its id.
func (r *MemoryRepository) SeedUser(clerkUserID string, role domain.UserRole) int64 {
	defer r.lock()()
	id := r.state.id()
	r.state.users[id] = domain.User{ID: id, ClerkUserID: clerkUserID, DisplayName: clerkUserID, Role: role, CreatedAt: time.Now().UTC()}
	return id
}

// SeedGroup stores an ACTIVE group administered by adminID, who becomes its first member.
func (r *MemoryRepository) SeedGroup(name, invitationCode string, adminID int64, maxMembers int) int64 {
	defer r.lock()()
	id := r.state.id()
	now := time.Now().UTC()
	r.state.groups[id] = domain.Group{
		ID: id, Name: name, InvitationCode: strings.ToUpper(invitationCode), AdminID: adminID,
		MaxMembers: maxMembers, State: domain.GroupActive, CreatedAt: now,
	}
	r.state.memberships[membershipKey{id, adminID}] = domain.Membership{
		ID: r.state.id(), GroupID: id, UserID: adminID, Role: domain.MemberRoleAdmin, Active: true, JoinedAt: now,
	}
	return id
}

// SeedGroupState overrides a group's lifecycle state.
func (r *MemoryRepository) SeedGroupState(groupID int64, state domain.GroupState) {
	defer r.lock()()
	g := r.state.groups[groupID]
	g.State = state
	r.state.groups[groupID] = g
}

// SeedMembership activates userID in groupID without capacity checks.
func (r *MemoryRepository) SeedMembership(groupID, userID int64) {
	defer r.lock()()
	r.state.memberships[membershipKey{groupID, userID}] = domain.Membership{
		ID: r.state.id(), GroupID: groupID, UserID: userID, Role: domain.MemberRoleMember, Active: true, JoinedAt: time.Now().UTC(),
	}
}

// RevokeMembership deactivates userID in groupID.
func (r *MemoryRepository) RevokeMembership(groupID, userID int64) {
	defer r.lock()()
	key := membershipKey{groupID, userID}
	if m, ok := r.state.memberships[key]; ok {
		m.Active = false
		r.state.memberships[key] = m
	}
}

// SeedCatalogService stores an active catalog service.
func (r *MemoryRepository) SeedCatalogService(name string, maxUsers int) int64 {
	defer r.lock()()
	id := r.state.id()
	r.state.catalog[id] = domain.CatalogService{ID: id, Name: name, MaxUsers: maxUsers, Active: true}
	return id
}

// SeedPaymentMethod stores an active payment method for userID.
func (r *MemoryRepository) SeedPaymentMethod(userID int64, token string) int64 {
	defer r.lock()()
	id := r.state.id()
	r.state.methods[id] = domain.PaymentMethod{ID: id, UserID: userID, GatewayToken: token, Label: token, Active: true, CreatedAt: time.Now().UTC()}
	return id
}

// SeedPaymentDeadline moves a payment's retention deadline, for sweep scenarios.
func (r *MemoryRepository) SeedPaymentDeadline(paymentID int64, deadline time.Time) {
	defer r.lock()()
	p := r.state.payments[paymentID]
	p.RetentionDeadline = deadline
	r.state.payments[paymentID] = p
}

func (r *MemoryRepository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (int64, error) {
	defer r.lock()()
	for _, u := range r.state.users {
		if u.ClerkUserID == clerkUserID {
			return u.ID, nil
		}
	}
	return 0, ErrUserNotFound
}

func (r *MemoryRepository) FindUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	defer r.lock()()
	u, ok := r.state.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *MemoryRepository) FindGroupByID(ctx context.Context, groupID int64) (*domain.Group, error) {
	defer r.lock()()
	g, ok := r.state.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return &g, nil
}

func (r *MemoryRepository) FindGroupByInvitationCode(ctx context.Context, code string) (*domain.Group, error) {
	defer r.lock()()
	normalized := strings.ToUpper(strings.TrimSpace(code))
	for _, g := range r.state.groups {
		if g.InvitationCode == normalized {
			return &g, nil
		}
	}
	return nil, ErrGroupNotFound
}

func (r *MemoryRepository) FindActiveMembership(ctx context.Context, groupID, userID int64) (*domain.Membership, error) {
	defer r.lock()()
	m, ok := r.state.memberships[membershipKey{groupID, userID}]
	if !ok || !m.Active {
		return nil, ErrMembershipNotFound
	}
	return &m, nil
}

func (r *MemoryRepository) countActiveMembers(groupID int64) int {
	count := 0
	for key, m := range r.state.memberships {
		if key.groupID == groupID && m.Active {
			count++
		}
	}
	return count
}

func (r *MemoryRepository) CountActiveMembers(ctx context.Context, groupID int64) (int, error) {
	defer r.lock()()
	return r.countActiveMembers(groupID), nil
}

func (r *MemoryRepository) AddGroupMember(ctx context.Context, groupID, userID int64, role domain.MembershipRole, maxMembers int, at time.Time) (*domain.Membership, error) {
	defer r.lock()()
	if _, ok := r.state.groups[groupID]; !ok {
		return nil, ErrGroupNotFound
	}
	key := membershipKey{groupID, userID}
	if m, ok := r.state.memberships[key]; ok && m.Active {
		return &m, nil
	}
	if r.countActiveMembers(groupID) >= maxMembers {
		return nil, ErrGroupMemberCapReached
	}
	m, ok := r.state.memberships[key]
	if !ok {
		m = domain.Membership{ID: r.state.id(), GroupID: groupID, UserID: userID}
	}
	m.Role = role
	m.Active = true
	m.JoinedAt = at
	r.state.memberships[key] = m
	return &m, nil
}

func (r *MemoryRepository) FindCatalogServiceByID(ctx context.Context, serviceID int64) (*domain.CatalogService, error) {
	defer r.lock()()
	s, ok := r.state.catalog[serviceID]
	if !ok {
		return nil, ErrCatalogServiceNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) FindPaymentMethodByID(ctx context.Context, methodID int64) (*domain.PaymentMethod, error) {
	defer r.lock()()
	pm, ok := r.state.methods[methodID]
	if !ok {
		return nil, ErrPaymentMethodNotFound
	}
	return &pm, nil
}

func (r *MemoryRepository) CreateSubscriptionWithSeats(ctx context.Context, sub *domain.Subscription, seats []domain.Seat, groupCap int) error {
	defer r.lock()()
	if _, ok := r.state.groups[sub.GroupID]; !ok {
		return ErrGroupNotFound
	}
	active := 0
	for _, s := range r.state.subscriptions {
		if s.GroupID == sub.GroupID && s.State == domain.SubscriptionActive {
			active++
		}
	}
	if active >= groupCap {
		return ErrGroupSubscriptionCapReached
	}

	sub.ID = r.state.id()
	sub.UpdatedAt = sub.CreatedAt
	r.state.subscriptions[sub.ID] = *sub
	for i := range seats {
		seats[i].ID = r.state.id()
		seats[i].SubscriptionID = sub.ID
		seats[i].CreatedAt = sub.CreatedAt
		seats[i].UpdatedAt = sub.CreatedAt
		r.state.seats[seats[i].ID] = seats[i]
	}
	return nil
}

func (r *MemoryRepository) FindSubscriptionByID(ctx context.Context, subscriptionID int64) (*domain.Subscription, error) {
	defer r.lock()()
	s, ok := r.state.subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) TransitionSubscription(ctx context.Context, subscriptionID int64, from []domain.SubscriptionState, to domain.SubscriptionState, at time.Time) (*domain.Subscription, error) {
	defer r.lock()()
	s, ok := r.state.subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if !containsState(from, s.State) {
		return nil, ErrSubscriptionStateConflict
	}
	s.State = to
	s.UpdatedAt = at
	r.state.subscriptions[subscriptionID] = s
	return &s, nil
}

func (r *MemoryRepository) seatsOf(subscriptionID int64) []domain.Seat {
	var seats []domain.Seat
	for _, s := range r.state.seats {
		if s.SubscriptionID == subscriptionID {
			seats = append(seats, s)
		}
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i].Index < seats[j].Index })
	return seats
}

func (r *MemoryRepository) ListSeats(ctx context.Context, subscriptionID int64) ([]domain.Seat, error) {
	defer r.lock()()
	return r.seatsOf(subscriptionID), nil
}

func (r *MemoryRepository) FindSeatByID(ctx context.Context, seatID int64) (*domain.Seat, error) {
	defer r.lock()()
	s, ok := r.state.seats[seatID]
	if !ok {
		return nil, ErrSeatNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) FindSeatByUser(ctx context.Context, subscriptionID, userID int64) (*domain.Seat, error) {
	defer r.lock()()
	for _, s := range r.seatsOf(subscriptionID) {
		if s.UserID != nil && *s.UserID == userID {
			return &s, nil
		}
	}
	return nil, ErrSeatNotFound
}

func (r *MemoryRepository) CountAvailableSeats(ctx context.Context, subscriptionID int64) (int, error) {
	defer r.lock()()
	count := 0
	for _, s := range r.seatsOf(subscriptionID) {
		if s.State == domain.SeatAvailable {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) OccupyNextAvailableSeat(ctx context.Context, subscriptionID, userID int64, at time.Time) (*domain.Seat, error) {
	defer r.lock()()
	sub, ok := r.state.subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if sub.State != domain.SubscriptionActive {
		return nil, ErrSubscriptionStateConflict
	}
	seats := r.seatsOf(subscriptionID)
	for _, s := range seats {
		if s.UserID != nil && *s.UserID == userID {
			return nil, ErrSeatAlreadyHeld
		}
	}
	for _, s := range seats {
		if s.State != domain.SeatAvailable {
			continue
		}
		occupant := userID
		occupiedAt := at
		s.State = domain.SeatOccupied
		s.UserID = &occupant
		s.OccupiedAt = &occupiedAt
		s.VacatedAt = nil
		s.UpdatedAt = at
		r.state.seats[s.ID] = s
		return &s, nil
	}
	return nil, ErrNoSeatAvailable
}

func (r *MemoryRepository) ReleaseSeat(ctx context.Context, seatID int64, at time.Time) (*domain.Seat, error) {
	defer r.lock()()
	s, ok := r.state.seats[seatID]
	if !ok {
		return nil, ErrSeatNotFound
	}
	if s.State != domain.SeatOccupied {
		return nil, ErrSeatStateConflict
	}
	vacatedAt := at
	s.State = domain.SeatAvailable
	s.UserID = nil
	s.VacatedAt = &vacatedAt
	s.UpdatedAt = at
	r.state.seats[seatID] = s
	return &s, nil
}

func (r *MemoryRepository) BlockOccupiedSeats(ctx context.Context, subscriptionID int64, at time.Time) (int64, error) {
	defer r.lock()()
	var blocked int64
	for _, s := range r.seatsOf(subscriptionID) {
		if s.State == domain.SeatOccupied && !s.IsHostSeat {
			s.State = domain.SeatBlocked
			s.UpdatedAt = at
			r.state.seats[s.ID] = s
			blocked++
		}
	}
	return blocked, nil
}

func (r *MemoryRepository) ListSeatsHeldInGroup(ctx context.Context, groupID, userID int64) ([]domain.Seat, error) {
	defer r.lock()()
	var held []domain.Seat
	for _, sub := range r.state.subscriptions {
		if sub.GroupID != groupID {
			continue
		}
		for _, s := range r.seatsOf(sub.ID) {
			if s.OccupiedBy(userID) {
				held = append(held, s)
			}
		}
	}
	sort.Slice(held, func(i, j int) bool { return held[i].ID < held[j].ID })
	return held, nil
}

func (r *MemoryRepository) FindPaymentByID(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	defer r.lock()()
	p, ok := r.state.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) FindPaymentBySeatCycle(ctx context.Context, seatID int64, cycleStart time.Time) (*domain.Payment, error) {
	defer r.lock()()
	for _, p := range r.state.payments {
		if p.SeatID == seatID && p.CycleStart.Equal(cycleStart) {
			return &p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *MemoryRepository) ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]domain.Payment, error) {
	defer r.lock()()
	var out []domain.Payment
	for _, p := range r.state.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) AcquireChargeAttempt(ctx context.Context, seatID int64, cycleStart time.Time, key uuid.UUID, staleBefore time.Time) (*domain.ChargeAttempt, error) {
	defer r.lock()()
	k := attemptKey{seatID, cycleStart.UTC()}
	now := time.Now().UTC()
	if existing, ok := r.state.attempts[k]; ok {
		if existing.Status != domain.ChargeAttemptUnknown && !existing.UpdatedAt.Before(staleBefore) {
			return nil, ErrChargeAttemptInProgress
		}
		existing.Status = domain.ChargeAttemptProcessing
		existing.UpdatedAt = now
		r.state.attempts[k] = existing
		return &existing, nil
	}
	attempt := domain.ChargeAttempt{SeatID: seatID, CycleStart: cycleStart, IdempotencyKey: key, Status: domain.ChargeAttemptProcessing, UpdatedAt: now}
	r.state.attempts[k] = attempt
	return &attempt, nil
}

func (r *MemoryRepository) MarkChargeAttemptUnknown(ctx context.Context, seatID int64, cycleStart time.Time, key uuid.UUID) error {
	defer r.lock()()
	k := attemptKey{seatID, cycleStart.UTC()}
	if existing, ok := r.state.attempts[k]; ok && existing.IdempotencyKey == key {
		existing.Status = domain.ChargeAttemptUnknown
		existing.UpdatedAt = time.Now().UTC()
		r.state.attempts[k] = existing
	}
	return nil
}

func (r *MemoryRepository) DeleteChargeAttempt(ctx context.Context, seatID int64, cycleStart time.Time, key uuid.UUID) error {
	defer r.lock()()
	k := attemptKey{seatID, cycleStart.UTC()}
	if existing, ok := r.state.attempts[k]; ok && existing.IdempotencyKey == key {
		delete(r.state.attempts, k)
	}
	return nil
}

func (r *MemoryRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	defer r.lock()()
	for _, existing := range r.state.payments {
		if (existing.SeatID == p.SeatID && existing.CycleStart.Equal(p.CycleStart)) || existing.IdempotencyKey == p.IdempotencyKey {
			return ErrPaymentAlreadyExists
		}
	}
	p.ID = r.state.id()
	p.CreatedAt = p.ChargedAt
	p.UpdatedAt = p.ChargedAt
	r.state.payments[p.ID] = *p
	return nil
}

func (r *MemoryRepository) TransitionPayment(ctx context.Context, paymentID int64, from []domain.PaymentState, to domain.PaymentState, at time.Time) (*domain.Payment, error) {
	defer r.lock()()
	p, ok := r.state.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if !containsState(from, p.State) {
		return nil, ErrPaymentStateConflict
	}
	p.State = to
	p.UpdatedAt = at
	r.state.payments[paymentID] = p
	return &p, nil
}

func (r *MemoryRepository) hasActiveDispute(paymentID int64) bool {
	for _, d := range r.state.disputes {
		if d.PaymentID == paymentID && d.State.Active() {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) LiberatePayment(ctx context.Context, paymentID int64, at time.Time) (*domain.Payment, error) {
	defer r.lock()()
	p, ok := r.state.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.State != domain.PaymentRetained {
		return nil, ErrPaymentStateConflict
	}
	if p.RefundInFlight > 0 {
		return nil, ErrRefundInProgress
	}
	if r.hasActiveDispute(paymentID) {
		return nil, ErrPaymentHasActiveDispute
	}
	liberatedAt := at
	p.State = domain.PaymentLiberated
	p.LiberatedAt = &liberatedAt
	p.UpdatedAt = at
	r.state.payments[paymentID] = p
	return &p, nil
}

func (r *MemoryRepository) RestoreDisputedPayment(ctx context.Context, paymentID int64, at time.Time) (*domain.Payment, error) {
	defer r.lock()()
	p, ok := r.state.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.State != domain.PaymentDisputed {
		return nil, ErrPaymentStateConflict
	}
	if p.RefundedAmount == 0 {
		p.State = domain.PaymentRetained
	} else {
		p.State = domain.PaymentPartiallyRefunded
	}
	p.UpdatedAt = at
	r.state.payments[paymentID] = p
	return &p, nil
}

func (r *MemoryRepository) ReserveRefund(ctx context.Context, paymentID int64, amount int64, key uuid.UUID, staleBefore time.Time) (*domain.RefundAttempt, *domain.Payment, error) {
	defer r.lock()()
	p, ok := r.state.payments[paymentID]
	if !ok {
		return nil, nil, ErrPaymentNotFound
	}
	now := time.Now().UTC()
	if existing, ok := r.state.refundTries[paymentID]; ok {
		if existing.Status == domain.ChargeAttemptProcessing && !existing.UpdatedAt.Before(staleBefore) {
			return nil, nil, ErrRefundInProgress
		}
		if existing.Amount != amount {
			return nil, nil, ErrRefundPending
		}
		existing.Status = domain.ChargeAttemptProcessing
		existing.UpdatedAt = now
		r.state.refundTries[paymentID] = existing
		return &existing, &p, nil
	}
	if !p.State.Refundable() {
		return nil, nil, ErrPaymentStateConflict
	}
	if p.RefundedAmount+p.RefundInFlight+amount > p.Amount {
		return nil, nil, ErrRefundExceedsAvailable
	}
	p.RefundInFlight += amount
	p.UpdatedAt = now
	r.state.payments[paymentID] = p
	attempt := domain.RefundAttempt{PaymentID: paymentID, IdempotencyKey: key, Amount: amount, Status: domain.ChargeAttemptProcessing, UpdatedAt: now}
	r.state.refundTries[paymentID] = attempt
	return &attempt, &p, nil
}

func (r *MemoryRepository) MarkRefundAttemptUnknown(ctx context.Context, paymentID int64, key uuid.UUID) error {
	defer r.lock()()
	if existing, ok := r.state.refundTries[paymentID]; ok && existing.IdempotencyKey == key {
		existing.Status = domain.ChargeAttemptUnknown
		existing.UpdatedAt = time.Now().UTC()
		r.state.refundTries[paymentID] = existing
	}
	return nil
}

func (r *MemoryRepository) SettleRefund(ctx context.Context, refund *domain.PaymentRefund, key uuid.UUID, at time.Time) (*domain.Payment, error) {
	defer r.lock()()
	p, ok := r.state.payments[refund.PaymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	attempt, ok := r.state.refundTries[refund.PaymentID]
	if !ok || attempt.IdempotencyKey != key || attempt.Amount != refund.Amount || p.RefundInFlight < refund.Amount {
		return nil, ErrPaymentStateConflict
	}
	delete(r.state.refundTries, refund.PaymentID)
	p.RefundInFlight -= refund.Amount
	p.RefundedAmount += refund.Amount
	switch {
	case p.RefundedAmount == p.Amount:
		p.State = domain.PaymentRefunded
	case p.State == domain.PaymentDisputed:
		// frozen until the dispute is resolved
	default:
		p.State = domain.PaymentPartiallyRefunded
	}
	p.UpdatedAt = at
	r.state.payments[p.ID] = p

	refund.ID = r.state.id()
	refund.CreatedAt = at
	r.state.refunds = append(r.state.refunds, *refund)
	return &p, nil
}

func (r *MemoryRepository) CancelRefundReservation(ctx context.Context, paymentID int64, key uuid.UUID) error {
	defer r.lock()()
	attempt, ok := r.state.refundTries[paymentID]
	if !ok || attempt.IdempotencyKey != key {
		return nil
	}
	p, ok := r.state.payments[paymentID]
	if !ok || p.RefundInFlight < attempt.Amount {
		return ErrPaymentStateConflict
	}
	delete(r.state.refundTries, paymentID)
	p.RefundInFlight -= attempt.Amount
	r.state.payments[paymentID] = p
	return nil
}

func (r *MemoryRepository) ListPaymentRefunds(ctx context.Context, paymentID int64) ([]domain.PaymentRefund, error) {
	defer r.lock()()
	var out []domain.PaymentRefund
	for _, rf := range r.state.refunds {
		if rf.PaymentID == paymentID {
			out = append(out, rf)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListReleasablePayments(ctx context.Context, asOf time.Time, limit int) ([]domain.Payment, error) {
	defer r.lock()()
	var out []domain.Payment
	for _, p := range r.state.payments {
		if p.State == domain.PaymentRetained && p.RefundInFlight == 0 && !p.RetentionDeadline.After(asOf) && !r.hasActiveDispute(p.ID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RetentionDeadline.Equal(out[j].RetentionDeadline) {
			return out[i].ID < out[j].ID
		}
		return out[i].RetentionDeadline.Before(out[j].RetentionDeadline)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreateDispute(ctx context.Context, d *domain.Dispute) error {
	defer r.lock()()
	if r.hasActiveDispute(d.PaymentID) {
		return ErrActiveDisputeExists
	}
	d.ID = r.state.id()
	d.UpdatedAt = d.CreatedAt
	if d.Evidence == nil {
		d.Evidence = []string{}
	}
	r.state.disputes[d.ID] = *d
	return nil
}

func (r *MemoryRepository) FindDisputeByID(ctx context.Context, disputeID int64) (*domain.Dispute, error) {
	defer r.lock()()
	d, ok := r.state.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) FindActiveDisputeByPayment(ctx context.Context, paymentID int64) (*domain.Dispute, error) {
	defer r.lock()()
	for _, d := range r.state.disputes {
		if d.PaymentID == paymentID && d.State.Active() {
			return &d, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (r *MemoryRepository) AssignDisputeAgent(ctx context.Context, disputeID, agentID int64, at time.Time) (*domain.Dispute, error) {
	defer r.lock()()
	d, ok := r.state.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if !containsState(domain.ClaimableDisputeStates(), d.State) {
		return nil, ErrDisputeStateConflict
	}
	agent := agentID
	d.AgentID = &agent
	d.State = domain.DisputeInReview
	d.UpdatedAt = at
	r.state.disputes[disputeID] = d
	return &d, nil
}

func (r *MemoryRepository) ClaimDisputeResolution(ctx context.Context, disputeID int64, claim domain.DisputeClaim) (*domain.Dispute, error) {
	defer r.lock()()
	d, ok := r.state.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if !containsState(domain.ClaimableDisputeStates(), d.State) {
		return nil, ErrDisputeStateConflict
	}
	agent, outcome, amount := claim.AgentID, claim.Outcome, claim.ResolvedAmount
	d.State = domain.DisputeResolving
	d.AgentID = &agent
	d.Outcome = &outcome
	d.ResolvedAmount = &amount
	d.UpdatedAt = claim.ClaimedAt
	r.state.disputes[disputeID] = d
	return &d, nil
}

func (r *MemoryRepository) ReleaseDisputeClaim(ctx context.Context, disputeID, agentID int64, at time.Time) (*domain.Dispute, error) {
	defer r.lock()()
	d, ok := r.state.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.State != domain.DisputeResolving || d.AgentID == nil || *d.AgentID != agentID {
		return nil, ErrDisputeStateConflict
	}
	d.State = domain.DisputeInReview
	d.Outcome = nil
	d.ResolvedAmount = nil
	d.UpdatedAt = at
	r.state.disputes[disputeID] = d
	return &d, nil
}

func (r *MemoryRepository) ResolveDispute(ctx context.Context, disputeID int64, res domain.DisputeResolution) (*domain.Dispute, error) {
	defer r.lock()()
	d, ok := r.state.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.State != domain.DisputeResolving || d.AgentID == nil || *d.AgentID != res.AgentID {
		return nil, ErrDisputeStateConflict
	}
	outcome, amount, notes, resolvedAt := res.Outcome, res.ResolvedAmount, res.Notes, res.ResolvedAt
	d.State = domain.DisputeResolved
	d.Outcome = &outcome
	d.ResolvedAmount = &amount
	d.ResolutionNotes = &notes
	d.ResolvedAt = &resolvedAt
	d.UpdatedAt = resolvedAt
	r.state.disputes[disputeID] = d
	return &d, nil
}

func (r *MemoryRepository) CloseDispute(ctx context.Context, disputeID int64, at time.Time) (*domain.Dispute, error) {
	defer r.lock()()
	d, ok := r.state.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.State != domain.DisputeResolved {
		return nil, ErrDisputeStateConflict
	}
	d.State = domain.DisputeClosed
	d.UpdatedAt = at
	r.state.disputes[disputeID] = d
	return &d, nil
}

func (r *MemoryRepository) CreateJoinRequest(ctx context.Context, jr *domain.JoinRequest) error {
	defer r.lock()()
	target := jr.TargetID()
	for _, existing := range r.state.joinRequests {
		if existing.State == domain.JoinRequestPending && existing.RequesterID == jr.RequesterID &&
			existing.Kind == jr.Kind && existing.TargetID() == target {
			return ErrPendingJoinRequestExists
		}
	}
	jr.ID = r.state.id()
	jr.UpdatedAt = jr.CreatedAt
	r.state.joinRequests[jr.ID] = *jr
	return nil
}

func (r *MemoryRepository) FindJoinRequestByID(ctx context.Context, requestID int64) (*domain.JoinRequest, error) {
	defer r.lock()()
	jr, ok := r.state.joinRequests[requestID]
	if !ok {
		return nil, ErrJoinRequestNotFound
	}
	return &jr, nil
}

func (r *MemoryRepository) FindPendingJoinRequest(ctx context.Context, requesterID int64, kind domain.JoinRequestKind, targetID int64) (*domain.JoinRequest, error) {
	defer r.lock()()
	for _, jr := range r.state.joinRequests {
		if jr.State == domain.JoinRequestPending && jr.RequesterID == requesterID && jr.Kind == kind && jr.TargetID() == targetID {
			return &jr, nil
		}
	}
	return nil, ErrJoinRequestNotFound
}

func (r *MemoryRepository) TransitionJoinRequest(ctx context.Context, requestID int64, t domain.JoinRequestTransition) (*domain.JoinRequest, error) {
	defer r.lock()()
	jr, ok := r.state.joinRequests[requestID]
	if !ok {
		return nil, ErrJoinRequestNotFound
	}
	if jr.State != domain.JoinRequestPending {
		return nil, ErrJoinRequestNotPending
	}
	respondedAt := t.At
	jr.State = t.To
	if t.To != domain.JoinRequestCancelled {
		actor := t.ActorID
		jr.ApproverID = &actor
	}
	jr.RejectionReason = t.RejectionReason
	jr.RespondedAt = &respondedAt
	jr.UpdatedAt = t.At
	r.state.joinRequests[requestID] = jr
	return &jr, nil
}

func (r *MemoryRepository) ListPendingJoinRequests(ctx context.Context, kind domain.JoinRequestKind, targetID int64) ([]domain.JoinRequest, error) {
	defer r.lock()()
	var out []domain.JoinRequest
	for _, jr := range r.state.joinRequests {
		if jr.State == domain.JoinRequestPending && jr.Kind == kind && jr.TargetID() == targetID {
			out = append(out, jr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) CancelPendingJoinRequestsForMember(ctx context.Context, groupID, userID int64, at time.Time) (int64, error) {
	defer r.lock()()
	var cancelled int64
	for id, jr := range r.state.joinRequests {
		if jr.State != domain.JoinRequestPending || jr.RequesterID != userID || jr.Kind != domain.JoinRequestSubscription {
			continue
		}
		sub, ok := r.state.subscriptions[jr.TargetID()]
		if !ok || sub.GroupID != groupID {
			continue
		}
		respondedAt := at
		jr.State = domain.JoinRequestCancelled
		jr.RespondedAt = &respondedAt
		jr.UpdatedAt = at
		r.state.joinRequests[id] = jr
		cancelled++
	}
	return cancelled, nil
}

func containsState[T comparable](states []T, s T) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

/**
 * @description
 * SeatAllocator owns subscription creation and every seat occupancy change.
 * It validates membership and capacity, computes the per-seat price, and relies
 * on the repository's conditional writes so concurrent callers racing for the
 * same seat cannot both win.
 *
 * @dependencies
 * - internal/store: Repository contract and sentinel errors.
 * - internal/domain: Subscription, Seat and pricing helpers.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/seatshare/settlement-service/internal/store"
)

// SeatAllocator manages shared subscriptions and their seats.
type SeatAllocator struct {
	repo            store.Repository
	notifier        Notifier
	groupCap        int
	defaultCurrency string
	now             func() time.Time
}

// NewSeatAllocator creates a SeatAllocator. groupCap bounds the ACTIVE
// subscriptions a group may hold.
func NewSeatAllocator(repo store.Repository, notifier Notifier, groupCap int, defaultCurrency string) *SeatAllocator {
	if groupCap <= 0 {
		groupCap = domain.GroupSubscriptionCap
	}
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &SeatAllocator{
		repo:            repo,
		notifier:        notifier,
		groupCap:        groupCap,
		defaultCurrency: strings.ToUpper(defaultCurrency),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// withRepo returns a copy bound to repo, typically a transaction.
func (a *SeatAllocator) withRepo(repo store.Repository) *SeatAllocator {
	clone := *a
	clone.repo = repo
	return &clone
}

// ParseStartDate accepts a calendar date or an RFC 3339 timestamp.
func ParseStartDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("start_date must be YYYY-MM-DD or RFC 3339: %q", raw)
	}
	return domain.DateOf(t), nil
}

// CreateSubscription creates a subscription and its seats in one unit of work.
func (a *SeatAllocator) CreateSubscription(ctx context.Context, hostID int64, req domain.CreateSubscriptionRequest) (*domain.SubscriptionWithSeats, error) {
	periodicity, err := domain.ParsePeriodicity(req.Periodicity)
	if err != nil {
		return nil, businessRule(CodeInvalidInput, err.Error())
	}
	startDate, err := ParseStartDate(req.StartDate)
	if err != nil {
		return nil, businessRule(CodeInvalidInput, err.Error())
	}
	if req.SeatCount <= 0 {
		return nil, businessRule(CodeInvalidInput, "seat_count must be positive")
	}
	if req.TotalPrice < 0 {
		return nil, businessRule(CodeInvalidInput, "total_price must not be negative")
	}

	group, err := a.repo.FindGroupByID(ctx, req.GroupID)
	if err != nil {
		return nil, lookupErr(err, "find group")
	}
	if group.State != domain.GroupActive {
		return nil, businessRule(CodeInvalidState, "group is not active")
	}
	if err := a.requireMember(ctx, group.ID, hostID, "host must be an active member of the group"); err != nil {
		return nil, err
	}

	service, err := a.repo.FindCatalogServiceByID(ctx, req.CatalogServiceID)
	if err != nil {
		return nil, lookupErr(err, "find catalog service")
	}
	if !service.Active {
		return nil, businessRule(CodeInvalidState, "catalog service is not available")
	}
	if req.SeatCount > service.MaxUsers {
		return nil, businessRule(CodeSeatCountExceedsMax, fmt.Sprintf("seat count exceeds the service maximum of %d users", service.MaxUsers))
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = a.defaultCurrency
	}

	now := a.now()
	sub := &domain.Subscription{
		GroupID:          group.ID,
		HostID:           hostID,
		CatalogServiceID: service.ID,
		TotalPrice:       req.TotalPrice,
		Currency:         currency,
		SeatCount:        req.SeatCount,
		PricePerSeat:     domain.PricePerSeat(req.TotalPrice, req.SeatCount, req.HostOccupiesSeat),
		Periodicity:      periodicity,
		StartDate:        startDate,
		RenewalDate:      periodicity.AddTo(startDate, 1),
		HostOccupiesSeat: req.HostOccupiesSeat,
		State:            domain.SubscriptionActive,
		CreatedAt:        now,
	}

	seats := make([]domain.Seat, req.SeatCount)
	for i := range seats {
		seats[i] = domain.Seat{Index: i + 1, State: domain.SeatAvailable}
	}
	if req.HostOccupiesSeat {
		host, occupiedAt := hostID, now
		seats[0].IsHostSeat = true
		seats[0].State = domain.SeatOccupied
		seats[0].UserID = &host
		seats[0].OccupiedAt = &occupiedAt
	}

	if err := a.repo.CreateSubscriptionWithSeats(ctx, sub, seats, a.groupCap); err != nil {
		switch {
		case errors.Is(err, store.ErrGroupSubscriptionCapReached):
			return nil, businessRule(CodeSubscriptionCapHit, fmt.Sprintf("group already has %d active subscriptions", a.groupCap))
		case errors.Is(err, store.ErrGroupNotFound):
			return nil, notFound("group not found")
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	log.Printf("level=info component=seat_allocator msg=\"subscription created\" subscription_id=%d group_id=%d seats=%d price_per_seat=%d",
		sub.ID, sub.GroupID, sub.SeatCount, sub.PricePerSeat)
	return &domain.SubscriptionWithSeats{Subscription: *sub, Seats: seats, Summary: domain.Summarize(seats)}, nil
}

// GetSubscription returns a subscription with its seats to a member of the owning group.
func (a *SeatAllocator) GetSubscription(ctx context.Context, subscriptionID, requesterID int64) (*domain.SubscriptionWithSeats, error) {
	sub, err := a.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, lookupErr(err, "find subscription")
	}
	if sub.HostID != requesterID {
		if _, err := a.repo.FindActiveMembership(ctx, sub.GroupID, requesterID); err != nil {
			if errors.Is(err, store.ErrMembershipNotFound) {
				return nil, forbidden(CodeNotMember, "only group members can view this subscription")
			}
			return nil, fmt.Errorf("check membership: %w", err)
		}
	}
	seats, err := a.repo.ListSeats(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	return &domain.SubscriptionWithSeats{Subscription: *sub, Seats: seats, Summary: domain.Summarize(seats)}, nil
}

// OccupySeat assigns the lowest-index AVAILABLE seat to userID.
func (a *SeatAllocator) OccupySeat(ctx context.Context, subscriptionID, userID int64) (*domain.Seat, error) {
	sub, err := a.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, lookupErr(err, "find subscription")
	}
	if sub.State != domain.SubscriptionActive {
		return nil, businessRule(CodeInvalidState, "subscription is not active")
	}
	if err := a.requireMember(ctx, sub.GroupID, userID, "user is not an active member of the group"); err != nil {
		return nil, err
	}

	seat, err := a.repo.OccupyNextAvailableSeat(ctx, sub.ID, userID, a.now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSeatAlreadyHeld):
			return nil, businessRule(CodeSeatAlreadyHeld, "user already occupies a seat in this subscription")
		case errors.Is(err, store.ErrNoSeatAvailable):
			return nil, businessRule(CodeNoSeatsAvailable, "no seats available")
		case errors.Is(err, store.ErrSubscriptionStateConflict):
			return nil, businessRule(CodeInvalidState, "subscription is not active")
		}
		return nil, lookupErr(err, "occupy seat")
	}

	seatEventsTotal.WithLabelValues("occupied").Inc()
	log.Printf("level=info component=seat_allocator msg=\"seat occupied\" subscription_id=%d seat_id=%d seat_index=%d user_id=%d",
		sub.ID, seat.ID, seat.Index, userID)
	return seat, nil
}

// ReleaseSeat frees a seat. The occupant may release their own seat and the host
// may release any seat except the reserved host seat.
func (a *SeatAllocator) ReleaseSeat(ctx context.Context, seatID, requesterID int64) (*domain.Seat, error) {
	seat, err := a.repo.FindSeatByID(ctx, seatID)
	if err != nil {
		return nil, lookupErr(err, "find seat")
	}
	sub, err := a.repo.FindSubscriptionByID(ctx, seat.SubscriptionID)
	if err != nil {
		return nil, lookupErr(err, "find subscription")
	}

	isOccupant := seat.UserID != nil && *seat.UserID == requesterID
	isHost := sub.HostID == requesterID
	if !isOccupant && !isHost {
		return nil, forbidden(CodeNotOwner, "only the occupant or the subscription host can release this seat")
	}
	if seat.IsHostSeat {
		return nil, businessRule(CodeHostSeatReserved, "the host seat is reserved and cannot be released")
	}
	if seat.State != domain.SeatOccupied {
		return nil, businessRule(CodeInvalidState, "seat is not occupied")
	}

	released, err := a.repo.ReleaseSeat(ctx, seat.ID, a.now())
	if err != nil {
		if errors.Is(err, store.ErrSeatStateConflict) {
			return nil, businessRule(CodeInvalidState, "seat is not occupied")
		}
		return nil, lookupErr(err, "release seat")
	}

	seatEventsTotal.WithLabelValues("released").Inc()
	log.Printf("level=info component=seat_allocator msg=\"seat released\" seat_id=%d by=%d", seat.ID, requesterID)
	if !isOccupant && seat.UserID != nil {
		a.notifier.Notify(ctx, *seat.UserID, domain.NotifySeatReleased, "Seat released",
			"The host released your seat in a shared subscription.")
	}
	return released, nil
}

// PauseSubscription moves an ACTIVE subscription to PAUSED.
func (a *SeatAllocator) PauseSubscription(ctx context.Context, subscriptionID, requesterID int64) (*domain.Subscription, error) {
	return a.transition(ctx, subscriptionID, requesterID, domain.SubscriptionPaused)
}

// ReactivateSubscription moves a PAUSED subscription back to ACTIVE.
func (a *SeatAllocator) ReactivateSubscription(ctx context.Context, subscriptionID, requesterID int64) (*domain.Subscription, error) {
	return a.transition(ctx, subscriptionID, requesterID, domain.SubscriptionActive)
}

// CancelSubscription cancels the subscription and blocks every occupied non-host seat.
func (a *SeatAllocator) CancelSubscription(ctx context.Context, subscriptionID, requesterID int64) (*domain.Subscription, error) {
	return a.transition(ctx, subscriptionID, requesterID, domain.SubscriptionCancelled)
}

func (a *SeatAllocator) transition(ctx context.Context, subscriptionID, requesterID int64, to domain.SubscriptionState) (*domain.Subscription, error) {
	sub, err := a.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, lookupErr(err, "find subscription")
	}
	if sub.HostID != requesterID {
		return nil, forbidden(CodeNotOwner, "only the subscription host can change its state")
	}
	if !sub.State.CanTransitionTo(to) {
		return nil, businessRule(CodeInvalidState, fmt.Sprintf("subscription cannot move from %s to %s", sub.State, to))
	}

	from := []domain.SubscriptionState{sub.State}
	var updated *domain.Subscription
	var blocked int64
	err = a.repo.WithTx(ctx, func(tx store.Repository) error {
		now := a.now()
		var err error
		updated, err = tx.TransitionSubscription(ctx, sub.ID, from, to, now)
		if err != nil {
			return err
		}
		if to == domain.SubscriptionCancelled {
			blocked, err = tx.BlockOccupiedSeats(ctx, sub.ID, now)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionStateConflict) {
			return nil, businessRule(CodeInvalidState, "subscription state changed; reload and retry")
		}
		return nil, lookupErr(err, "transition subscription")
	}

	log.Printf("level=info component=seat_allocator msg=\"subscription state changed\" subscription_id=%d from=%s to=%s blocked_seats=%d",
		sub.ID, sub.State, to, blocked)
	a.notifyOccupants(ctx, sub.ID, requesterID, fmt.Sprintf("The shared subscription is now %s.", strings.ToLower(string(to))))
	return updated, nil
}

// ReleaseMemberSeats frees every non-host seat userID holds in the group's
// subscriptions. Used when the membership store revokes a member.
func (a *SeatAllocator) ReleaseMemberSeats(ctx context.Context, groupID, userID int64) (int, error) {
	seats, err := a.repo.ListSeatsHeldInGroup(ctx, groupID, userID)
	if err != nil {
		return 0, fmt.Errorf("list held seats: %w", err)
	}

	released := 0
	for _, seat := range seats {
		if seat.IsHostSeat {
			continue
		}
		if _, err := a.repo.ReleaseSeat(ctx, seat.ID, a.now()); err != nil {
			if errors.Is(err, store.ErrSeatStateConflict) {
				continue
			}
			return released, fmt.Errorf("release seat %d: %w", seat.ID, err)
		}
		released++
		seatEventsTotal.WithLabelValues("revoked").Inc()
	}
	return released, nil
}

func (a *SeatAllocator) requireMember(ctx context.Context, groupID, userID int64, message string) error {
	if _, err := a.repo.FindActiveMembership(ctx, groupID, userID); err != nil {
		if errors.Is(err, store.ErrMembershipNotFound) {
			return businessRule(CodeNotMember, message)
		}
		return fmt.Errorf("check membership: %w", err)
	}
	return nil
}

func (a *SeatAllocator) notifyOccupants(ctx context.Context, subscriptionID, actorID int64, body string) {
	seats, err := a.repo.ListSeats(ctx, subscriptionID)
	if err != nil {
		log.Printf("level=warn component=seat_allocator msg=\"could not list seats for notification\" subscription_id=%d err=%v", subscriptionID, err)
		return
	}
	for _, seat := range seats {
		if seat.UserID == nil || *seat.UserID == actorID {
			continue
		}
		a.notifier.Notify(ctx, *seat.UserID, domain.NotifySubscriptionChanged, "Subscription updated", body)
	}
}

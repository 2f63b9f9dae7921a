/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the settlement core performs. Business logic depends on this interface
 * only, so the PostgreSQL implementation and the in-memory implementation used by
 * tests and local runs are interchangeable.
 *
 * @notes
 * - Every state change is a conditional write. Methods that find their precondition
 *   violated return one of the sentinel errors below instead of writing.
 * - WithTx runs fn inside one unit of work; nested calls join the outer unit.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/seatshare/settlement-service/internal/domain"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrGroupNotFound          = errors.New("group not found")
	ErrMembershipNotFound     = errors.New("membership not found")
	ErrCatalogServiceNotFound = errors.New("catalog service not found")
	ErrPaymentMethodNotFound  = errors.New("payment method not found")

	ErrSubscriptionNotFound        = errors.New("subscription not found")
	ErrSubscriptionStateConflict   = errors.New("subscription state changed concurrently")
	ErrGroupSubscriptionCapReached = errors.New("group active subscription cap reached")
	ErrGroupMemberCapReached       = errors.New("group member cap reached")
	ErrSeatNotFound                = errors.New("seat not found")
	ErrNoSeatAvailable             = errors.New("no seat available")
	ErrSeatAlreadyHeld             = errors.New("user already holds a seat in this subscription")
	ErrSeatStateConflict           = errors.New("seat state changed concurrently")

	ErrPaymentNotFound         = errors.New("payment not found")
	ErrPaymentAlreadyExists    = errors.New("payment already exists for billing cycle")
	ErrChargeAttemptInProgress = errors.New("charge attempt already in progress")
	ErrPaymentStateConflict    = errors.New("payment state does not allow this transition")
	ErrPaymentHasActiveDispute = errors.New("payment has an active dispute")
	ErrRefundExceedsAvailable  = errors.New("refund exceeds available amount")
	ErrRefundInProgress        = errors.New("a refund for this payment is in progress")
	ErrRefundPending           = errors.New("an unsettled refund of a different amount is pending")

	ErrDisputeNotFound      = errors.New("dispute not found")
	ErrActiveDisputeExists  = errors.New("payment already has an active dispute")
	ErrDisputeStateConflict = errors.New("dispute state does not allow this transition")

	ErrJoinRequestNotFound      = errors.New("join request not found")
	ErrPendingJoinRequestExists = errors.New("pending join request already exists")
	ErrJoinRequestNotPending    = errors.New("join request is not pending")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	WithTx(ctx context.Context, fn func(Repository) error) error

	// Identity and group membership (collaborator-owned, read synchronously)
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (int64, error)
	FindUserByID(ctx context.Context, userID int64) (*domain.User, error)
	FindGroupByID(ctx context.Context, groupID int64) (*domain.Group, error)
	FindGroupByInvitationCode(ctx context.Context, code string) (*domain.Group, error)
	FindActiveMembership(ctx context.Context, groupID, userID int64) (*domain.Membership, error)
	CountActiveMembers(ctx context.Context, groupID int64) (int, error)
	// AddGroupMember activates a membership while the group is below maxMembers.
	AddGroupMember(ctx context.Context, groupID, userID int64, role domain.MembershipRole, maxMembers int, at time.Time) (*domain.Membership, error)
	FindCatalogServiceByID(ctx context.Context, serviceID int64) (*domain.CatalogService, error)
	FindPaymentMethodByID(ctx context.Context, methodID int64) (*domain.PaymentMethod, error)

	// Subscriptions and seats
	// CreateSubscriptionWithSeats inserts the subscription and its seats while the
	// group holds fewer than groupCap ACTIVE subscriptions.
	CreateSubscriptionWithSeats(ctx context.Context, sub *domain.Subscription, seats []domain.Seat, groupCap int) error
	FindSubscriptionByID(ctx context.Context, subscriptionID int64) (*domain.Subscription, error)
	TransitionSubscription(ctx context.Context, subscriptionID int64, from []domain.SubscriptionState, to domain.SubscriptionState, at time.Time) (*domain.Subscription, error)
	ListSeats(ctx context.Context, subscriptionID int64) ([]domain.Seat, error)
	FindSeatByID(ctx context.Context, seatID int64) (*domain.Seat, error)
	FindSeatByUser(ctx context.Context, subscriptionID, userID int64) (*domain.Seat, error)
	CountAvailableSeats(ctx context.Context, subscriptionID int64) (int, error)
	// OccupyNextAvailableSeat assigns the lowest-index AVAILABLE seat of an ACTIVE subscription.
	OccupyNextAvailableSeat(ctx context.Context, subscriptionID, userID int64, at time.Time) (*domain.Seat, error)
	ReleaseSeat(ctx context.Context, seatID int64, at time.Time) (*domain.Seat, error)
	BlockOccupiedSeats(ctx context.Context, subscriptionID int64, at time.Time) (int64, error)
	ListSeatsHeldInGroup(ctx context.Context, groupID, userID int64) ([]domain.Seat, error)

	// Payments
	FindPaymentByID(ctx context.Context, paymentID int64) (*domain.Payment, error)
	FindPaymentBySeatCycle(ctx context.Context, seatID int64, cycleStart time.Time) (*domain.Payment, error)
	ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]domain.Payment, error)
	// AcquireChargeAttempt reserves (seat, cycle) for a gateway call. An unknown or
	// stale reservation is reclaimed and keeps its original idempotency key.
	AcquireChargeAttempt(ctx context.Context, seatID int64, cycleStart time.Time, key uuid.UUID, staleBefore time.Time) (*domain.ChargeAttempt, error)
	MarkChargeAttemptUnknown(ctx context.Context, seatID int64, cycleStart time.Time, key uuid.UUID) error
	DeleteChargeAttempt(ctx context.Context, seatID int64, cycleStart time.Time, key uuid.UUID) error
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	TransitionPayment(ctx context.Context, paymentID int64, from []domain.PaymentState, to domain.PaymentState, at time.Time) (*domain.Payment, error)
	// LiberatePayment moves RETAINED to LIBERATED when no active dispute and no refund in flight exists.
	LiberatePayment(ctx context.Context, paymentID int64, at time.Time) (*domain.Payment, error)
	// RestoreDisputedPayment moves DISPUTED to RETAINED, or to PARTIALLY_REFUNDED
	// when part of the payment was already returned.
	RestoreDisputedPayment(ctx context.Context, paymentID int64, at time.Time) (*domain.Payment, error)

	// Refunds. One attempt per payment may be unsettled at a time; it keeps its
	// key and amount until it settles or the gateway declines it.
	ReserveRefund(ctx context.Context, paymentID int64, amount int64, key uuid.UUID, staleBefore time.Time) (*domain.RefundAttempt, *domain.Payment, error)
	MarkRefundAttemptUnknown(ctx context.Context, paymentID int64, key uuid.UUID) error
	SettleRefund(ctx context.Context, refund *domain.PaymentRefund, key uuid.UUID, at time.Time) (*domain.Payment, error)
	CancelRefundReservation(ctx context.Context, paymentID int64, key uuid.UUID) error
	ListPaymentRefunds(ctx context.Context, paymentID int64) ([]domain.PaymentRefund, error)
	ListReleasablePayments(ctx context.Context, asOf time.Time, limit int) ([]domain.Payment, error)

	// Disputes
	CreateDispute(ctx context.Context, dispute *domain.Dispute) error
	FindDisputeByID(ctx context.Context, disputeID int64) (*domain.Dispute, error)
	FindActiveDisputeByPayment(ctx context.Context, paymentID int64) (*domain.Dispute, error)
	AssignDisputeAgent(ctx context.Context, disputeID, agentID int64, at time.Time) (*domain.Dispute, error)
	ClaimDisputeResolution(ctx context.Context, disputeID int64, claim domain.DisputeClaim) (*domain.Dispute, error)
	ReleaseDisputeClaim(ctx context.Context, disputeID, agentID int64, at time.Time) (*domain.Dispute, error)
	ResolveDispute(ctx context.Context, disputeID int64, resolution domain.DisputeResolution) (*domain.Dispute, error)
	CloseDispute(ctx context.Context, disputeID int64, at time.Time) (*domain.Dispute, error)

	// Join requests
	CreateJoinRequest(ctx context.Context, req *domain.JoinRequest) error
	FindJoinRequestByID(ctx context.Context, requestID int64) (*domain.JoinRequest, error)
	FindPendingJoinRequest(ctx context.Context, requesterID int64, kind domain.JoinRequestKind, targetID int64) (*domain.JoinRequest, error)
	TransitionJoinRequest(ctx context.Context, requestID int64, transition domain.JoinRequestTransition) (*domain.JoinRequest, error)
	ListPendingJoinRequests(ctx context.Context, kind domain.JoinRequestKind, targetID int64) ([]domain.JoinRequest, error)
	CancelPendingJoinRequestsForMember(ctx context.Context, groupID, userID int64, at time.Time) (int64, error)
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)

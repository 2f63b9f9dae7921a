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

// JoinRequestWorkflow turns membership and seat requests into grants.
type JoinRequestWorkflow struct {
	repo     store.Repository
	seats    *SeatAllocator
	notifier Notifier
	now      func() time.Time
}

func NewJoinRequestWorkflow(repo store.Repository, seats *SeatAllocator, notifier Notifier) *JoinRequestWorkflow {
	return &JoinRequestWorkflow{
		repo:     repo,
		seats:    seats,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RequestGroupJoin asks to join the group identified by an invitation code.
func (w *JoinRequestWorkflow) RequestGroupJoin(ctx context.Context, userID int64, req domain.GroupJoinRequest) (*domain.JoinRequest, error) {
	group, err := w.repo.FindGroupByInvitationCode(ctx, strings.ToUpper(strings.TrimSpace(req.InvitationCode)))
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			return nil, notFound("invitation code does not match any group")
		}
		return nil, fmt.Errorf("find group by code: %w", err)
	}
	if group.State != domain.GroupActive {
		return nil, businessRule(CodeInvalidState, "group is not accepting new members")
	}

	if _, err := w.repo.FindActiveMembership(ctx, group.ID, userID); err == nil {
		return nil, businessRule(CodeAlreadyMember, "user is already a member of the group")
	} else if !errors.Is(err, store.ErrMembershipNotFound) {
		return nil, fmt.Errorf("check membership: %w", err)
	}

	if err := w.ensureNoPending(ctx, userID, domain.JoinRequestGroup, group.ID); err != nil {
		return nil, err
	}

	members, err := w.repo.CountActiveMembers(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("count members: %w", err)
	}
	if members >= group.MaxMembers {
		return nil, businessRule(CodeCapacityReached, "group has reached its member limit")
	}

	groupID := group.ID
	jr := &domain.JoinRequest{
		RequesterID: userID,
		Kind:        domain.JoinRequestGroup,
		GroupID:     &groupID,
		Message:     strings.TrimSpace(req.Message),
		State:       domain.JoinRequestPending,
		CreatedAt:   w.now(),
	}
	if err := w.create(ctx, jr); err != nil {
		return nil, err
	}

	w.notifier.Notify(ctx, group.AdminID, domain.NotifyJoinRequestReceived, "New join request",
		fmt.Sprintf("Someone asked to join %s.", group.Name))
	return jr, nil
}

// RequestSeatJoin asks for a seat in a subscription of a group the user belongs to.
func (w *JoinRequestWorkflow) RequestSeatJoin(ctx context.Context, userID int64, req domain.SeatJoinRequest) (*domain.JoinRequest, error) {
	sub, err := w.repo.FindSubscriptionByID(ctx, req.SubscriptionID)
	if err != nil {
		return nil, lookupErr(err, "find subscription")
	}
	if sub.State != domain.SubscriptionActive {
		return nil, businessRule(CodeInvalidState, "subscription is not active")
	}
	if _, err := w.repo.FindActiveMembership(ctx, sub.GroupID, userID); err != nil {
		if errors.Is(err, store.ErrMembershipNotFound) {
			return nil, businessRule(CodeNotMember, "user is not an active member of the group")
		}
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if _, err := w.repo.FindSeatByUser(ctx, sub.ID, userID); err == nil {
		return nil, businessRule(CodeSeatAlreadyHeld, "user already occupies a seat in this subscription")
	} else if !errors.Is(err, store.ErrSeatNotFound) {
		return nil, fmt.Errorf("check seat: %w", err)
	}

	if err := w.ensureNoPending(ctx, userID, domain.JoinRequestSubscription, sub.ID); err != nil {
		return nil, err
	}

	available, err := w.repo.CountAvailableSeats(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("count seats: %w", err)
	}
	if available == 0 {
		return nil, businessRule(CodeNoSeatsAvailable, "no seats available")
	}

	subID := sub.ID
	jr := &domain.JoinRequest{
		RequesterID:    userID,
		Kind:           domain.JoinRequestSubscription,
		SubscriptionID: &subID,
		Message:        strings.TrimSpace(req.Message),
		State:          domain.JoinRequestPending,
		CreatedAt:      w.now(),
	}
	if err := w.create(ctx, jr); err != nil {
		return nil, err
	}

	w.notifier.Notify(ctx, sub.HostID, domain.NotifyJoinRequestReceived, "New seat request",
		"A group member asked for a seat in your subscription.")
	return jr, nil
}

// Approve grants a pending request. The state change and the grant commit together.
func (w *JoinRequestWorkflow) Approve(ctx context.Context, requestID, approverID int64) (*domain.JoinRequest, error) {
	jr, err := w.authorizeApprover(ctx, requestID, approverID)
	if err != nil {
		return nil, err
	}
	if jr.State != domain.JoinRequestPending {
		return nil, businessRule(CodeNotPending, "only pending requests can be approved")
	}

	var approved *domain.JoinRequest
	err = w.repo.WithTx(ctx, func(tx store.Repository) error {
		now := w.now()
		var err error
		approved, err = tx.TransitionJoinRequest(ctx, jr.ID, domain.JoinRequestTransition{
			To:      domain.JoinRequestApproved,
			ActorID: approverID,
			At:      now,
		})
		if err != nil {
			return err
		}

		switch jr.Kind {
		case domain.JoinRequestGroup:
			group, err := tx.FindGroupByID(ctx, *jr.GroupID)
			if err != nil {
				return err
			}
			if group.State != domain.GroupActive {
				return businessRule(CodeInvalidState, "group is not accepting new members")
			}
			_, err = tx.AddGroupMember(ctx, group.ID, jr.RequesterID, domain.MemberRoleMember, group.MaxMembers, now)
			return err
		case domain.JoinRequestSubscription:
			_, err := w.seats.withRepo(tx).OccupySeat(ctx, *jr.SubscriptionID, jr.RequesterID)
			return err
		default:
			return fmt.Errorf("unknown join request kind %q", jr.Kind)
		}
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJoinRequestNotPending):
			return nil, businessRule(CodeNotPending, "only pending requests can be approved")
		case errors.Is(err, store.ErrGroupMemberCapReached):
			return nil, businessRule(CodeCapacityReached, "group has reached its member limit")
		}
		if appErr, ok := AsError(err); ok {
			return nil, appErr
		}
		return nil, lookupErr(err, "approve join request")
	}

	joinRequestsTotal.WithLabelValues(string(jr.Kind), string(domain.JoinRequestApproved)).Inc()
	log.Printf("level=info component=join_requests msg=\"request approved\" request_id=%d kind=%s approver_id=%d", jr.ID, jr.Kind, approverID)
	w.notifier.Notify(ctx, jr.RequesterID, domain.NotifyJoinRequestApproved, "Request approved", approvalBody(jr.Kind))
	return approved, nil
}

// Reject declines a pending request.
func (w *JoinRequestWorkflow) Reject(ctx context.Context, requestID, approverID int64, reason string) (*domain.JoinRequest, error) {
	jr, err := w.authorizeApprover(ctx, requestID, approverID)
	if err != nil {
		return nil, err
	}
	if jr.State != domain.JoinRequestPending {
		return nil, businessRule(CodeNotPending, "only pending requests can be rejected")
	}

	var rejectionReason *string
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		rejectionReason = &trimmed
	}
	rejected, err := w.repo.TransitionJoinRequest(ctx, jr.ID, domain.JoinRequestTransition{
		To:              domain.JoinRequestRejected,
		ActorID:         approverID,
		RejectionReason: rejectionReason,
		At:              w.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrJoinRequestNotPending) {
			return nil, businessRule(CodeNotPending, "only pending requests can be rejected")
		}
		return nil, lookupErr(err, "reject join request")
	}

	joinRequestsTotal.WithLabelValues(string(jr.Kind), string(domain.JoinRequestRejected)).Inc()
	body := "Your request was declined."
	if rejectionReason != nil {
		body = "Your request was declined: " + *rejectionReason
	}
	w.notifier.Notify(ctx, jr.RequesterID, domain.NotifyJoinRequestRejected, "Request declined", body)
	return rejected, nil
}

// Cancel withdraws a pending request. Only the requester may cancel.
func (w *JoinRequestWorkflow) Cancel(ctx context.Context, requestID, requesterID int64) (*domain.JoinRequest, error) {
	jr, err := w.repo.FindJoinRequestByID(ctx, requestID)
	if err != nil {
		return nil, lookupErr(err, "find join request")
	}
	if jr.RequesterID != requesterID {
		return nil, forbidden(CodeNotOwner, "only the requester can cancel this request")
	}
	if jr.State != domain.JoinRequestPending {
		return nil, businessRule(CodeNotPending, "only pending requests can be cancelled")
	}

	cancelled, err := w.repo.TransitionJoinRequest(ctx, jr.ID, domain.JoinRequestTransition{
		To:      domain.JoinRequestCancelled,
		ActorID: requesterID,
		At:      w.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrJoinRequestNotPending) {
			return nil, businessRule(CodeNotPending, "only pending requests can be cancelled")
		}
		return nil, lookupErr(err, "cancel join request")
	}
	joinRequestsTotal.WithLabelValues(string(jr.Kind), string(domain.JoinRequestCancelled)).Inc()
	return cancelled, nil
}

// ListPendingForGroup returns pending membership requests to the group admin.
func (w *JoinRequestWorkflow) ListPendingForGroup(ctx context.Context, groupID, actorID int64) ([]domain.JoinRequest, error) {
	group, err := w.repo.FindGroupByID(ctx, groupID)
	if err != nil {
		return nil, lookupErr(err, "find group")
	}
	if group.AdminID != actorID {
		return nil, forbidden(CodeNotOwner, "only the group admin can review membership requests")
	}
	return w.repo.ListPendingJoinRequests(ctx, domain.JoinRequestGroup, group.ID)
}

// ListPendingForSubscription returns pending seat requests to the subscription host.
func (w *JoinRequestWorkflow) ListPendingForSubscription(ctx context.Context, subscriptionID, actorID int64) ([]domain.JoinRequest, error) {
	sub, err := w.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, lookupErr(err, "find subscription")
	}
	if sub.HostID != actorID {
		return nil, forbidden(CodeNotOwner, "only the subscription host can review seat requests")
	}
	return w.repo.ListPendingJoinRequests(ctx, domain.JoinRequestSubscription, sub.ID)
}

// CancelPendingForMember withdraws a revoked member's pending seat requests in a group.
func (w *JoinRequestWorkflow) CancelPendingForMember(ctx context.Context, groupID, userID int64) (int64, error) {
	n, err := w.repo.CancelPendingJoinRequestsForMember(ctx, groupID, userID, w.now())
	if err != nil {
		return 0, fmt.Errorf("cancel pending requests: %w", err)
	}
	return n, nil
}

func (w *JoinRequestWorkflow) authorizeApprover(ctx context.Context, requestID, approverID int64) (*domain.JoinRequest, error) {
	jr, err := w.repo.FindJoinRequestByID(ctx, requestID)
	if err != nil {
		return nil, lookupErr(err, "find join request")
	}

	switch jr.Kind {
	case domain.JoinRequestGroup:
		group, err := w.repo.FindGroupByID(ctx, jr.TargetID())
		if err != nil {
			return nil, lookupErr(err, "find group")
		}
		if group.AdminID != approverID {
			return nil, forbidden(CodeNotOwner, "only the group admin can decide membership requests")
		}
	case domain.JoinRequestSubscription:
		sub, err := w.repo.FindSubscriptionByID(ctx, jr.TargetID())
		if err != nil {
			return nil, lookupErr(err, "find subscription")
		}
		if sub.HostID != approverID {
			return nil, forbidden(CodeNotOwner, "only the subscription host can decide seat requests")
		}
	default:
		return nil, fmt.Errorf("unknown join request kind %q", jr.Kind)
	}
	return jr, nil
}

func (w *JoinRequestWorkflow) ensureNoPending(ctx context.Context, userID int64, kind domain.JoinRequestKind, targetID int64) error {
	_, err := w.repo.FindPendingJoinRequest(ctx, userID, kind, targetID)
	switch {
	case err == nil:
		return duplicate(CodePendingRequest, "a pending request already exists")
	case errors.Is(err, store.ErrJoinRequestNotFound):
		return nil
	default:
		return fmt.Errorf("check pending requests: %w", err)
	}
}

func (w *JoinRequestWorkflow) create(ctx context.Context, jr *domain.JoinRequest) error {
	if err := w.repo.CreateJoinRequest(ctx, jr); err != nil {
		if errors.Is(err, store.ErrPendingJoinRequestExists) {
			return duplicate(CodePendingRequest, "a pending request already exists")
		}
		return fmt.Errorf("create join request: %w", err)
	}
	joinRequestsTotal.WithLabelValues(string(jr.Kind), string(domain.JoinRequestPending)).Inc()
	log.Printf("level=info component=join_requests msg=\"request created\" request_id=%d kind=%s target_id=%d", jr.ID, jr.Kind, jr.TargetID())
	return nil
}

func approvalBody(kind domain.JoinRequestKind) string {
	if kind == domain.JoinRequestGroup {
		return "You are now a member of the group."
	}
	return "You now hold a seat in the shared subscription."
}

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

// DisputeResolver handles claims against payments. Resolutions are carried out
// through the PaymentLedger.
type DisputeResolver struct {
	repo     store.Repository
	ledger   *PaymentLedger
	notifier Notifier
	now      func() time.Time
}

func NewDisputeResolver(repo store.Repository, ledger *PaymentLedger, notifier Notifier) *DisputeResolver {
	return &DisputeResolver{
		repo:     repo,
		ledger:   ledger,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OpenDispute freezes the payment and records an OPEN dispute in one unit of work.
func (r *DisputeResolver) OpenDispute(ctx context.Context, claimantID int64, req domain.OpenDisputeRequest) (*domain.Dispute, error) {
	payment, err := r.repo.FindPaymentByID(ctx, req.PaymentID)
	if err != nil {
		return nil, lookupErr(err, "find payment")
	}
	if payment.UserID != claimantID {
		return nil, forbidden(CodeNotOwner, "payment does not belong to the claimant")
	}
	if payment.State == domain.PaymentLiberated {
		return nil, businessRule(CodePaymentLiberated, "payment already liberated")
	}
	if _, err := r.repo.FindActiveDisputeByPayment(ctx, payment.ID); err == nil {
		return nil, duplicate(CodeActiveDispute, "an open dispute already exists for this payment")
	} else if !errors.Is(err, store.ErrDisputeNotFound) {
		return nil, fmt.Errorf("check active dispute: %w", err)
	}

	evidence := make([]string, 0, len(req.Evidence))
	for _, item := range req.Evidence {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			evidence = append(evidence, trimmed)
		}
	}
	dispute := &domain.Dispute{
		PaymentID:   payment.ID,
		ClaimantID:  claimantID,
		Reason:      strings.TrimSpace(req.Reason),
		Description: strings.TrimSpace(req.Description),
		Evidence:    evidence,
		State:       domain.DisputeOpen,
		CreatedAt:   r.now(),
	}

	err = r.repo.WithTx(ctx, func(tx store.Repository) error {
		if _, err := r.ledger.withRepo(tx).MarkDisputed(ctx, payment.ID); err != nil {
			return err
		}
		return tx.CreateDispute(ctx, dispute)
	})
	if err != nil {
		if errors.Is(err, store.ErrActiveDisputeExists) {
			return nil, duplicate(CodeActiveDispute, "an open dispute already exists for this payment")
		}
		if appErr, ok := AsError(err); ok {
			return nil, appErr
		}
		return nil, fmt.Errorf("open dispute: %w", err)
	}

	disputesTotal.WithLabelValues("opened").Inc()
	log.Printf("level=info component=dispute_resolver msg=\"dispute opened\" dispute_id=%d payment_id=%d", dispute.ID, payment.ID)
	r.notifier.Notify(ctx, claimantID, domain.NotifyDisputeOpened, "Dispute opened",
		"We received your claim. The payment is on hold while an agent reviews it.")
	if sub, err := r.repo.FindSubscriptionByID(ctx, payment.SubscriptionID); err == nil {
		r.notifier.Notify(ctx, sub.HostID, domain.NotifyDisputeOpened, "Payment under dispute",
			"A member opened a dispute. The payment stays on hold until it is resolved.")
	}
	return dispute, nil
}

// AssignAgent moves a dispute to IN_REVIEW under agentID. A zero agentID assigns the caller.
func (r *DisputeResolver) AssignAgent(ctx context.Context, disputeID, actorID, agentID int64) (*domain.Dispute, error) {
	if err := r.requireSupportAgent(ctx, actorID); err != nil {
		return nil, err
	}
	if agentID == 0 {
		agentID = actorID
	} else if agentID != actorID {
		if err := r.requireSupportAgent(ctx, agentID); err != nil {
			return nil, err
		}
	}

	dispute, err := r.repo.FindDisputeByID(ctx, disputeID)
	if err != nil {
		return nil, lookupErr(err, "find dispute")
	}
	if dispute.State == domain.DisputeResolving {
		return nil, businessRule(CodeResolutionClaimed, "dispute is being resolved by another agent")
	}
	if !dispute.State.CanTransitionTo(domain.DisputeInReview) {
		return nil, businessRule(CodeInvalidState, "dispute is already resolved")
	}

	updated, err := r.repo.AssignDisputeAgent(ctx, dispute.ID, agentID, r.now())
	if err != nil {
		if errors.Is(err, store.ErrDisputeStateConflict) {
			return nil, businessRule(CodeInvalidState, "dispute is already resolved")
		}
		return nil, lookupErr(err, "assign agent")
	}
	disputesTotal.WithLabelValues("assigned").Inc()
	return updated, nil
}

// Resolve applies the agent's decision to the payment and records the outcome.
// The dispute is claimed into RESOLVING before any money moves, so of two
// agents resolving at once only one reaches the ledger. A failed refund hands
// the claim back as IN_REVIEW.
func (r *DisputeResolver) Resolve(ctx context.Context, disputeID, agentID int64, req domain.ResolveDisputeRequest) (*domain.Dispute, error) {
	if err := r.requireSupportAgent(ctx, agentID); err != nil {
		return nil, err
	}
	outcome, err := domain.ParseDisputeOutcome(req.Outcome)
	if err != nil {
		return nil, businessRule(CodeInvalidInput, err.Error())
	}

	dispute, err := r.repo.FindDisputeByID(ctx, disputeID)
	if err != nil {
		return nil, lookupErr(err, "find dispute")
	}
	if err := claimableErr(dispute.State); err != nil {
		return nil, err
	}
	payment, err := r.repo.FindPaymentByID(ctx, dispute.PaymentID)
	if err != nil {
		return nil, lookupErr(err, "find payment")
	}

	var resolvedAmount, refundAmount int64
	switch outcome {
	case domain.OutcomeFavorClaimant, domain.OutcomeFullRefund:
		resolvedAmount = payment.Amount
		// Includes any unconfirmed refund, which the ledger retries under its key.
		refundAmount = payment.Amount - payment.RefundedAmount
	case domain.OutcomePartialRefund:
		resolvedAmount = payment.Amount
		if req.ResolvedAmount != nil {
			resolvedAmount = *req.ResolvedAmount
		}
		if resolvedAmount > payment.Amount-payment.RefundedAmount {
			return nil, businessRule(CodeRefundExceeds, "refund exceeds available amount")
		}
		refundAmount = resolvedAmount
	case domain.OutcomeFavorHost:
		if payment.RefundInFlight > 0 {
			return nil, businessRule(CodeRefundPending, "an unconfirmed refund must be retried before the host can be favored")
		}
	default:
		return nil, businessRule(CodeInvalidInput, fmt.Sprintf("unsupported outcome %s", outcome))
	}

	_, err = r.repo.ClaimDisputeResolution(ctx, dispute.ID, domain.DisputeClaim{
		AgentID:        agentID,
		Outcome:        outcome,
		ResolvedAmount: resolvedAmount,
		ClaimedAt:      r.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDisputeStateConflict) {
			current, findErr := r.repo.FindDisputeByID(ctx, dispute.ID)
			if findErr != nil {
				return nil, lookupErr(findErr, "find dispute")
			}
			if stateErr := claimableErr(current.State); stateErr != nil {
				return nil, stateErr
			}
			return nil, businessRule(CodeResolutionClaimed, "dispute changed while it was being claimed; retry")
		}
		return nil, lookupErr(err, "claim dispute")
	}

	if refundAmount > 0 {
		if _, err := r.ledger.ProcessRefund(ctx, payment.ID, refundAmount, refundReason(dispute, outcome)); err != nil {
			r.releaseClaim(ctx, dispute.ID, agentID)
			return nil, err
		}
	}
	if _, err := r.ledger.RestoreRetained(ctx, payment.ID); err != nil {
		if refundAmount == 0 {
			r.releaseClaim(ctx, dispute.ID, agentID)
			return nil, err
		}
		// The refund already settled, so the claim is kept and the dispute stays RESOLVING.
		log.Printf("level=error component=dispute_resolver msg=\"CRITICAL: refund settled but payment not restored\" dispute_id=%d payment_id=%d err=%v", dispute.ID, payment.ID, err)
		return nil, err
	}

	resolved, err := r.repo.ResolveDispute(ctx, dispute.ID, domain.DisputeResolution{
		AgentID:        agentID,
		Outcome:        outcome,
		ResolvedAmount: resolvedAmount,
		Notes:          strings.TrimSpace(req.Notes),
		ResolvedAt:     r.now(),
	})
	if err != nil {
		// The dispute stays RESOLVING with this outcome recorded and keeps blocking release.
		log.Printf("level=error component=dispute_resolver msg=\"CRITICAL: payment updated but dispute not resolved\" dispute_id=%d outcome=%s err=%v", dispute.ID, outcome, err)
		return nil, lookupErr(err, "resolve dispute")
	}

	disputesTotal.WithLabelValues("resolved_" + strings.ToLower(string(outcome))).Inc()
	log.Printf("level=info component=dispute_resolver msg=\"dispute resolved\" dispute_id=%d outcome=%s resolved_amount=%d", dispute.ID, outcome, resolvedAmount)
	r.notifier.Notify(ctx, dispute.ClaimantID, domain.NotifyDisputeResolved, "Dispute resolved", resolutionBody(outcome, resolvedAmount, payment.Currency))
	return resolved, nil
}

// releaseClaim hands a RESOLVING dispute back to IN_REVIEW after its outcome
// could not be applied.
func (r *DisputeResolver) releaseClaim(ctx context.Context, disputeID, agentID int64) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.repo.ReleaseDisputeClaim(releaseCtx, disputeID, agentID, r.now()); err != nil {
		log.Printf("level=error component=dispute_resolver msg=\"could not release resolution claim\" dispute_id=%d err=%v", disputeID, err)
	}
}

func claimableErr(state domain.DisputeState) error {
	switch state {
	case domain.DisputeOpen, domain.DisputeInReview:
		return nil
	case domain.DisputeResolving:
		return businessRule(CodeResolutionClaimed, "dispute is being resolved by another agent")
	default:
		return businessRule(CodeInvalidState, "dispute is already resolved")
	}
}

// Close archives a RESOLVED dispute.
func (r *DisputeResolver) Close(ctx context.Context, disputeID, agentID int64) (*domain.Dispute, error) {
	if err := r.requireSupportAgent(ctx, agentID); err != nil {
		return nil, err
	}
	closed, err := r.repo.CloseDispute(ctx, disputeID, r.now())
	if err != nil {
		if errors.Is(err, store.ErrDisputeStateConflict) {
			return nil, businessRule(CodeInvalidState, "only resolved disputes can be closed")
		}
		return nil, lookupErr(err, "close dispute")
	}
	disputesTotal.WithLabelValues("closed").Inc()
	return closed, nil
}

// GetDispute returns a dispute to the claimant, the subscription host, or a support agent.
func (r *DisputeResolver) GetDispute(ctx context.Context, disputeID, requesterID int64) (*domain.Dispute, error) {
	dispute, err := r.repo.FindDisputeByID(ctx, disputeID)
	if err != nil {
		return nil, lookupErr(err, "find dispute")
	}
	if dispute.ClaimantID == requesterID {
		return dispute, nil
	}
	payment, err := r.repo.FindPaymentByID(ctx, dispute.PaymentID)
	if err != nil {
		return nil, lookupErr(err, "find payment")
	}
	allowed, err := r.ledger.isHostOrAgent(ctx, payment.SubscriptionID, requesterID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, forbidden(CodeNotOwner, "dispute is not visible to this user")
	}
	return dispute, nil
}

func (r *DisputeResolver) requireSupportAgent(ctx context.Context, userID int64) error {
	user, err := r.repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return forbidden(CodeSupportAgentOnly, "support agent capability required")
		}
		return fmt.Errorf("find user: %w", err)
	}
	if !user.IsSupportAgent() {
		return forbidden(CodeSupportAgentOnly, "support agent capability required")
	}
	return nil
}

func refundReason(d *domain.Dispute, outcome domain.DisputeOutcome) string {
	return fmt.Sprintf("dispute %d: %s", d.ID, outcome)
}

func resolutionBody(outcome domain.DisputeOutcome, amount int64, currency string) string {
	switch outcome {
	case domain.OutcomeFavorHost:
		return "Your claim was reviewed and the payment stands."
	case domain.OutcomePartialRefund:
		return fmt.Sprintf("Your claim was accepted in part. %s will be refunded.", formatCents(amount, currency))
	default:
		return "Your claim was accepted and the payment will be refunded."
	}
}

/**
 * @description
 * PaymentLedger records seat charges and moves them through retention, release,
 * refund and dispute states.
 *
 * Key features:
 * - A (seat, cycle) is reserved in payment_charge_attempts before the gateway is
 *   called, so two callers cannot both charge the same cycle.
 * - A Payment row is written only after the gateway confirms the charge. An
 *   unconfirmed outcome keeps the reservation and its idempotency key so the
 *   retry is deduplicated by the gateway.
 * - Refunds reserve their amount and an attempt key before the gateway call. A
 *   settled refund clears the attempt and a declined one cancels it. An
 *   unconfirmed refund stays reserved so its retry reuses the key and amount.
 *
 * @dependencies
 * - github.com/google/uuid: idempotency keys.
 * - pkg/gateway: failure classification.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/seatshare/settlement-service/internal/store"
	"github.com/seatshare/settlement-service/pkg/gateway"
)

// LedgerConfig tunes the payment ledger.
type LedgerConfig struct {
	RetentionDays     int
	GatewayTimeout    time.Duration
	ChargeAttemptTTL  time.Duration
	SweepDefaultLimit int
}

// PaymentLedger is the only component that writes payment state.
type PaymentLedger struct {
	repo     store.Repository
	gateway  Gateway
	notifier Notifier
	cfg      LedgerConfig
	now      func() time.Time
}

func NewPaymentLedger(repo store.Repository, gw Gateway, notifier Notifier, cfg LedgerConfig) *PaymentLedger {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = domain.DefaultRetentionDays
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if cfg.ChargeAttemptTTL <= 0 {
		cfg.ChargeAttemptTTL = 30 * time.Minute
	}
	if cfg.SweepDefaultLimit <= 0 {
		cfg.SweepDefaultLimit = 200
	}
	return &PaymentLedger{
		repo:     repo,
		gateway:  gw,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *PaymentLedger) withRepo(repo store.Repository) *PaymentLedger {
	clone := *l
	clone.repo = repo
	return &clone
}

// ProcessPayment charges userID for the current billing cycle of the seat they occupy.
func (l *PaymentLedger) ProcessPayment(ctx context.Context, userID int64, req domain.ProcessPaymentRequest) (*domain.Payment, error) {
	if req.Amount <= 0 {
		return nil, businessRule(CodeInvalidInput, "amount must be positive")
	}

	seat, err := l.repo.FindSeatByID(ctx, req.SeatID)
	if err != nil {
		return nil, lookupErr(err, "find seat")
	}
	if !seat.OccupiedBy(userID) {
		return nil, businessRule(CodeNotOwner, "seat is not occupied by the paying user")
	}

	method, err := l.repo.FindPaymentMethodByID(ctx, req.PaymentMethodID)
	if err != nil {
		return nil, lookupErr(err, "find payment method")
	}
	if method.UserID != userID {
		return nil, forbidden(CodeNotOwner, "payment method does not belong to the user")
	}
	if !method.Active {
		return nil, businessRule(CodeInvalidState, "payment method is not active")
	}

	sub, err := l.repo.FindSubscriptionByID(ctx, seat.SubscriptionID)
	if err != nil {
		return nil, lookupErr(err, "find subscription")
	}
	if sub.State != domain.SubscriptionActive {
		return nil, businessRule(CodeInvalidState, "subscription is not active")
	}

	now := l.now()
	cycleStart, cycleEnd := sub.Periodicity.CycleContaining(sub.StartDate, now)

	if _, err := l.repo.FindPaymentBySeatCycle(ctx, seat.ID, cycleStart); err == nil {
		return nil, businessRule(CodeDuplicateCycle, "a payment already exists for this billing cycle")
	} else if !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, fmt.Errorf("check billing cycle: %w", err)
	}

	attempt, err := l.repo.AcquireChargeAttempt(ctx, seat.ID, cycleStart, uuid.New(), now.Add(-l.cfg.ChargeAttemptTTL))
	if err != nil {
		if errors.Is(err, store.ErrChargeAttemptInProgress) {
			return nil, businessRule(CodeChargeInProgress, "a charge for this billing cycle is already in progress")
		}
		return nil, fmt.Errorf("reserve billing cycle: %w", err)
	}

	gwCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	result, err := l.gateway.Charge(gwCtx, gateway.ChargeRequest{
		IdempotencyKey:     attempt.IdempotencyKey.String(),
		PaymentMethodToken: method.GatewayToken,
		Amount:             req.Amount,
		Currency:           sub.Currency,
		Description:        fmt.Sprintf("seat %d cycle %s", seat.ID, cycleStart.Format("2006-01-02")),
	})
	cancel()
	if err != nil {
		return nil, l.chargeFailed(ctx, attempt, err)
	}

	payment := &domain.Payment{
		SeatID:            seat.ID,
		SubscriptionID:    sub.ID,
		UserID:            userID,
		PaymentMethodID:   method.ID,
		Amount:            req.Amount,
		Currency:          sub.Currency,
		ChargedAt:         now,
		RetentionDeadline: now.AddDate(0, 0, l.cfg.RetentionDays),
		GatewayReference:  result.Reference,
		IdempotencyKey:    attempt.IdempotencyKey,
		CycleStart:        cycleStart,
		CycleEnd:          cycleEnd,
		State:             domain.PaymentRetained,
	}
	err = l.repo.WithTx(ctx, func(tx store.Repository) error {
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		return tx.DeleteChargeAttempt(ctx, seat.ID, cycleStart, attempt.IdempotencyKey)
	})
	if err != nil {
		if errors.Is(err, store.ErrPaymentAlreadyExists) {
			return nil, businessRule(CodeDuplicateCycle, "a payment already exists for this billing cycle")
		}
		// The money moved but was not recorded. Keep the reservation so a retry
		// reuses the key, gets the same gateway reference, and records it.
		log.Printf("level=error component=payment_ledger msg=\"CRITICAL: charge confirmed but not recorded\" seat_id=%d cycle_start=%s reference=%s err=%v",
			seat.ID, cycleStart.Format("2006-01-02"), result.Reference, err)
		l.markAttemptUnknown(ctx, attempt)
		return nil, fmt.Errorf("record payment: %w", err)
	}

	chargesTotal.WithLabelValues("retained").Inc()
	log.Printf("level=info component=payment_ledger msg=\"payment retained\" payment_id=%d seat_id=%d amount=%d cycle_start=%s",
		payment.ID, seat.ID, payment.Amount, cycleStart.Format("2006-01-02"))
	l.notifier.Notify(ctx, userID, domain.NotifyPaymentRetained, "Payment received",
		fmt.Sprintf("We are holding %s until %s.", formatCents(payment.Amount, payment.Currency), payment.RetentionDeadline.Format("2006-01-02")))
	return payment, nil
}

func (l *PaymentLedger) chargeFailed(ctx context.Context, attempt *domain.ChargeAttempt, err error) error {
	if gateway.IsDeclined(err) {
		chargesTotal.WithLabelValues("declined").Inc()
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if delErr := l.repo.DeleteChargeAttempt(cleanupCtx, attempt.SeatID, attempt.CycleStart, attempt.IdempotencyKey); delErr != nil {
			log.Printf("level=warn component=payment_ledger msg=\"could not clear declined charge reservation\" seat_id=%d err=%v", attempt.SeatID, delErr)
		}
		return gatewayFailure(CodeGatewayDeclined, "payment was declined", err)
	}

	chargesTotal.WithLabelValues("unknown").Inc()
	log.Printf("level=warn component=payment_ledger msg=\"charge outcome unknown\" seat_id=%d idempotency_key=%s err=%v",
		attempt.SeatID, attempt.IdempotencyKey, err)
	l.markAttemptUnknown(ctx, attempt)
	return gatewayFailure(CodeGatewayUnavailable, "payment gateway did not confirm the charge; retry to complete it", err)
}

func (l *PaymentLedger) markAttemptUnknown(ctx context.Context, attempt *domain.ChargeAttempt) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.repo.MarkChargeAttemptUnknown(cleanupCtx, attempt.SeatID, attempt.CycleStart, attempt.IdempotencyKey); err != nil {
		log.Printf("level=error component=payment_ledger msg=\"could not mark charge attempt unknown\" seat_id=%d err=%v", attempt.SeatID, err)
	}
}

// ReleasePayment liberates a RETAINED payment with no active dispute.
func (l *PaymentLedger) ReleasePayment(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	return l.release(ctx, paymentID, "manual")
}

func (l *PaymentLedger) release(ctx context.Context, paymentID int64, trigger string) (*domain.Payment, error) {
	payment, err := l.repo.LiberatePayment(ctx, paymentID, l.now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPaymentHasActiveDispute):
			return nil, businessRule(CodeActiveDispute, "payment has an open dispute")
		case errors.Is(err, store.ErrPaymentStateConflict):
			return nil, businessRule(CodeInvalidState, "only retained payments can be released")
		case errors.Is(err, store.ErrRefundInProgress):
			return nil, businessRule(CodeRefundInProgress, "a refund for this payment is still unsettled")
		}
		return nil, lookupErr(err, "release payment")
	}

	releasesTotal.WithLabelValues(trigger).Inc()
	log.Printf("level=info component=payment_ledger msg=\"payment liberated\" payment_id=%d trigger=%s", payment.ID, trigger)
	if sub, err := l.repo.FindSubscriptionByID(ctx, payment.SubscriptionID); err == nil {
		l.notifier.Notify(ctx, sub.HostID, domain.NotifyPaymentLiberated, "Payment released",
			fmt.Sprintf("%s was released to you.", formatCents(payment.Amount-payment.RefundedAmount, payment.Currency)))
	}
	return payment, nil
}

// ProcessRefund returns amount to the payer.
func (l *PaymentLedger) ProcessRefund(ctx context.Context, paymentID, amount int64, reason string) (*domain.Payment, error) {
	if amount <= 0 {
		return nil, businessRule(CodeInvalidInput, "refund amount must be positive")
	}

	attempt, reserved, err := l.repo.ReserveRefund(ctx, paymentID, amount, uuid.New(), l.now().Add(-l.cfg.ChargeAttemptTTL))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRefundExceedsAvailable):
			return nil, businessRule(CodeRefundExceeds, "refund exceeds available amount")
		case errors.Is(err, store.ErrPaymentStateConflict):
			return nil, businessRule(CodeInvalidState, "payment cannot be refunded in its current state")
		case errors.Is(err, store.ErrRefundInProgress):
			return nil, businessRule(CodeRefundInProgress, "a refund for this payment is already in progress")
		case errors.Is(err, store.ErrRefundPending):
			return nil, businessRule(CodeRefundPending, "an unconfirmed refund of a different amount must be retried first")
		}
		return nil, lookupErr(err, "reserve refund")
	}

	gwCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	result, err := l.gateway.Refund(gwCtx, gateway.RefundRequest{
		IdempotencyKey:  attempt.IdempotencyKey.String(),
		ChargeReference: reserved.GatewayReference,
		Amount:          amount,
		Reason:          reason,
	})
	cancel()
	if err != nil {
		return nil, l.refundFailed(ctx, attempt, err)
	}

	payment, err := l.repo.SettleRefund(ctx, &domain.PaymentRefund{
		PaymentID:        paymentID,
		Amount:           amount,
		Reason:           reason,
		GatewayReference: result.Reference,
	}, attempt.IdempotencyKey, l.now())
	if err != nil {
		log.Printf("level=error component=payment_ledger msg=\"CRITICAL: refund confirmed but not recorded\" payment_id=%d amount=%d reference=%s err=%v",
			paymentID, amount, result.Reference, err)
		return nil, fmt.Errorf("settle refund: %w", err)
	}

	refundsTotal.WithLabelValues("settled").Inc()
	refundedCentsTotal.Add(float64(amount))
	log.Printf("level=info component=payment_ledger msg=\"refund settled\" payment_id=%d amount=%d refunded_total=%d state=%s",
		payment.ID, amount, payment.RefundedAmount, payment.State)
	l.notifier.Notify(ctx, payment.UserID, domain.NotifyPaymentRefunded, "Refund issued",
		fmt.Sprintf("%s was refunded to your payment method.", formatCents(amount, payment.Currency)))
	return payment, nil
}

// refundFailed cancels a declined refund's reservation. Any other failure
// leaves the money reserved under the same key for the retry.
func (l *PaymentLedger) refundFailed(ctx context.Context, attempt *domain.RefundAttempt, err error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if gateway.IsDeclined(err) {
		refundsTotal.WithLabelValues("declined").Inc()
		if cancelErr := l.repo.CancelRefundReservation(cleanupCtx, attempt.PaymentID, attempt.IdempotencyKey); cancelErr != nil {
			log.Printf("level=error component=payment_ledger msg=\"could not cancel refund reservation\" payment_id=%d amount=%d err=%v",
				attempt.PaymentID, attempt.Amount, cancelErr)
		}
		return gatewayFailure(CodeGatewayDeclined, "refund was declined", err)
	}

	refundsTotal.WithLabelValues("unknown").Inc()
	log.Printf("level=warn component=payment_ledger msg=\"refund outcome unknown\" payment_id=%d amount=%d idempotency_key=%s err=%v",
		attempt.PaymentID, attempt.Amount, attempt.IdempotencyKey, err)
	if markErr := l.repo.MarkRefundAttemptUnknown(cleanupCtx, attempt.PaymentID, attempt.IdempotencyKey); markErr != nil {
		log.Printf("level=error component=payment_ledger msg=\"could not mark refund attempt unknown\" payment_id=%d err=%v", attempt.PaymentID, markErr)
	}
	return gatewayFailure(CodeGatewayUnavailable, "payment gateway did not confirm the refund; retry the same amount to complete it", err)
}

// MarkDisputed freezes a payment while a dispute is open.
func (l *PaymentLedger) MarkDisputed(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	payment, err := l.repo.TransitionPayment(ctx, paymentID, domain.DisputableStates(), domain.PaymentDisputed, l.now())
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, store.ErrPaymentStateConflict) {
		return nil, lookupErr(err, "mark payment disputed")
	}

	current, findErr := l.repo.FindPaymentByID(ctx, paymentID)
	if findErr != nil {
		return nil, lookupErr(findErr, "find payment")
	}
	if current.State == domain.PaymentLiberated {
		return nil, businessRule(CodePaymentLiberated, "payment already liberated")
	}
	return nil, businessRule(CodeInvalidState, fmt.Sprintf("a %s payment cannot be disputed", current.State))
}

// RestoreRetained lifts a dispute freeze. A payment with nothing refunded goes
// back to RETAINED for the release sweep; one with a partial refund becomes
// PARTIALLY_REFUNDED. A payment refunded in full is returned unchanged.
func (l *PaymentLedger) RestoreRetained(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	payment, err := l.repo.RestoreDisputedPayment(ctx, paymentID, l.now())
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, store.ErrPaymentStateConflict) {
		return nil, lookupErr(err, "restore payment")
	}

	current, findErr := l.repo.FindPaymentByID(ctx, paymentID)
	if findErr != nil {
		return nil, lookupErr(findErr, "find payment")
	}
	if current.State == domain.PaymentRefunded {
		return current, nil
	}
	return nil, businessRule(CodeInvalidState, "only disputed payments can be restored")
}

// ReleaseExpired liberates up to limit RETAINED payments whose retention
// deadline has passed and that carry no active dispute.
func (l *PaymentLedger) ReleaseExpired(ctx context.Context, limit int) (domain.ReleaseSummary, error) {
	if limit <= 0 {
		limit = l.cfg.SweepDefaultLimit
	}

	var summary domain.ReleaseSummary
	candidates, err := l.repo.ListReleasablePayments(ctx, l.now(), limit)
	if err != nil {
		return summary, fmt.Errorf("list releasable payments: %w", err)
	}
	summary.Candidates = len(candidates)

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if _, err := l.release(ctx, p.ID, "sweep"); err != nil {
			// A dispute opened or a refund landed after the listing.
			if errors.Is(err, ErrBusinessRule) {
				summary.Skipped++
				continue
			}
			summary.Failed++
			log.Printf("level=error component=payment_ledger msg=\"sweep release failed\" payment_id=%d err=%v", p.ID, err)
			continue
		}
		summary.Released++
	}

	log.Printf("level=info component=payment_ledger msg=\"retention sweep finished\" candidates=%d released=%d skipped=%d failed=%d",
		summary.Candidates, summary.Released, summary.Skipped, summary.Failed)
	return summary, nil
}

// GetPayment returns a payment and its refunds to the payer, the host, or a support agent.
func (l *PaymentLedger) GetPayment(ctx context.Context, paymentID, requesterID int64) (*domain.PaymentWithRefunds, error) {
	payment, err := l.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, lookupErr(err, "find payment")
	}
	if payment.UserID != requesterID {
		allowed, err := l.isHostOrAgent(ctx, payment.SubscriptionID, requesterID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, forbidden(CodeNotOwner, "payment is not visible to this user")
		}
	}

	refunds, err := l.repo.ListPaymentRefunds(ctx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	if refunds == nil {
		refunds = []domain.PaymentRefund{}
	}
	return &domain.PaymentWithRefunds{Payment: *payment, Refunds: refunds}, nil
}

// ListPaymentsForUser returns the user's most recent payments.
func (l *PaymentLedger) ListPaymentsForUser(ctx context.Context, userID int64, limit int) ([]domain.Payment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	payments, err := l.repo.ListPaymentsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	return payments, nil
}

func (l *PaymentLedger) isHostOrAgent(ctx context.Context, subscriptionID, userID int64) (bool, error) {
	sub, err := l.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return false, lookupErr(err, "find subscription")
	}
	if sub.HostID == userID {
		return true, nil
	}
	user, err := l.repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("find user: %w", err)
	}
	return user.IsSupportAgent(), nil
}

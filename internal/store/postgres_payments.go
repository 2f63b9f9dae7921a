package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/seatshare/settlement-service/internal/domain"
)

const paymentColumns = `
	id, seat_id, subscription_id, user_id, payment_method_id, amount, refunded_amount, refund_in_flight,
	currency, charged_at, retention_deadline, gateway_reference, idempotency_key, cycle_start, cycle_end,
	state, liberated_at, created_at, updated_at
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var state string
	err := row.Scan(
		&p.ID, &p.SeatID, &p.SubscriptionID, &p.UserID, &p.PaymentMethodID, &p.Amount, &p.RefundedAmount, &p.RefundInFlight,
		&p.Currency, &p.ChargedAt, &p.RetentionDeadline, &p.GatewayReference, &p.IdempotencyKey, &p.CycleStart, &p.CycleEnd,
		&state, &p.LiberatedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	p.State = domain.PaymentState(state)
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]domain.Payment, error) {
	defer rows.Close()
	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// FindPaymentByID retrieves a payment.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
}

// FindPaymentBySeatCycle returns the payment recorded for a seat's billing cycle.
func (r *PostgresRepository) FindPaymentBySeatCycle(ctx context.Context, seatID int64, cycleStart time.Time) (*domain.Payment, error) {
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE seat_id = $1 AND cycle_start = $2`, seatID, cycleStart))
}

// ListPaymentsByUser returns the user's most recent payments first.
func (r *PostgresRepository) ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// AcquireChargeAttempt reserves (seat, cycle) for one gateway call.
func (r *PostgresRepository) AcquireChargeAttempt(
	ctx context.Context,
	seatID int64,
	cycleStart time.Time,
	key uuid.UUID,
	staleBefore time.Time,
) (*domain.ChargeAttempt, error) {
	query := `
		INSERT INTO payment_charge_attempts (seat_id, cycle_start, idempotency_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'processing', NOW(), NOW())
		ON CONFLICT (seat_id, cycle_start)
		DO UPDATE SET status = 'processing', updated_at = NOW()
		WHERE payment_charge_attempts.status = 'unknown'
		   OR payment_charge_attempts.updated_at < $4
		RETURNING seat_id, cycle_start, idempotency_key, status, updated_at
	`
	var attempt domain.ChargeAttempt
	var status string
	err := r.db.QueryRow(ctx, query, seatID, cycleStart, key, staleBefore).
		Scan(&attempt.SeatID, &attempt.CycleStart, &attempt.IdempotencyKey, &status, &attempt.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChargeAttemptInProgress
		}
		return nil, err
	}
	attempt.Status = domain.ChargeAttemptStatus(status)
	return &attempt, nil
}

// MarkChargeAttemptUnknown records that the gateway never answered definitively.
func (r *PostgresRepository) MarkChargeAttemptUnknown(ctx context.Context, seatID int64, cycleStart time.Time, key uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_charge_attempts
		SET status = 'unknown', updated_at = NOW()
		WHERE seat_id = $1 AND cycle_start = $2 AND idempotency_key = $3
	`, seatID, cycleStart, key)
	return err
}

// DeleteChargeAttempt drops a reservation owned by key.
func (r *PostgresRepository) DeleteChargeAttempt(ctx context.Context, seatID int64, cycleStart time.Time, key uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM payment_charge_attempts
		WHERE seat_id = $1 AND cycle_start = $2 AND idempotency_key = $3
	`, seatID, cycleStart, key)
	return err
}

// CreatePayment inserts a new payment row.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			seat_id, subscription_id, user_id, payment_method_id, amount, refunded_amount, refund_in_flight,
			currency, charged_at, retention_deadline, gateway_reference, idempotency_key, cycle_start, cycle_end,
			state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, $8, $9, $10, $11, $12, $13, $7, $7)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		p.SeatID, p.SubscriptionID, p.UserID, p.PaymentMethodID, p.Amount,
		p.Currency, p.ChargedAt, p.RetentionDeadline, p.GatewayReference, p.IdempotencyKey, p.CycleStart, p.CycleEnd,
		string(p.State),
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrPaymentAlreadyExists
		}
		return err
	}
	return nil
}

// TransitionPayment moves a payment to `to` only while it is in one of `from`.
func (r *PostgresRepository) TransitionPayment(
	ctx context.Context,
	paymentID int64,
	from []domain.PaymentState,
	to domain.PaymentState,
	at time.Time,
) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET state = $3, updated_at = $4
		WHERE id = $1 AND state = ANY($2)
		RETURNING ` + paymentColumns
	p, err := scanPayment(r.db.QueryRow(ctx, query, paymentID, toStrings(from), string(to), at))
	if err == ErrPaymentNotFound {
		if _, findErr := r.FindPaymentByID(ctx, paymentID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrPaymentStateConflict
	}
	return p, err
}

// LiberatePayment releases retained funds unless a dispute is still active or a
// refund is in flight.
// The dispute check is part of the same statement as the state change.
func (r *PostgresRepository) LiberatePayment(ctx context.Context, paymentID int64, at time.Time) (*domain.Payment, error) {
	query := `
		UPDATE payments p
		SET state = 'LIBERATED', liberated_at = $2, updated_at = $2
		WHERE p.id = $1
		  AND p.state = 'RETAINED'
		  AND p.refund_in_flight = 0
		  AND NOT EXISTS (
			SELECT 1 FROM disputes d
			WHERE d.payment_id = p.id AND d.state IN ('OPEN', 'IN_REVIEW', 'RESOLVING')
		  )
		RETURNING ` + paymentColumns
	p, err := scanPayment(r.db.QueryRow(ctx, query, paymentID, at))
	if err != ErrPaymentNotFound {
		return p, err
	}

	current, findErr := r.FindPaymentByID(ctx, paymentID)
	if findErr != nil {
		return nil, findErr
	}
	if current.State != domain.PaymentRetained {
		return nil, ErrPaymentStateConflict
	}
	if current.RefundInFlight > 0 {
		return nil, ErrRefundInProgress
	}
	return nil, ErrPaymentHasActiveDispute
}

const refundAttemptColumns = `payment_id, idempotency_key, amount, status, updated_at`

func scanRefundAttempt(row pgx.Row) (*domain.RefundAttempt, error) {
	var a domain.RefundAttempt
	var status string
	if err := row.Scan(&a.PaymentID, &a.IdempotencyKey, &a.Amount, &status, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.ChargeAttemptStatus(status)
	return &a, nil
}

// ReserveRefund earmarks amount against the payment's refundable balance and
// records the attempt under key. An unsettled attempt for the same amount is
// reclaimed with its original key instead.
func (r *PostgresRepository) ReserveRefund(
	ctx context.Context,
	paymentID int64,
	amount int64,
	key uuid.UUID,
	staleBefore time.Time,
) (*domain.RefundAttempt, *domain.Payment, error) {
	var attempt *domain.RefundAttempt
	var reserved *domain.Payment
	err := r.atomic(ctx, func(q querier) error {
		p, err := scanPayment(q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
		if err != nil {
			return err
		}

		existing, err := scanRefundAttempt(q.QueryRow(ctx,
			`SELECT `+refundAttemptColumns+` FROM payment_refund_attempts WHERE payment_id = $1`, paymentID))
		switch {
		case err == nil:
			if existing.Status == domain.ChargeAttemptProcessing && !existing.UpdatedAt.Before(staleBefore) {
				return ErrRefundInProgress
			}
			if existing.Amount != amount {
				return ErrRefundPending
			}
			attempt, err = scanRefundAttempt(q.QueryRow(ctx, `
				UPDATE payment_refund_attempts
				SET status = 'processing', updated_at = NOW()
				WHERE payment_id = $1
				RETURNING `+refundAttemptColumns, paymentID))
			if err != nil {
				return fmt.Errorf("reclaim refund attempt: %w", err)
			}
			reserved = p
			return nil
		case err != pgx.ErrNoRows:
			return err
		}

		if !p.State.Refundable() {
			return ErrPaymentStateConflict
		}
		if p.RefundedAmount+p.RefundInFlight+amount > p.Amount {
			return ErrRefundExceedsAvailable
		}
		reserved, err = scanPayment(q.QueryRow(ctx, `
			UPDATE payments
			SET refund_in_flight = refund_in_flight + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING `+paymentColumns, paymentID, amount))
		if err != nil {
			if isCheckViolation(err) {
				return ErrRefundExceedsAvailable
			}
			return err
		}
		attempt, err = scanRefundAttempt(q.QueryRow(ctx, `
			INSERT INTO payment_refund_attempts (payment_id, idempotency_key, amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, 'processing', NOW(), NOW())
			RETURNING `+refundAttemptColumns, paymentID, key, amount))
		if err != nil {
			return fmt.Errorf("record refund attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return attempt, reserved, nil
}

// MarkRefundAttemptUnknown keeps a refund reserved after the gateway failed to answer.
func (r *PostgresRepository) MarkRefundAttemptUnknown(ctx context.Context, paymentID int64, key uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_refund_attempts
		SET status = 'unknown', updated_at = NOW()
		WHERE payment_id = $1 AND idempotency_key = $2
	`, paymentID, key)
	return err
}

// SettleRefund moves the attempt's amount into the refunded total and journals
// it. A payment frozen by a dispute stays DISPUTED until the dispute is resolved.
func (r *PostgresRepository) SettleRefund(ctx context.Context, refund *domain.PaymentRefund, key uuid.UUID, at time.Time) (*domain.Payment, error) {
	var settled *domain.Payment
	err := r.atomic(ctx, func(q querier) error {
		var reservedAmount int64
		err := q.QueryRow(ctx, `
			DELETE FROM payment_refund_attempts
			WHERE payment_id = $1 AND idempotency_key = $2
			RETURNING amount
		`, refund.PaymentID, key).Scan(&reservedAmount)
		if err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("settle refund for payment %d: no matching attempt: %w", refund.PaymentID, ErrPaymentStateConflict)
			}
			return err
		}
		if reservedAmount != refund.Amount {
			return fmt.Errorf("settle refund for payment %d: attempt holds %d, not %d: %w", refund.PaymentID, reservedAmount, refund.Amount, ErrPaymentStateConflict)
		}

		query := `
			UPDATE payments
			SET refunded_amount = refunded_amount + $2,
			    refund_in_flight = refund_in_flight - $2,
			    state = CASE
			        WHEN refunded_amount + $2 = amount THEN 'REFUNDED'
			        WHEN state = 'DISPUTED' THEN 'DISPUTED'
			        ELSE 'PARTIALLY_REFUNDED'
			    END,
			    updated_at = $3
			WHERE id = $1 AND refund_in_flight >= $2
			RETURNING ` + paymentColumns
		p, err := scanPayment(q.QueryRow(ctx, query, refund.PaymentID, refund.Amount, at))
		if err != nil {
			if isCheckViolation(err) {
				return ErrRefundExceedsAvailable
			}
			if err == ErrPaymentNotFound {
				return fmt.Errorf("settle refund for payment %d: no matching reservation: %w", refund.PaymentID, ErrPaymentStateConflict)
			}
			return err
		}

		err = q.QueryRow(ctx, `
			INSERT INTO payment_refunds (payment_id, amount, reason, gateway_reference, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at
		`, refund.PaymentID, refund.Amount, refund.Reason, refund.GatewayReference, at).Scan(&refund.ID, &refund.CreatedAt)
		if err != nil {
			return fmt.Errorf("journal refund: %w", err)
		}
		settled = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

// CancelRefundReservation drops a declined attempt and returns its amount to
// the refundable balance. A missing attempt is a no-op.
func (r *PostgresRepository) CancelRefundReservation(ctx context.Context, paymentID int64, key uuid.UUID) error {
	return r.atomic(ctx, func(q querier) error {
		var amount int64
		err := q.QueryRow(ctx, `
			DELETE FROM payment_refund_attempts
			WHERE payment_id = $1 AND idempotency_key = $2
			RETURNING amount
		`, paymentID, key).Scan(&amount)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return err
		}
		tag, err := q.Exec(ctx, `
			UPDATE payments
			SET refund_in_flight = refund_in_flight - $2, updated_at = NOW()
			WHERE id = $1 AND refund_in_flight >= $2
		`, paymentID, amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrPaymentStateConflict
		}
		return nil
	})
}

// RestoreDisputedPayment lifts the dispute freeze: RETAINED when nothing was
// refunded, PARTIALLY_REFUNDED otherwise.
func (r *PostgresRepository) RestoreDisputedPayment(ctx context.Context, paymentID int64, at time.Time) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET state = CASE WHEN refunded_amount = 0 THEN 'RETAINED' ELSE 'PARTIALLY_REFUNDED' END,
		    updated_at = $2
		WHERE id = $1 AND state = 'DISPUTED'
		RETURNING ` + paymentColumns
	p, err := scanPayment(r.db.QueryRow(ctx, query, paymentID, at))
	if err != ErrPaymentNotFound {
		return p, err
	}
	if _, findErr := r.FindPaymentByID(ctx, paymentID); findErr != nil {
		return nil, findErr
	}
	return nil, ErrPaymentStateConflict
}

// ListPaymentRefunds returns the refund journal for a payment.
func (r *PostgresRepository) ListPaymentRefunds(ctx context.Context, paymentID int64) ([]domain.PaymentRefund, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, payment_id, amount, reason, gateway_reference, created_at
		FROM payment_refunds
		WHERE payment_id = $1
		ORDER BY id
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []domain.PaymentRefund
	for rows.Next() {
		var rf domain.PaymentRefund
		if err := rows.Scan(&rf.ID, &rf.PaymentID, &rf.Amount, &rf.Reason, &rf.GatewayReference, &rf.CreatedAt); err != nil {
			return nil, err
		}
		refunds = append(refunds, rf)
	}
	return refunds, rows.Err()
}

// ListReleasablePayments returns RETAINED payments past their retention deadline
// that carry no active dispute, oldest deadline first.
func (r *PostgresRepository) ListReleasablePayments(ctx context.Context, asOf time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + paymentColumns + `
		FROM payments p
		WHERE p.state = 'RETAINED'
		  AND p.retention_deadline <= $1
		  AND p.refund_in_flight = 0
		  AND NOT EXISTS (
			SELECT 1 FROM disputes d
			WHERE d.payment_id = p.id AND d.state IN ('OPEN', 'IN_REVIEW', 'RESOLVING')
		  )
		ORDER BY p.retention_deadline, p.id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

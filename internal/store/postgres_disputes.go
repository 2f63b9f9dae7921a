package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/seatshare/settlement-service/internal/domain"
)

const disputeColumns = `
	id, payment_id, claimant_id, reason, description, evidence, state, agent_id, outcome,
	resolved_amount, resolution_notes, resolved_at, created_at, updated_at
`

func scanDispute(row pgx.Row) (*domain.Dispute, error) {
	var d domain.Dispute
	var state string
	var outcome *string
	err := row.Scan(
		&d.ID, &d.PaymentID, &d.ClaimantID, &d.Reason, &d.Description, &d.Evidence, &state, &d.AgentID, &outcome,
		&d.ResolvedAmount, &d.ResolutionNotes, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	d.State = domain.DisputeState(state)
	if outcome != nil {
		o := domain.DisputeOutcome(*outcome)
		d.Outcome = &o
	}
	if d.Evidence == nil {
		d.Evidence = []string{}
	}
	return &d, nil
}

// CreateDispute inserts an OPEN dispute. The partial unique index on active
// disputes rejects a second concurrent claim against the same payment.
func (r *PostgresRepository) CreateDispute(ctx context.Context, d *domain.Dispute) error {
	evidence := d.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	query := `
		INSERT INTO disputes (payment_id, claimant_id, reason, description, evidence, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, d.PaymentID, d.ClaimantID, d.Reason, d.Description, evidence, string(d.State), d.CreatedAt).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "uq_disputes_active_payment") {
			return ErrActiveDisputeExists
		}
		return err
	}
	return nil
}

// FindDisputeByID retrieves a dispute.
func (r *PostgresRepository) FindDisputeByID(ctx context.Context, disputeID int64) (*domain.Dispute, error) {
	return scanDispute(r.db.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, disputeID))
}

// FindActiveDisputeByPayment returns the dispute of a payment that still blocks its release.
func (r *PostgresRepository) FindActiveDisputeByPayment(ctx context.Context, paymentID int64) (*domain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE payment_id = $1 AND state IN ('OPEN', 'IN_REVIEW', 'RESOLVING')`
	return scanDispute(r.db.QueryRow(ctx, query, paymentID))
}

func (r *PostgresRepository) conflictOrMissingDispute(ctx context.Context, disputeID int64) error {
	if _, err := r.FindDisputeByID(ctx, disputeID); err != nil {
		return err
	}
	return ErrDisputeStateConflict
}

// AssignDisputeAgent moves an active dispute to IN_REVIEW under agentID.
func (r *PostgresRepository) AssignDisputeAgent(ctx context.Context, disputeID, agentID int64, at time.Time) (*domain.Dispute, error) {
	query := `
		UPDATE disputes
		SET agent_id = $2, state = 'IN_REVIEW', updated_at = $3
		WHERE id = $1 AND state IN ('OPEN', 'IN_REVIEW')
		RETURNING ` + disputeColumns
	d, err := scanDispute(r.db.QueryRow(ctx, query, disputeID, agentID, at))
	if err == ErrDisputeNotFound {
		return nil, r.conflictOrMissingDispute(ctx, disputeID)
	}
	return d, err
}

// ClaimDisputeResolution moves an OPEN or IN_REVIEW dispute to RESOLVING for
// one agent. Only one claim can succeed; the loser gets ErrDisputeStateConflict.
func (r *PostgresRepository) ClaimDisputeResolution(ctx context.Context, disputeID int64, claim domain.DisputeClaim) (*domain.Dispute, error) {
	query := `
		UPDATE disputes
		SET state = 'RESOLVING',
		    agent_id = $2,
		    outcome = $3,
		    resolved_amount = $4,
		    updated_at = $5
		WHERE id = $1 AND state IN ('OPEN', 'IN_REVIEW')
		RETURNING ` + disputeColumns
	d, err := scanDispute(r.db.QueryRow(ctx, query, disputeID, claim.AgentID, string(claim.Outcome), claim.ResolvedAmount, claim.ClaimedAt))
	if err == ErrDisputeNotFound {
		return nil, r.conflictOrMissingDispute(ctx, disputeID)
	}
	return d, err
}

// ReleaseDisputeClaim hands a RESOLVING dispute held by agentID back to IN_REVIEW.
func (r *PostgresRepository) ReleaseDisputeClaim(ctx context.Context, disputeID, agentID int64, at time.Time) (*domain.Dispute, error) {
	query := `
		UPDATE disputes
		SET state = 'IN_REVIEW', outcome = NULL, resolved_amount = NULL, updated_at = $3
		WHERE id = $1 AND state = 'RESOLVING' AND agent_id = $2
		RETURNING ` + disputeColumns
	d, err := scanDispute(r.db.QueryRow(ctx, query, disputeID, agentID, at))
	if err == ErrDisputeNotFound {
		return nil, r.conflictOrMissingDispute(ctx, disputeID)
	}
	return d, err
}

// ResolveDispute completes a RESOLVING dispute held by the resolving agent.
func (r *PostgresRepository) ResolveDispute(ctx context.Context, disputeID int64, res domain.DisputeResolution) (*domain.Dispute, error) {
	query := `
		UPDATE disputes
		SET state = 'RESOLVED',
		    outcome = $3,
		    resolved_amount = $4,
		    resolution_notes = $5,
		    resolved_at = $6,
		    updated_at = $6
		WHERE id = $1 AND state = 'RESOLVING' AND agent_id = $2
		RETURNING ` + disputeColumns
	d, err := scanDispute(r.db.QueryRow(ctx, query, disputeID, res.AgentID, string(res.Outcome), res.ResolvedAmount, res.Notes, res.ResolvedAt))
	if err == ErrDisputeNotFound {
		return nil, r.conflictOrMissingDispute(ctx, disputeID)
	}
	return d, err
}

// CloseDispute archives a RESOLVED dispute.
func (r *PostgresRepository) CloseDispute(ctx context.Context, disputeID int64, at time.Time) (*domain.Dispute, error) {
	query := `
		UPDATE disputes
		SET state = 'CLOSED', updated_at = $2
		WHERE id = $1 AND state = 'RESOLVED'
		RETURNING ` + disputeColumns
	d, err := scanDispute(r.db.QueryRow(ctx, query, disputeID, at))
	if err == ErrDisputeNotFound {
		return nil, r.conflictOrMissingDispute(ctx, disputeID)
	}
	return d, err
}

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/seatshare/settlement-service/internal/domain"
)

const joinRequestColumns = `
	id, requester_id, kind, group_id, subscription_id, message, state, approver_id, responded_at,
	rejection_reason, created_at, updated_at
`

func scanJoinRequest(row pgx.Row) (*domain.JoinRequest, error) {
	var jr domain.JoinRequest
	var kind, state string
	err := row.Scan(
		&jr.ID, &jr.RequesterID, &kind, &jr.GroupID, &jr.SubscriptionID, &jr.Message, &state, &jr.ApproverID, &jr.RespondedAt,
		&jr.RejectionReason, &jr.CreatedAt, &jr.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrJoinRequestNotFound
		}
		return nil, err
	}
	jr.Kind = domain.JoinRequestKind(kind)
	jr.State = domain.JoinRequestState(state)
	return &jr, nil
}

func targetColumn(kind domain.JoinRequestKind) string {
	if kind == domain.JoinRequestGroup {
		return "group_id"
	}
	return "subscription_id"
}

// CreateJoinRequest inserts a PENDING request; a second pending request for the
// same (requester, target) violates a partial unique index.
func (r *PostgresRepository) CreateJoinRequest(ctx context.Context, jr *domain.JoinRequest) error {
	query := `
		INSERT INTO join_requests (requester_id, kind, group_id, subscription_id, message, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, jr.RequesterID, string(jr.Kind), jr.GroupID, jr.SubscriptionID, jr.Message, string(jr.State), jr.CreatedAt).
		Scan(&jr.ID, &jr.CreatedAt, &jr.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "uq_join_requests_pending_group") || isUniqueViolation(err, "uq_join_requests_pending_subscription") {
			return ErrPendingJoinRequestExists
		}
		return err
	}
	return nil
}

// FindJoinRequestByID retrieves a join request.
func (r *PostgresRepository) FindJoinRequestByID(ctx context.Context, requestID int64) (*domain.JoinRequest, error) {
	return scanJoinRequest(r.db.QueryRow(ctx, `SELECT `+joinRequestColumns+` FROM join_requests WHERE id = $1`, requestID))
}

// FindPendingJoinRequest returns the PENDING request of requesterID for a target.
func (r *PostgresRepository) FindPendingJoinRequest(ctx context.Context, requesterID int64, kind domain.JoinRequestKind, targetID int64) (*domain.JoinRequest, error) {
	query := `SELECT ` + joinRequestColumns + ` FROM join_requests
		WHERE requester_id = $1 AND kind = $2 AND ` + targetColumn(kind) + ` = $3 AND state = 'PENDING'`
	return scanJoinRequest(r.db.QueryRow(ctx, query, requesterID, string(kind), targetID))
}

// TransitionJoinRequest terminates a PENDING request.
func (r *PostgresRepository) TransitionJoinRequest(ctx context.Context, requestID int64, t domain.JoinRequestTransition) (*domain.JoinRequest, error) {
	query := `
		UPDATE join_requests
		SET state = $2,
		    approver_id = CASE WHEN $2 = 'CANCELLED' THEN approver_id ELSE $3 END,
		    rejection_reason = $4,
		    responded_at = $5,
		    updated_at = $5
		WHERE id = $1 AND state = 'PENDING'
		RETURNING ` + joinRequestColumns
	jr, err := scanJoinRequest(r.db.QueryRow(ctx, query, requestID, string(t.To), t.ActorID, t.RejectionReason, t.At))
	if err == ErrJoinRequestNotFound {
		if _, findErr := r.FindJoinRequestByID(ctx, requestID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrJoinRequestNotPending
	}
	return jr, err
}

// ListPendingJoinRequests returns pending requests for a group or subscription, oldest first.
func (r *PostgresRepository) ListPendingJoinRequests(ctx context.Context, kind domain.JoinRequestKind, targetID int64) ([]domain.JoinRequest, error) {
	query := `SELECT ` + joinRequestColumns + ` FROM join_requests
		WHERE kind = $1 AND ` + targetColumn(kind) + ` = $2 AND state = 'PENDING'
		ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, query, string(kind), targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.JoinRequest
	for rows.Next() {
		jr, err := scanJoinRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *jr)
	}
	return requests, rows.Err()
}

// CancelPendingJoinRequestsForMember cancels a user's pending seat requests
// against the group's subscriptions.
func (r *PostgresRepository) CancelPendingJoinRequestsForMember(ctx context.Context, groupID, userID int64, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE join_requests jr
		SET state = 'CANCELLED', responded_at = $3, updated_at = $3
		WHERE jr.requester_id = $2
		  AND jr.state = 'PENDING'
		  AND jr.kind = 'SUBSCRIPTION'
		  AND jr.subscription_id IN (SELECT id FROM subscriptions WHERE group_id = $1)
	`, groupID, userID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

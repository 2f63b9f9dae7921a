/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface:
 * connection plumbing, unit-of-work handling, and the reads against collaborator
 * tables (users, groups, memberships, catalog services, payment methods).
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/seatshare/settlement-service/internal/domain"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	db   querier
	tx   pgx.Tx
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, db: pool}
}

// WithTx runs fn inside a database transaction. A repository already bound to a
// transaction runs fn directly so callers compose freely.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.tx != nil {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{pool: r.pool, db: tx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// atomic runs a multi-statement write on a transaction-bound querier.
func (r *PostgresRepository) atomic(ctx context.Context, fn func(q querier) error) error {
	return r.WithTx(ctx, func(repo Repository) error {
		return fn(repo.(*PostgresRepository).db)
	})
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation
}

func toStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// FindUserIDByClerkUserID resolves the internal user id from a Clerk subject.
func (r *PostgresRepository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return id, nil
}

// FindUserByID retrieves a user by internal id.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID int64) (*domain.User, error) {
	var user domain.User
	var role string
	query := `SELECT id, clerk_user_id, display_name, role, created_at FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.ClerkUserID, &user.DisplayName, &role, &user.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.Role = domain.UserRole(role)
	return &user, nil
}

const groupColumns = `id, name, invitation_code, admin_id, max_members, state, created_at`

func scanGroup(row pgx.Row) (*domain.Group, error) {
	var g domain.Group
	var state string
	if err := row.Scan(&g.ID, &g.Name, &g.InvitationCode, &g.AdminID, &g.MaxMembers, &state, &g.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	g.State = domain.GroupState(state)
	return &g, nil
}

// FindGroupByID retrieves a group by id.
func (r *PostgresRepository) FindGroupByID(ctx context.Context, groupID int64) (*domain.Group, error) {
	return scanGroup(r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, groupID))
}

// FindGroupByInvitationCode resolves a group from its invitation code, case-insensitively.
func (r *PostgresRepository) FindGroupByInvitationCode(ctx context.Context, code string) (*domain.Group, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	return scanGroup(r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE invitation_code = $1`, normalized))
}

func lockGroup(ctx context.Context, q querier, groupID int64) (*domain.Group, error) {
	return scanGroup(q.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1 FOR UPDATE`, groupID))
}

// FindActiveMembership returns the active membership of userID in groupID.
func (r *PostgresRepository) FindActiveMembership(ctx context.Context, groupID, userID int64) (*domain.Membership, error) {
	return findActiveMembership(ctx, r.db, groupID, userID)
}

func findActiveMembership(ctx context.Context, q querier, groupID, userID int64) (*domain.Membership, error) {
	var m domain.Membership
	var role string
	query := `
		SELECT id, group_id, user_id, role, active, joined_at
		FROM group_memberships
		WHERE group_id = $1 AND user_id = $2 AND active
	`
	err := q.QueryRow(ctx, query, groupID, userID).Scan(&m.ID, &m.GroupID, &m.UserID, &role, &m.Active, &m.JoinedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMembershipNotFound
		}
		return nil, err
	}
	m.Role = domain.MembershipRole(role)
	return &m, nil
}

// CountActiveMembers counts active memberships of a group.
func (r *PostgresRepository) CountActiveMembers(ctx context.Context, groupID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM group_memberships WHERE group_id = $1 AND active`, groupID).Scan(&count)
	return count, err
}

// AddGroupMember locks the group row, re-checks capacity and activates the membership.
func (r *PostgresRepository) AddGroupMember(
	ctx context.Context,
	groupID, userID int64,
	role domain.MembershipRole,
	maxMembers int,
	at time.Time,
) (*domain.Membership, error) {
	var m domain.Membership
	err := r.atomic(ctx, func(q querier) error {
		if _, err := lockGroup(ctx, q, groupID); err != nil {
			return err
		}

		var count int
		if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM group_memberships WHERE group_id = $1 AND active`, groupID).Scan(&count); err != nil {
			return fmt.Errorf("count members: %w", err)
		}
		if count >= maxMembers {
			return ErrGroupMemberCapReached
		}

		var roleValue string
		query := `
			INSERT INTO group_memberships (group_id, user_id, role, active, joined_at)
			VALUES ($1, $2, $3, TRUE, $4)
			ON CONFLICT (group_id, user_id)
			DO UPDATE SET role = EXCLUDED.role, active = TRUE, joined_at = EXCLUDED.joined_at
			WHERE NOT group_memberships.active
			RETURNING id, group_id, user_id, role, active, joined_at
		`
		err := q.QueryRow(ctx, query, groupID, userID, string(role), at).
			Scan(&m.ID, &m.GroupID, &m.UserID, &roleValue, &m.Active, &m.JoinedAt)
		if err != nil {
			if err == pgx.ErrNoRows {
				// Membership was already active.
				existing, findErr := findActiveMembership(ctx, q, groupID, userID)
				if findErr != nil {
					return findErr
				}
				m = *existing
				return nil
			}
			return err
		}
		m.Role = domain.MembershipRole(roleValue)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindCatalogServiceByID retrieves a catalog service.
func (r *PostgresRepository) FindCatalogServiceByID(ctx context.Context, serviceID int64) (*domain.CatalogService, error) {
	var s domain.CatalogService
	err := r.db.QueryRow(ctx, `SELECT id, name, max_users, active FROM catalog_services WHERE id = $1`, serviceID).
		Scan(&s.ID, &s.Name, &s.MaxUsers, &s.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCatalogServiceNotFound
		}
		return nil, err
	}
	return &s, nil
}

// FindPaymentMethodByID retrieves a stored payment instrument.
func (r *PostgresRepository) FindPaymentMethodByID(ctx context.Context, methodID int64) (*domain.PaymentMethod, error) {
	var pm domain.PaymentMethod
	query := `SELECT id, user_id, gateway_token, label, active, created_at FROM payment_methods WHERE id = $1`
	err := r.db.QueryRow(ctx, query, methodID).Scan(&pm.ID, &pm.UserID, &pm.GatewayToken, &pm.Label, &pm.Active, &pm.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentMethodNotFound
		}
		return nil, err
	}
	return &pm, nil
}

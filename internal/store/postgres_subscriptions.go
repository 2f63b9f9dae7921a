package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/seatshare/settlement-service/internal/domain"
)

const subscriptionColumns = `
	id, group_id, host_id, catalog_service_id, total_price, currency, seat_count, price_per_seat,
	periodicity, start_date, renewal_date, host_occupies_seat, state, created_at, updated_at
`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	var periodicity, state string
	err := row.Scan(
		&s.ID, &s.GroupID, &s.HostID, &s.CatalogServiceID, &s.TotalPrice, &s.Currency, &s.SeatCount, &s.PricePerSeat,
		&periodicity, &s.StartDate, &s.RenewalDate, &s.HostOccupiesSeat, &state, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	s.Periodicity = domain.Periodicity(periodicity)
	s.State = domain.SubscriptionState(state)
	return &s, nil
}

const seatColumns = `
	id, subscription_id, seat_index, is_host_seat, state, user_id, occupied_at, vacated_at, created_at, updated_at
`

func scanSeat(row pgx.Row) (*domain.Seat, error) {
	var s domain.Seat
	var state string
	err := row.Scan(
		&s.ID, &s.SubscriptionID, &s.Index, &s.IsHostSeat, &state, &s.UserID, &s.OccupiedAt, &s.VacatedAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSeatNotFound
		}
		return nil, err
	}
	s.State = domain.SeatState(state)
	return &s, nil
}

func collectSeats(rows pgx.Rows) ([]domain.Seat, error) {
	defer rows.Close()
	var seats []domain.Seat
	for rows.Next() {
		seat, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		seats = append(seats, *seat)
	}
	return seats, rows.Err()
}

// CreateSubscriptionWithSeats locks the owning group so the active-subscription cap
// is checked and consumed by one transaction at a time.
func (r *PostgresRepository) CreateSubscriptionWithSeats(ctx context.Context, sub *domain.Subscription, seats []domain.Seat, groupCap int) error {
	return r.atomic(ctx, func(q querier) error {
		if _, err := lockGroup(ctx, q, sub.GroupID); err != nil {
			return err
		}

		var active int
		err := q.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions WHERE group_id = $1 AND state = 'ACTIVE'`, sub.GroupID).Scan(&active)
		if err != nil {
			return fmt.Errorf("count active subscriptions: %w", err)
		}
		if active >= groupCap {
			return ErrGroupSubscriptionCapReached
		}

		insertSub := `
			INSERT INTO subscriptions (
				group_id, host_id, catalog_service_id, total_price, currency, seat_count, price_per_seat,
				periodicity, start_date, renewal_date, host_occupies_seat, state, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			RETURNING id, created_at, updated_at
		`
		err = q.QueryRow(ctx, insertSub,
			sub.GroupID, sub.HostID, sub.CatalogServiceID, sub.TotalPrice, sub.Currency, sub.SeatCount, sub.PricePerSeat,
			string(sub.Periodicity), sub.StartDate, sub.RenewalDate, sub.HostOccupiesSeat, string(sub.State), sub.CreatedAt,
		).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}

		insertSeat := `
			INSERT INTO seats (subscription_id, seat_index, is_host_seat, state, user_id, occupied_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			RETURNING id, created_at, updated_at
		`
		for i := range seats {
			seats[i].SubscriptionID = sub.ID
			err := q.QueryRow(ctx, insertSeat,
				sub.ID, seats[i].Index, seats[i].IsHostSeat, string(seats[i].State), seats[i].UserID, seats[i].OccupiedAt, sub.CreatedAt,
			).Scan(&seats[i].ID, &seats[i].CreatedAt, &seats[i].UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert seat %d: %w", seats[i].Index, err)
			}
		}
		return nil
	})
}

// FindSubscriptionByID retrieves a subscription.
func (r *PostgresRepository) FindSubscriptionByID(ctx context.Context, subscriptionID int64) (*domain.Subscription, error) {
	return scanSubscription(r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, subscriptionID))
}

// TransitionSubscription moves a subscription to `to` only while it is in one of `from`.
func (r *PostgresRepository) TransitionSubscription(
	ctx context.Context,
	subscriptionID int64,
	from []domain.SubscriptionState,
	to domain.SubscriptionState,
	at time.Time,
) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET state = $3, updated_at = $4
		WHERE id = $1 AND state = ANY($2)
		RETURNING ` + subscriptionColumns
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, subscriptionID, toStrings(from), string(to), at))
	if err == ErrSubscriptionNotFound {
		if _, findErr := r.FindSubscriptionByID(ctx, subscriptionID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrSubscriptionStateConflict
	}
	return sub, err
}

// ListSeats returns the seats of a subscription ordered by index.
func (r *PostgresRepository) ListSeats(ctx context.Context, subscriptionID int64) ([]domain.Seat, error) {
	rows, err := r.db.Query(ctx, `SELECT `+seatColumns+` FROM seats WHERE subscription_id = $1 ORDER BY seat_index`, subscriptionID)
	if err != nil {
		return nil, err
	}
	return collectSeats(rows)
}

// FindSeatByID retrieves a seat.
func (r *PostgresRepository) FindSeatByID(ctx context.Context, seatID int64) (*domain.Seat, error) {
	return scanSeat(r.db.QueryRow(ctx, `SELECT `+seatColumns+` FROM seats WHERE id = $1`, seatID))
}

// FindSeatByUser returns the seat userID holds in a subscription, in any state.
func (r *PostgresRepository) FindSeatByUser(ctx context.Context, subscriptionID, userID int64) (*domain.Seat, error) {
	return scanSeat(r.db.QueryRow(ctx, `SELECT `+seatColumns+` FROM seats WHERE subscription_id = $1 AND user_id = $2`, subscriptionID, userID))
}

// CountAvailableSeats counts AVAILABLE seats in a subscription.
func (r *PostgresRepository) CountAvailableSeats(ctx context.Context, subscriptionID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM seats WHERE subscription_id = $1 AND state = 'AVAILABLE'`, subscriptionID).Scan(&count)
	return count, err
}

// OccupyNextAvailableSeat claims the lowest-index AVAILABLE seat with a single
// conditional UPDATE. Rows locked by a concurrent claimer are skipped, so two
// callers racing for the last seat cannot both succeed.
func (r *PostgresRepository) OccupyNextAvailableSeat(ctx context.Context, subscriptionID, userID int64, at time.Time) (*domain.Seat, error) {
	query := `
		UPDATE seats
		SET state = 'OCCUPIED', user_id = $2, occupied_at = $3, vacated_at = NULL, updated_at = $3
		WHERE id = (
			SELECT s.id
			FROM seats s
			JOIN subscriptions sub ON sub.id = s.subscription_id
			WHERE s.subscription_id = $1 AND s.state = 'AVAILABLE' AND sub.state = 'ACTIVE'
			ORDER BY s.seat_index
			LIMIT 1
			FOR UPDATE OF s SKIP LOCKED
		)
		AND state = 'AVAILABLE'
		RETURNING ` + seatColumns
	seat, err := scanSeat(r.db.QueryRow(ctx, query, subscriptionID, userID, at))
	if err != nil {
		if isUniqueViolation(err, "uq_seats_subscription_user") {
			return nil, ErrSeatAlreadyHeld
		}
		if err == ErrSeatNotFound {
			sub, findErr := r.FindSubscriptionByID(ctx, subscriptionID)
			if findErr != nil {
				return nil, findErr
			}
			if sub.State != domain.SubscriptionActive {
				return nil, ErrSubscriptionStateConflict
			}
			return nil, ErrNoSeatAvailable
		}
		return nil, err
	}
	return seat, nil
}

// ReleaseSeat frees an OCCUPIED seat.
func (r *PostgresRepository) ReleaseSeat(ctx context.Context, seatID int64, at time.Time) (*domain.Seat, error) {
	query := `
		UPDATE seats
		SET state = 'AVAILABLE', user_id = NULL, vacated_at = $2, updated_at = $2
		WHERE id = $1 AND state = 'OCCUPIED'
		RETURNING ` + seatColumns
	seat, err := scanSeat(r.db.QueryRow(ctx, query, seatID, at))
	if err == ErrSeatNotFound {
		if _, findErr := r.FindSeatByID(ctx, seatID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrSeatStateConflict
	}
	return seat, err
}

// BlockOccupiedSeats freezes every occupied non-host seat of a subscription.
func (r *PostgresRepository) BlockOccupiedSeats(ctx context.Context, subscriptionID int64, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE seats
		SET state = 'BLOCKED', updated_at = $2
		WHERE subscription_id = $1 AND state = 'OCCUPIED' AND NOT is_host_seat
	`, subscriptionID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListSeatsHeldInGroup returns OCCUPIED seats userID holds across the group's subscriptions.
func (r *PostgresRepository) ListSeatsHeldInGroup(ctx context.Context, groupID, userID int64) ([]domain.Seat, error) {
	query := `
		SELECT s.id, s.subscription_id, s.seat_index, s.is_host_seat, s.state, s.user_id,
		       s.occupied_at, s.vacated_at, s.created_at, s.updated_at
		FROM seats s
		JOIN subscriptions sub ON sub.id = s.subscription_id
		WHERE sub.group_id = $1 AND s.user_id = $2 AND s.state = 'OCCUPIED'
		ORDER BY s.subscription_id, s.seat_index
	`
	rows, err := r.db.Query(ctx, query, groupID, userID)
	if err != nil {
		return nil, err
	}
	return collectSeats(rows)
}

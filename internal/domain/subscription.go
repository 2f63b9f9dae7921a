/**
 * @description
 * Core domain models for shared subscriptions and their seats.
 *
 * @notes
 * - Amounts are `int64` minor units (cents) to avoid floating-point drift.
 * - Entities only carry forward references (Seat -> Subscription); callers navigate
 *   back through the repository.
 */

package domain

import (
	"fmt"
	"strings"
	"time"
)

// GroupSubscriptionCap is the default number of ACTIVE subscriptions a group may hold.
const GroupSubscriptionCap = 20

// SubscriptionState is the lifecycle state of a shared subscription.
type SubscriptionState string

const (
	SubscriptionActive    SubscriptionState = "ACTIVE"
	SubscriptionPaused    SubscriptionState = "PAUSED"
	SubscriptionCancelled SubscriptionState = "CANCELLED"
)

// CanTransitionTo reports whether a host-driven lifecycle change is legal.
func (s SubscriptionState) CanTransitionTo(next SubscriptionState) bool {
	switch s {
	case SubscriptionActive:
		return next == SubscriptionPaused || next == SubscriptionCancelled
	case SubscriptionPaused:
		return next == SubscriptionActive || next == SubscriptionCancelled
	case SubscriptionCancelled:
		return false
	default:
		return false
	}
}

// Periodicity is the billing period of a subscription.
type Periodicity string

const (
	PeriodMonthly    Periodicity = "MONTHLY"
	PeriodQuarterly  Periodicity = "QUARTERLY"
	PeriodSemiannual Periodicity = "SEMIANNUAL"
	PeriodAnnual     Periodicity = "ANNUAL"
)

// ParsePeriodicity normalizes user input into a known Periodicity.
func ParsePeriodicity(raw string) (Periodicity, error) {
	p := Periodicity(strings.ToUpper(strings.TrimSpace(raw)))
	if p.Months() == 0 {
		return "", fmt.Errorf("unknown periodicity %q", raw)
	}
	return p, nil
}

// Months returns the length of one period in months, or 0 for an unknown value.
func (p Periodicity) Months() int {
	switch p {
	case PeriodMonthly:
		return 1
	case PeriodQuarterly:
		return 3
	case PeriodSemiannual:
		return 6
	case PeriodAnnual:
		return 12
	default:
		return 0
	}
}

// AddTo returns t advanced by n periods. Day-of-month overflow clamps to the last
// day of the target month (Jan 31 + 1 month = Feb 28/29).
func (p Periodicity) AddTo(t time.Time, n int) time.Time {
	return AddMonthsClamped(t, p.Months()*n)
}

// CycleContaining returns the billing window [start, end) anchored at anchor that
// contains day. Days before the anchor resolve to the first cycle. Callers pass
// the subscription's start date as anchor, so windows never float with today.
func (p Periodicity) CycleContaining(anchor, day time.Time) (time.Time, time.Time) {
	anchor = DateOf(anchor)
	day = DateOf(day)
	if p.Months() == 0 || day.Before(anchor) {
		return anchor, p.AddTo(anchor, 1)
	}

	// Jump close to the answer first, then settle on the exact window.
	elapsed := (day.Year()-anchor.Year())*12 + int(day.Month()) - int(anchor.Month())
	n := elapsed / p.Months()
	if n > 0 {
		n--
	}
	for {
		start := p.AddTo(anchor, n)
		end := p.AddTo(anchor, n+1)
		if !day.Before(start) && day.Before(end) {
			return start, end
		}
		n++
	}
}

// AddMonthsClamped adds months to t without time.AddDate's overflow normalization.
func AddMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// DateOf truncates t to a UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PricePerSeat splits total across the paying seats, rounded half-up to the cent.
// The host seat does not pay when the host occupies one.
func PricePerSeat(total int64, seatCount int, hostOccupiesSeat bool) int64 {
	paying := int64(seatCount)
	if hostOccupiesSeat {
		paying--
	}
	if paying <= 0 || total <= 0 {
		return 0
	}
	return (2*total + paying) / (2 * paying)
}

// Subscription is a shared instance of a catalog service owned by a group host.
type Subscription struct {
	ID               int64             `json:"id"`
	GroupID          int64             `json:"group_id"`
	HostID           int64             `json:"host_id"`
	CatalogServiceID int64             `json:"catalog_service_id"`
	TotalPrice       int64             `json:"total_price"`
	Currency         string            `json:"currency"`
	SeatCount        int               `json:"seat_count"`
	PricePerSeat     int64             `json:"price_per_seat"`
	Periodicity      Periodicity       `json:"periodicity"`
	StartDate        time.Time         `json:"start_date"`
	RenewalDate      time.Time         `json:"renewal_date"`
	HostOccupiesSeat bool              `json:"host_occupies_seat"`
	State            SubscriptionState `json:"state"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SeatState is the occupancy state of a single seat.
type SeatState string

const (
	SeatAvailable SeatState = "AVAILABLE"
	SeatOccupied  SeatState = "OCCUPIED"
	SeatBlocked   SeatState = "BLOCKED"
)

// Seat is one paying slot of a Subscription.
type Seat struct {
	ID             int64      `json:"id"`
	SubscriptionID int64      `json:"subscription_id"`
	Index          int        `json:"seat_index"`
	IsHostSeat     bool       `json:"is_host_seat"`
	State          SeatState  `json:"state"`
	UserID         *int64     `json:"user_id,omitempty"`
	OccupiedAt     *time.Time `json:"occupied_at,omitempty"`
	VacatedAt      *time.Time `json:"vacated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// OccupiedBy reports whether userID currently holds the seat.
func (s *Seat) OccupiedBy(userID int64) bool {
	return s.State == SeatOccupied && s.UserID != nil && *s.UserID == userID
}

// SeatSummary aggregates seat states for API responses.
type SeatSummary struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Occupied  int `json:"occupied"`
	Blocked   int `json:"blocked"`
}

// Summarize counts seats by state.
func Summarize(seats []Seat) SeatSummary {
	summary := SeatSummary{Total: len(seats)}
	for _, seat := range seats {
		switch seat.State {
		case SeatAvailable:
			summary.Available++
		case SeatOccupied:
			summary.Occupied++
		case SeatBlocked:
			summary.Blocked++
		}
	}
	return summary
}

// SubscriptionWithSeats is returned by subscription creation and lookup.
type SubscriptionWithSeats struct {
	Subscription Subscription `json:"subscription"`
	Seats        []Seat       `json:"seats"`
	Summary      SeatSummary  `json:"seat_summary"`
}

// CreateSubscriptionRequest is the DTO for POST /subscriptions.
type CreateSubscriptionRequest struct {
	GroupID          int64  `json:"group_id" validate:"required,gt=0"`
	CatalogServiceID int64  `json:"catalog_service_id" validate:"required,gt=0"`
	TotalPrice       int64  `json:"total_price" validate:"gte=0"`
	Currency         string `json:"currency" validate:"omitempty,len=3"`
	SeatCount        int    `json:"seat_count" validate:"required,gt=0"`
	StartDate        string `json:"start_date" validate:"required"`
	Periodicity      string `json:"periodicity" validate:"required,oneof=MONTHLY QUARTERLY SEMIANNUAL ANNUAL monthly quarterly semiannual annual"`
	HostOccupiesSeat bool   `json:"host_occupies_seat"`
}

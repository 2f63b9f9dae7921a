package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultRetentionDays is how long a charge is held before it may be liberated to the host.
const DefaultRetentionDays = 30

// PaymentState is the monetary lifecycle state of a charge.
type PaymentState string

const (
	PaymentPending           PaymentState = "PENDING"
	PaymentRetained          PaymentState = "RETAINED"
	PaymentLiberated         PaymentState = "LIBERATED"
	PaymentDisputed          PaymentState = "DISPUTED"
	PaymentRefunded          PaymentState = "REFUNDED"
	PaymentPartiallyRefunded PaymentState = "PARTIALLY_REFUNDED"
	PaymentFailed            PaymentState = "FAILED"
)

// CanTransitionTo reports whether the ledger may move a payment from s to next.
func (s PaymentState) CanTransitionTo(next PaymentState) bool {
	switch s {
	case PaymentPending:
		return next == PaymentRetained || next == PaymentFailed
	case PaymentRetained:
		switch next {
		case PaymentLiberated, PaymentDisputed, PaymentRefunded, PaymentPartiallyRefunded:
			return true
		}
		return false
	case PaymentDisputed:
		switch next {
		case PaymentRetained, PaymentRefunded, PaymentPartiallyRefunded:
			return true
		}
		return false
	case PaymentPartiallyRefunded:
		switch next {
		case PaymentPartiallyRefunded, PaymentRefunded, PaymentDisputed:
			return true
		}
		return false
	case PaymentLiberated, PaymentRefunded, PaymentFailed:
		return false
	default:
		return false
	}
}

// Refundable reports whether money can still be returned from this state.
func (s PaymentState) Refundable() bool {
	return s.CanTransitionTo(PaymentRefunded)
}

// Disputable reports whether a claimant may open a dispute from this state.
func (s PaymentState) Disputable() bool {
	return s.CanTransitionTo(PaymentDisputed)
}

// RefundableStates lists every state Refundable accepts.
func RefundableStates() []PaymentState {
	return []PaymentState{PaymentRetained, PaymentDisputed, PaymentPartiallyRefunded}
}

// DisputableStates lists every state Disputable accepts.
func DisputableStates() []PaymentState {
	return []PaymentState{PaymentRetained, PaymentPartiallyRefunded}
}

// Payment is a single charge against a seat for one billing cycle.
type Payment struct {
	ID                int64        `json:"id"`
	SeatID            int64        `json:"seat_id"`
	SubscriptionID    int64        `json:"subscription_id"`
	UserID            int64        `json:"user_id"`
	PaymentMethodID   int64        `json:"payment_method_id"`
	Amount            int64        `json:"amount"`
	RefundedAmount    int64        `json:"refunded_amount"`
	RefundInFlight    int64        `json:"-"`
	Currency          string       `json:"currency"`
	ChargedAt         time.Time    `json:"charged_at"`
	RetentionDeadline time.Time    `json:"retention_deadline"`
	GatewayReference  string       `json:"gateway_reference"`
	IdempotencyKey    uuid.UUID    `json:"-"`
	CycleStart        time.Time    `json:"cycle_start"`
	CycleEnd          time.Time    `json:"cycle_end"`
	State             PaymentState `json:"state"`
	LiberatedAt       *time.Time   `json:"liberated_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// RefundableAmount is what may still be refunded, excluding refunds in flight.
func (p *Payment) RefundableAmount() int64 {
	return p.Amount - p.RefundedAmount - p.RefundInFlight
}

// PaymentRefund is one entry of the append-only refund journal.
type PaymentRefund struct {
	ID               int64     `json:"id"`
	PaymentID        int64     `json:"payment_id"`
	Amount           int64     `json:"amount"`
	Reason           string    `json:"reason"`
	GatewayReference string    `json:"gateway_reference"`
	CreatedAt        time.Time `json:"created_at"`
}

// ChargeAttemptStatus tracks a (seat, cycle) reservation around a gateway charge.
type ChargeAttemptStatus string

const (
	// ChargeAttemptProcessing means a gateway call is in flight.
	ChargeAttemptProcessing ChargeAttemptStatus = "processing"
	// ChargeAttemptUnknown means the gateway never answered definitively; the key must be reused.
	ChargeAttemptUnknown ChargeAttemptStatus = "unknown"
)

// ChargeAttempt reserves a billing cycle for one seat while the gateway is called.
type ChargeAttempt struct {
	SeatID         int64
	CycleStart     time.Time
	IdempotencyKey uuid.UUID
	Status         ChargeAttemptStatus
	UpdatedAt      time.Time
}

// RefundAttempt holds the key of a refund whose gateway call has not settled.
// Until it settles or is declined, its amount stays counted as in flight and
// any retry must present the same key and amount.
type RefundAttempt struct {
	PaymentID      int64
	IdempotencyKey uuid.UUID
	Amount         int64
	Status         ChargeAttemptStatus
	UpdatedAt      time.Time
}

// PaymentMethod is a user's tokenized gateway instrument.
type PaymentMethod struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	GatewayToken string    `json:"-"`
	Label        string    `json:"label"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProcessPaymentRequest is the DTO for POST /payments.
type ProcessPaymentRequest struct {
	SeatID          int64 `json:"seat_id" validate:"required,gt=0"`
	PaymentMethodID int64 `json:"payment_method_id" validate:"required,gt=0"`
	Amount          int64 `json:"amount" validate:"required,gt=0"`
}

// RefundRequest is the DTO for POST /payments/refund.
type RefundRequest struct {
	PaymentID int64  `json:"payment_id" validate:"required,gt=0"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

// ReleaseSummary reports the outcome of one retention sweep batch.
type ReleaseSummary struct {
	Candidates int `json:"candidates"`
	Released   int `json:"released"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// PaymentWithRefunds is a payment plus its refund journal.
type PaymentWithRefunds struct {
	Payment
	Refunds []PaymentRefund `json:"refunds"`
}

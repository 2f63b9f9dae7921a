/**
 * @description
 * Package gateway abstracts the card processor that charges seat holders and
 * returns refunds. Implementations classify failures into two kinds:
 *
 * - ErrDeclined: the processor answered and refused; nothing was moved.
 * - ErrUnavailable: the outcome is unknown (timeout, transport error, 5xx); the
 *   caller must retry with the same idempotency key before assuming anything.
 */
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDeclined    = errors.New("payment gateway declined the operation")
	ErrUnavailable = errors.New("payment gateway unavailable")
)

// ChargeRequest debits a tokenized payment method.
type ChargeRequest struct {
	IdempotencyKey     string
	PaymentMethodToken string
	Amount             int64
	Currency           string
	Description        string
}

// ChargeResult is a confirmed charge.
type ChargeResult struct {
	Reference string
}

// RefundRequest returns part or all of a previous charge.
type RefundRequest struct {
	IdempotencyKey  string
	ChargeReference string
	Amount          int64
	Reason          string
}

// RefundResult is a confirmed refund.
type RefundResult struct {
	Reference string
}

// Gateway is implemented by every processor backend.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// declined wraps a processor refusal so errors.Is(err, ErrDeclined) holds.
func declined(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDeclined, fmt.Sprintf(format, args...))
}

// unavailable wraps an ambiguous failure so errors.Is(err, ErrUnavailable) holds.
func unavailable(cause error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, cause)
}

// IsDeclined reports whether err is a definitive refusal.
func IsDeclined(err error) bool {
	return errors.Is(err, ErrDeclined)
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeGateway charges saved payment methods through PaymentIntents.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway bound to secretKey.
func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil)}
}

// Charge confirms an off-session PaymentIntent against the payment method token.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentMethodToken),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(req.Description),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &ChargeResult{Reference: pi.ID}, nil
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return nil, declined("payment intent %s status %s", pi.ID, pi.Status)
	default:
		return nil, unavailable(fmt.Errorf("payment intent %s in status %s", pi.ID, pi.Status))
	}
}

// Refund refunds part of a PaymentIntent.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ChargeReference),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	switch rf.Status {
	case stripe.RefundStatusSucceeded, stripe.RefundStatusPending:
		return &RefundResult{Reference: rf.ID}, nil
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return nil, declined("refund %s status %s", rf.ID, rf.Status)
	default:
		return nil, unavailable(fmt.Errorf("refund %s in status %s", rf.ID, rf.Status))
	}
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return unavailable(err)
	}
	if stripeErr.Type == stripe.ErrorTypeCard || stripeErr.Type == stripe.ErrorTypeInvalidRequest {
		return declined("%s: %s", stripeErr.Code, stripeErr.Msg)
	}
	if stripeErr.HTTPStatusCode >= http.StatusBadRequest && stripeErr.HTTPStatusCode < http.StatusInternalServerError &&
		stripeErr.HTTPStatusCode != http.StatusTooManyRequests && stripeErr.HTTPStatusCode != http.StatusConflict {
		return declined("%s: %s", stripeErr.Code, stripeErr.Msg)
	}
	return unavailable(err)
}

package app

import (
	"context"

	"github.com/seatshare/settlement-service/pkg/gateway"
)

// Gateway is the card processor contract the ledger depends on.
type Gateway interface {
	Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
	Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error)
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Stub tokens that trigger failure paths.
const (
	StubDeclineToken     = "tok_decline"
	StubUnavailableToken = "tok_unavailable"
)

// StubGateway approves every request except the sentinel tokens. Repeated calls
// with the same idempotency key return the same reference.
type StubGateway struct {
	mu       sync.Mutex
	seq      int
	byKey    map[string]string
	charges  map[string]int64
	refunded map[string]int64
}

// NewStubGateway creates an in-process gateway.
func NewStubGateway() *StubGateway {
	return &StubGateway{byKey: map[string]string{}, charges: map[string]int64{}, refunded: map[string]int64{}}
}

func (g *StubGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	switch req.PaymentMethodToken {
	case StubDeclineToken:
		return nil, declined("card declined")
	case StubUnavailableToken:
		return nil, unavailable(errors.New("simulated timeout"))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.byKey[req.IdempotencyKey]; ok {
		return &ChargeResult{Reference: ref}, nil
	}
	g.seq++
	ref := fmt.Sprintf("ch_stub_%06d", g.seq)
	g.byKey[req.IdempotencyKey] = ref
	g.charges[ref] = req.Amount
	return &ChargeResult{Reference: ref}, nil
}

func (g *StubGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.byKey[req.IdempotencyKey]; ok {
		return &RefundResult{Reference: ref}, nil
	}
	charged, ok := g.charges[req.ChargeReference]
	if !ok {
		return nil, declined("unknown charge %s", req.ChargeReference)
	}
	if g.refunded[req.ChargeReference]+req.Amount > charged {
		return nil, declined("refund exceeds charge %s", req.ChargeReference)
	}
	g.seq++
	ref := fmt.Sprintf("re_stub_%06d", g.seq)
	g.byKey[req.IdempotencyKey] = ref
	g.refunded[req.ChargeReference] += req.Amount
	return &RefundResult{Reference: ref}, nil
}

// ChargeCount returns the number of distinct charges accepted.
func (g *StubGateway) ChargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

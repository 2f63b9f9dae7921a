package domain

import "testing"

func TestPaymentStateTransitions(t *testing.T) {
	allowed := map[PaymentState][]PaymentState{
		PaymentRetained:          {PaymentLiberated, PaymentDisputed, PaymentRefunded, PaymentPartiallyRefunded},
		PaymentDisputed:          {PaymentRetained, PaymentRefunded, PaymentPartiallyRefunded},
		PaymentPartiallyRefunded: {PaymentPartiallyRefunded, PaymentRefunded, PaymentDisputed},
	}
	all := []PaymentState{PaymentPending, PaymentRetained, PaymentLiberated, PaymentDisputed, PaymentRefunded, PaymentPartiallyRefunded, PaymentFailed}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			if from == PaymentPending && (to == PaymentRetained || to == PaymentFailed) {
				want = true
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestLiberatedIsTerminalForMoney(t *testing.T) {
	if PaymentLiberated.Refundable() {
		t.Error("liberated payments cannot be refunded")
	}
	if PaymentLiberated.Disputable() {
		t.Error("liberated payments cannot be disputed")
	}
	if PaymentDisputed.Disputable() {
		t.Error("a disputed payment cannot be disputed twice")
	}
}

func TestRefundableAmount(t *testing.T) {
	p := Payment{Amount: 600, RefundedAmount: 200, RefundInFlight: 100}
	if got := p.RefundableAmount(); got != 300 {
		t.Fatalf("RefundableAmount = %d, want 300", got)
	}
}

package api

import (
	"log"
	"net/http"

	"github.com/seatshare/settlement-service/internal/domain"
)

// ProcessPaymentHandler handles POST /v1/payments.
func (h *Handlers) ProcessPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.ProcessPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	payment, err := h.ledger.ProcessPayment(r.Context(), userID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=process_payment outcome=failed user_id=%d seat_id=%d err=%v", userID, req.SeatID, err)
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

// ListPaymentsHandler handles GET /v1/payments?limit=N.
func (h *Handlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	payments, err := h.ledger.ListPaymentsForUser(r.Context(), userID, queryLimit(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// GetPaymentHandler handles GET /v1/payments/{id}.
func (h *Handlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	paymentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.ledger.GetPayment(r.Context(), paymentID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// ReleasePaymentHandler handles POST /v1/payments/{id}/release. Support agents only.
func (h *Handlers) ReleasePaymentHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.requireAgent(w, r)
	if !ok {
		return
	}
	paymentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.ledger.ReleasePayment(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	log.Printf("level=info component=api endpoint=release_payment payment_id=%d agent_id=%d", paymentID, agentID)
	writeJSON(w, http.StatusOK, payment)
}

// RefundPaymentHandler handles POST /v1/payments/refund. Support agents only.
func (h *Handlers) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.requireAgent(w, r)
	if !ok {
		return
	}
	var req domain.RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	payment, err := h.ledger.ProcessRefund(r.Context(), req.PaymentID, req.Amount, req.Reason)
	if err != nil {
		log.Printf("level=warn component=api endpoint=refund outcome=failed payment_id=%d amount=%d err=%v", req.PaymentID, req.Amount, err)
		h.writeServiceError(w, r, err)
		return
	}
	log.Printf("level=info component=api endpoint=refund payment_id=%d amount=%d agent_id=%d", req.PaymentID, req.Amount, agentID)
	writeJSON(w, http.StatusOK, payment)
}

// ReleaseExpiredHandler handles POST /internal/payments/release-expired?limit=N.
func (h *Handlers) ReleaseExpiredHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.ledger.ReleaseExpired(r.Context(), queryLimit(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

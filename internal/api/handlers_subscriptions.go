package api

import (
	"net/http"

	"github.com/seatshare/settlement-service/internal/domain"
)

// CreateSubscriptionHandler handles POST /v1/subscriptions.
func (h *Handlers) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	hostID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.CreateSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.seats.CreateSubscription(r.Context(), hostID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetSubscriptionHandler handles GET /v1/subscriptions/{id}.
func (h *Handlers) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	subID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.seats.GetSubscription(r.Context(), subID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// OccupySeatHandler handles POST /v1/subscriptions/{id}/occupy-seat.
func (h *Handlers) OccupySeatHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	subID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	seat, err := h.seats.OccupySeat(r.Context(), subID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seat)
}

// ReleaseSeatHandler handles DELETE /v1/seats/{id}.
func (h *Handlers) ReleaseSeatHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	seatID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	seat, err := h.seats.ReleaseSeat(r.Context(), seatID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seat)
}

// PauseSubscriptionHandler handles POST /v1/subscriptions/{id}/pause.
func (h *Handlers) PauseSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, domain.SubscriptionPaused)
}

// ReactivateSubscriptionHandler handles POST /v1/subscriptions/{id}/reactivate.
func (h *Handlers) ReactivateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, domain.SubscriptionActive)
}

// CancelSubscriptionHandler handles POST /v1/subscriptions/{id}/cancel.
func (h *Handlers) CancelSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, domain.SubscriptionCancelled)
}

func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request, to domain.SubscriptionState) {
	hostID, ok := h.actor(w, r)
	if !ok {
		return
	}
	subID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var (
		sub *domain.Subscription
		err error
	)
	switch to {
	case domain.SubscriptionPaused:
		sub, err = h.seats.PauseSubscription(r.Context(), subID, hostID)
	case domain.SubscriptionActive:
		sub, err = h.seats.ReactivateSubscription(r.Context(), subID, hostID)
	default:
		sub, err = h.seats.CancelSubscription(r.Context(), subID, hostID)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

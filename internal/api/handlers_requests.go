package api

import (
	"net/http"

	"github.com/seatshare/settlement-service/internal/domain"
)

// RequestGroupJoinHandler handles POST /v1/requests/group.
func (h *Handlers) RequestGroupJoinHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.GroupJoinRequest
	if !h.decode(w, r, &req) {
		return
	}
	jr, err := h.requests.RequestGroupJoin(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jr)
}

// RequestSeatJoinHandler handles POST /v1/requests/subscription.
func (h *Handlers) RequestSeatJoinHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.SeatJoinRequest
	if !h.decode(w, r, &req) {
		return
	}
	jr, err := h.requests.RequestSeatJoin(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jr)
}

// ApproveRequestHandler handles POST /v1/requests/{id}/approve.
func (h *Handlers) ApproveRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	requestID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	jr, err := h.requests.Approve(r.Context(), requestID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jr)
}

// RejectRequestHandler handles POST /v1/requests/{id}/reject. The body is optional.
func (h *Handlers) RejectRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	requestID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.RejectJoinRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	jr, err := h.requests.Reject(r.Context(), requestID, userID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jr)
}

// CancelRequestHandler handles POST /v1/requests/{id}/cancel.
func (h *Handlers) CancelRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	requestID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	jr, err := h.requests.Cancel(r.Context(), requestID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jr)
}

// ListGroupRequestsHandler handles GET /v1/groups/{id}/requests.
func (h *Handlers) ListGroupRequestsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	groupID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	pending, err := h.requests.ListPendingForGroup(r.Context(), groupID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if pending == nil {
		pending = []domain.JoinRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// ListSubscriptionRequestsHandler handles GET /v1/subscriptions/{id}/requests.
func (h *Handlers) ListSubscriptionRequestsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	subID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	pending, err := h.requests.ListPendingForSubscription(r.Context(), subID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if pending == nil {
		pending = []domain.JoinRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

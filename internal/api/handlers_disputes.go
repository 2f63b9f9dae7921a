package api

import (
	"net/http"

	"github.com/seatshare/settlement-service/internal/domain"
)

// OpenDisputeHandler handles POST /v1/disputes.
func (h *Handlers) OpenDisputeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req domain.OpenDisputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	dispute, err := h.disputes.OpenDispute(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispute)
}

// GetDisputeHandler handles GET /v1/disputes/{id}.
func (h *Handlers) GetDisputeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	disputeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	dispute, err := h.disputes.GetDispute(r.Context(), disputeID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

// AssignDisputeHandler handles POST /v1/disputes/{id}/assign. An empty body assigns the caller.
func (h *Handlers) AssignDisputeHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	disputeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.AssignDisputeRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	dispute, err := h.disputes.AssignAgent(r.Context(), disputeID, actorID, req.AgentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

// ResolveDisputeHandler handles POST /v1/disputes/{id}/resolve.
func (h *Handlers) ResolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.actor(w, r)
	if !ok {
		return
	}
	disputeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req domain.ResolveDisputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	dispute, err := h.disputes.Resolve(r.Context(), disputeID, agentID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

// CloseDisputeHandler handles POST /v1/disputes/{id}/close.
func (h *Handlers) CloseDisputeHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := h.actor(w, r)
	if !ok {
		return
	}
	disputeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	dispute, err := h.disputes.Close(r.Context(), disputeID, agentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

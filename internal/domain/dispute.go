package domain

import (
	"fmt"
	"strings"
	"time"
)

// DisputeState is the lifecycle state of a claim against a payment.
type DisputeState string

const (
	DisputeOpen      DisputeState = "OPEN"
	DisputeInReview  DisputeState = "IN_REVIEW"
	// DisputeResolving is held by one agent while the outcome's money moves.
	DisputeResolving DisputeState = "RESOLVING"
	DisputeResolved  DisputeState = "RESOLVED"
	DisputeClosed    DisputeState = "CLOSED"
)

// Active reports whether the dispute still blocks release of its payment.
func (s DisputeState) Active() bool {
	return s == DisputeOpen || s == DisputeInReview || s == DisputeResolving
}

// CanTransitionTo reports whether the dispute may move from s to next.
// IN_REVIEW -> IN_REVIEW is an agent reassignment. RESOLVING -> IN_REVIEW
// hands a claim back after its refund failed.
func (s DisputeState) CanTransitionTo(next DisputeState) bool {
	switch s {
	case DisputeOpen:
		return next == DisputeInReview || next == DisputeResolving
	case DisputeInReview:
		return next == DisputeInReview || next == DisputeResolving
	case DisputeResolving:
		return next == DisputeResolved || next == DisputeInReview
	case DisputeResolved:
		return next == DisputeClosed
	case DisputeClosed:
		return false
	default:
		return false
	}
}

// ActiveDisputeStates lists the states that block payment release.
func ActiveDisputeStates() []DisputeState {
	return []DisputeState{DisputeOpen, DisputeInReview, DisputeResolving}
}

// ClaimableDisputeStates lists the states an agent may start resolving from.
func ClaimableDisputeStates() []DisputeState {
	return []DisputeState{DisputeOpen, DisputeInReview}
}

// DisputeOutcome is the agent's resolution decision.
type DisputeOutcome string

const (
	OutcomeFavorClaimant DisputeOutcome = "FAVOR_CLAIMANT"
	OutcomeFullRefund    DisputeOutcome = "FULL_REFUND"
	OutcomePartialRefund DisputeOutcome = "PARTIAL_REFUND"
	OutcomeFavorHost     DisputeOutcome = "FAVOR_HOST"
)

// ParseDisputeOutcome normalizes and validates an outcome.
func ParseDisputeOutcome(raw string) (DisputeOutcome, error) {
	outcome := DisputeOutcome(strings.ToUpper(strings.TrimSpace(raw)))
	switch outcome {
	case OutcomeFavorClaimant, OutcomeFullRefund, OutcomePartialRefund, OutcomeFavorHost:
		return outcome, nil
	default:
		return "", fmt.Errorf("unknown dispute outcome %q", raw)
	}
}

// Dispute is a claim raised by a payer against one of their payments.
type Dispute struct {
	ID              int64           `json:"id"`
	PaymentID       int64           `json:"payment_id"`
	ClaimantID      int64           `json:"claimant_id"`
	Reason          string          `json:"reason"`
	Description     string          `json:"description"`
	Evidence        []string        `json:"evidence"`
	State           DisputeState    `json:"state"`
	AgentID         *int64          `json:"agent_id,omitempty"`
	Outcome         *DisputeOutcome `json:"outcome,omitempty"`
	ResolvedAmount  *int64          `json:"resolved_amount,omitempty"`
	ResolutionNotes *string         `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DisputeClaim is written when an agent takes a dispute into RESOLVING.
type DisputeClaim struct {
	AgentID        int64
	Outcome        DisputeOutcome
	ResolvedAmount int64
	ClaimedAt      time.Time
}

// DisputeResolution carries the fields written when a dispute is resolved.
type DisputeResolution struct {
	AgentID        int64
	Outcome        DisputeOutcome
	ResolvedAmount int64
	Notes          string
	ResolvedAt     time.Time
}

// OpenDisputeRequest is the DTO for POST /disputes.
type OpenDisputeRequest struct {
	PaymentID   int64    `json:"payment_id" validate:"required,gt=0"`
	Reason      string   `json:"reason" validate:"required,max=120"`
	Description string   `json:"description" validate:"max=4000"`
	Evidence    []string `json:"evidence" validate:"max=20,dive,max=2048"`
}

// AssignDisputeRequest is the DTO for POST /disputes/{id}/assign.
type AssignDisputeRequest struct {
	AgentID int64 `json:"agent_id" validate:"omitempty,gt=0"`
}

// ResolveDisputeRequest is the DTO for POST /disputes/{id}/resolve.
type ResolveDisputeRequest struct {
	Outcome        string `json:"outcome" validate:"required"`
	ResolvedAmount *int64 `json:"resolved_amount" validate:"omitempty,gt=0"`
	Notes          string `json:"notes" validate:"max=4000"`
}

package app

import (
	"errors"
	"fmt"

	"github.com/seatshare/settlement-service/internal/store"
)

// ErrorKind classifies failures surfaced to callers of the settlement core.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindForbidden
	KindBusinessRule
	KindDuplicate
	KindGatewayFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindBusinessRule:
		return "business_rule_violation"
	case KindDuplicate:
		return "duplicate_resource"
	case KindGatewayFailure:
		return "gateway_failure"
	default:
		return "unknown"
	}
}

// Error is a classified, user-presentable failure. Message names the violated
// precondition and never includes other users' identifiers.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind when target is one of the kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" && t.Message == "" {
		return t.Kind == e.Kind
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// Kind sentinels for errors.Is.
var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrBusinessRule   = &Error{Kind: KindBusinessRule}
	ErrDuplicate      = &Error{Kind: KindDuplicate}
	ErrGatewayFailure = &Error{Kind: KindGatewayFailure}
)

// Codes with a dedicated HTTP treatment or client-side handling.
const (
	CodeHostSeatReserved    = "host_seat_reserved"
	CodeNoSeatsAvailable    = "no_seats_available"
	CodeRefundExceeds       = "refund_exceeds_available"
	CodeRefundInProgress    = "refund_in_progress"
	CodeRefundPending       = "refund_pending_retry"
	CodeResolutionClaimed   = "dispute_resolution_in_progress"
	CodeNotPending          = "request_not_pending"
	CodePaymentLiberated    = "payment_already_liberated"
	CodeActiveDispute       = "active_dispute"
	CodeDuplicateCycle      = "duplicate_billing_cycle"
	CodeChargeInProgress    = "charge_in_progress"
	CodeInvalidState        = "invalid_state"
	CodeCapacityReached     = "capacity_reached"
	CodeNotMember           = "not_group_member"
	CodeSeatAlreadyHeld     = "seat_already_held"
	CodePendingRequest      = "pending_request_exists"
	CodeInvalidInput        = "invalid_input"
	CodeGatewayDeclined     = "gateway_declined"
	CodeGatewayUnavailable  = "gateway_unavailable"
	CodeSupportAgentOnly    = "support_agent_required"
	CodeNotOwner            = "not_owner"
	CodeSubscriptionCapHit  = "group_subscription_cap_reached"
	CodeSeatCountExceedsMax = "seat_count_exceeds_service_max"
	CodeAlreadyMember       = "already_member"
)

var notFoundSentinels = []error{
	store.ErrUserNotFound,
	store.ErrGroupNotFound,
	store.ErrCatalogServiceNotFound,
	store.ErrPaymentMethodNotFound,
	store.ErrSubscriptionNotFound,
	store.ErrSeatNotFound,
	store.ErrPaymentNotFound,
	store.ErrDisputeNotFound,
	store.ErrJoinRequestNotFound,
}

func notFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: message}
}

func forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

func businessRule(code, message string) *Error {
	return &Error{Kind: KindBusinessRule, Code: code, Message: message}
}

func duplicate(code, message string) *Error {
	return &Error{Kind: KindDuplicate, Code: code, Message: message}
}

func gatewayFailure(code, message string, cause error) *Error {
	return &Error{Kind: KindGatewayFailure, Code: code, Message: message, Err: cause}
}

// AsError extracts the classified error, if any.
func AsError(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// lookupErr turns a repository lookup failure into a NotFound carrying the
// store's message, or wraps anything else as an internal error.
func lookupErr(err error, op string) error {
	for _, sentinel := range notFoundSentinels {
		if errors.Is(err, sentinel) {
			return notFound(sentinel.Error())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

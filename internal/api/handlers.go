/**
 * @description
 * HTTP handlers for the settlement API. Handlers resolve the caller, decode and
 * validate the body, call one application service and translate classified
 * errors into HTTP responses.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: struct tag validation of request DTOs.
 * - internal/app: services and the error taxonomy.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/seatshare/settlement-service/internal/app"
	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/seatshare/settlement-service/internal/store"
)

const maxBodyBytes = 1 << 20

// Directory resolves authenticated identities to internal users.
type Directory interface {
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (int64, error)
	FindUserByID(ctx context.Context, userID int64) (*domain.User, error)
}

// Handlers holds the application services that handlers use.
type Handlers struct {
	directory Directory
	seats     *app.SeatAllocator
	requests  *app.JoinRequestWorkflow
	ledger    *app.PaymentLedger
	disputes  *app.DisputeResolver
	validate  *validator.Validate
}

func NewHandlers(directory Directory, seats *app.SeatAllocator, requests *app.JoinRequestWorkflow, ledger *app.PaymentLedger, disputes *app.DisputeResolver) *Handlers {
	return &Handlers{
		directory: directory,
		seats:     seats,
		requests:  requests,
		ledger:    ledger,
		disputes:  disputes,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// actor resolves the authenticated Clerk user to an internal user id.
func (h *Handlers) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	clerkID, ok := GetClerkUserID(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "authentication required", "unauthenticated")
		return 0, false
	}
	userID, err := h.directory.FindUserIDByClerkUserID(r.Context(), clerkID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			log.Printf("level=warn component=api msg=\"unknown user\" clerk_user_id=%s path=%s", clerkID, r.URL.Path)
			writeJSONError(w, http.StatusUnauthorized, "user is not registered", "unauthenticated")
			return 0, false
		}
		log.Printf("level=error component=api msg=\"user resolution failed\" clerk_user_id=%s err=%v", clerkID, err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error", "internal")
		return 0, false
	}
	return userID, true
}

// requireAgent resolves the caller and rejects anyone without the support-agent role.
func (h *Handlers) requireAgent(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := h.actor(w, r)
	if !ok {
		return 0, false
	}
	user, err := h.directory.FindUserByID(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api msg=\"user lookup failed\" user_id=%d err=%v", userID, err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error", "internal")
		return 0, false
	}
	if !user.IsSupportAgent() {
		writeJSONError(w, http.StatusForbidden, "support agent capability required", app.CodeSupportAgentOnly)
		return 0, false
	}
	return userID, true
}

// decode reads a JSON body into dst and validates it.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "invalid_body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err), app.CodeInvalidInput)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name), app.CodeInvalidInput)
		return 0, false
	}
	return id, true
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// writeServiceError maps classified service errors onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := app.AsError(err)
	if !ok {
		log.Printf("level=error component=api msg=\"request failed\" method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error", "internal")
		return
	}
	status := statusFor(appErr)
	if status >= http.StatusInternalServerError {
		log.Printf("level=warn component=api msg=\"gateway failure\" method=%s path=%s code=%s err=%v", r.Method, r.URL.Path, appErr.Code, err)
	}
	writeJSONError(w, status, appErr.Message, appErr.Code)
}

func statusFor(err *app.Error) int {
	switch err.Code {
	case app.CodeHostSeatReserved, app.CodeInvalidInput:
		return http.StatusBadRequest
	case app.CodeRefundInProgress, app.CodeResolutionClaimed:
		return http.StatusConflict
	}
	switch err.Kind {
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindForbidden:
		return http.StatusForbidden
	case app.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case app.KindDuplicate:
		return http.StatusConflict
	case app.KindGatewayFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("level=warn component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seatshare/settlement-service/internal/app"
	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/seatshare/settlement-service/internal/store"
	"github.com/seatshare/settlement-service/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type silentNotifier struct{}

func (silentNotifier) Notify(context.Context, int64, domain.NotificationType, string, string) {}

type denyingLimiter struct{ calls int }

func (l *denyingLimiter) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (app.RateLimitDecision, error) {
	l.calls++
	return app.RateLimitDecision{Allowed: false, Count: limit + 1, RetryAfter: 42 * time.Second}, nil
}

// headerAuth trusts X-Test-User as the Clerk subject.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			writeJSONError(w, http.StatusUnauthorized, "authentication required", "unauthenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClerkUserID(r.Context(), user)))
	})
}

type apiHarness struct {
	t       *testing.T
	repo    *store.MemoryRepository
	handler http.Handler
	limiter *denyingLimiter

	groupID, serviceID, memberMethodID, declineMethodID int64
}

func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	repo := store.NewMemoryRepository()
	notifier := silentNotifier{}
	seats := app.NewSeatAllocator(repo, notifier, domain.GroupSubscriptionCap, "USD")
	requests := app.NewJoinRequestWorkflow(repo, seats, notifier)
	ledger := app.NewPaymentLedger(repo, gateway.NewStubGateway(), notifier, app.LedgerConfig{})
	disputes := app.NewDisputeResolver(repo, ledger, notifier)

	host := repo.SeedUser("user_host", domain.RoleUser)
	member := repo.SeedUser("user_member", domain.RoleUser)
	repo.SeedUser("user_outsider", domain.RoleUser)
	repo.SeedUser("user_agent", domain.RoleSupportAgent)

	h := &apiHarness{t: t, repo: repo, limiter: &denyingLimiter{}}
	h.groupID = repo.SeedGroup("Flatmates", "FLAT2026", host, 6)
	repo.SeedMembership(h.groupID, member)
	h.serviceID = repo.SeedCatalogService("StreamPlus Family", 6)
	h.memberMethodID = repo.SeedPaymentMethod(member, "pm_member")
	h.declineMethodID = repo.SeedPaymentMethod(member, gateway.StubDeclineToken)

	h.handler = NewRouter(NewHandlers(repo, seats, requests, ledger, disputes), RouterOptions{
		InternalAPIKey:            "internal-secret",
		Limiter:                   h.limiter,
		DisputeRateLimitPerMinute: 5,
		Authenticator:             headerAuth,
	})
	return h
}

func (h *apiHarness) do(method, path, user string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(h.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (h *apiHarness) createSubscription(seatCount int) domain.SubscriptionWithSeats {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/v1/subscriptions", "user_host", map[string]interface{}{
		"group_id":           h.groupID,
		"catalog_service_id": h.serviceID,
		"total_price":        1799,
		"seat_count":         seatCount,
		"start_date":         "2026-03-10",
		"periodicity":        "monthly",
		"host_occupies_seat": true,
	})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[domain.SubscriptionWithSeats](h.t, rec)
}

func TestHealthAndAuth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/v1/payments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/v1/payments", "user_ghost", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decodeBody[errorResponse](t, rec).Code)
}

func TestSubscriptionEndpoints(t *testing.T) {
	h := newHarness(t)
	created := h.createSubscription(5)
	assert.Equal(t, int64(450), created.Subscription.PricePerSeat)
	assert.Equal(t, "2026-04-10", created.Subscription.RenewalDate.Format("2006-01-02"))

	subPath := fmt.Sprintf("/v1/subscriptions/%d", created.Subscription.ID)

	rec := h.do(http.MethodGet, subPath, "user_outsider", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, subPath+"/occupy-seat", "user_member", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	seat := decodeBody[domain.Seat](t, rec)
	assert.Equal(t, 2, seat.Index)

	rec = h.do(http.MethodDelete, fmt.Sprintf("/v1/seats/%d", created.Seats[0].ID), "user_host", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, app.CodeHostSeatReserved, decodeBody[errorResponse](t, rec).Code)

	rec = h.do(http.MethodDelete, fmt.Sprintf("/v1/seats/%d", seat.ID), "user_outsider", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, subPath+"/pause", "user_member", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodPost, subPath+"/pause", "user_host", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SubscriptionPaused, decodeBody[domain.Subscription](t, rec).State)
	rec = h.do(http.MethodPost, subPath+"/pause", "user_host", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodGet, "/v1/subscriptions/abc", "user_host", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodGet, "/v1/subscriptions/9999", "user_host", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestBodyValidation(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/subscriptions", "user_host", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decodeBody[errorResponse](t, rec).Code)

	rec = h.do(http.MethodPost, "/v1/subscriptions", "user_host", map[string]interface{}{
		"group_id": h.groupID, "catalog_service_id": h.serviceID, "seat_count": 3,
		"start_date": "2026-03-10", "periodicity": "WEEKLY",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, app.CodeInvalidInput, body.Code)
	assert.Contains(t, body.Error, "Periodicity")
}

func TestJoinRequestEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/requests/group", "user_outsider", domain.GroupJoinRequest{InvitationCode: "flat2026"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	jr := decodeBody[domain.JoinRequest](t, rec)

	rec = h.do(http.MethodPost, "/v1/requests/group", "user_outsider", domain.GroupJoinRequest{InvitationCode: "flat2026"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodGet, fmt.Sprintf("/v1/groups/%d/requests", h.groupID), "user_host", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.JoinRequest](t, rec), 1)

	rec = h.do(http.MethodPost, fmt.Sprintf("/v1/requests/%d/approve", jr.ID), "user_member", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, fmt.Sprintf("/v1/requests/%d/reject", jr.ID), "user_host", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.JoinRequestRejected, decodeBody[domain.JoinRequest](t, rec).State)

	rec = h.do(http.MethodPost, fmt.Sprintf("/v1/requests/%d/approve", jr.ID), "user_host", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "only pending requests can be approved", decodeBody[errorResponse](t, rec).Error)

	created := h.createSubscription(2)
	rec = h.do(http.MethodPost, fmt.Sprintf("/v1/subscriptions/%d/occupy-seat", created.Subscription.ID), "user_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodPost, "/v1/requests/subscription", "user_member", domain.SeatJoinRequest{SubscriptionID: created.Subscription.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPaymentEndpoints(t *testing.T) {
	h := newHarness(t)
	created := h.createSubscription(4)
	rec := h.do(http.MethodPost, fmt.Sprintf("/v1/subscriptions/%d/occupy-seat", created.Subscription.ID), "user_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	seat := decodeBody[domain.Seat](t, rec)

	rec = h.do(http.MethodPost, "/v1/payments", "user_member", domain.ProcessPaymentRequest{SeatID: seat.ID, PaymentMethodID: h.declineMethodID, Amount: 600})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, app.CodeGatewayDeclined, decodeBody[errorResponse](t, rec).Code)

	rec = h.do(http.MethodPost, "/v1/payments", "user_member", domain.ProcessPaymentRequest{SeatID: seat.ID, PaymentMethodID: h.memberMethodID, Amount: 600})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payment := decodeBody[domain.Payment](t, rec)
	assert.Equal(t, domain.PaymentRetained, payment.State)

	rec = h.do(http.MethodPost, "/v1/payments", "user_member", domain.ProcessPaymentRequest{SeatID: seat.ID, PaymentMethodID: h.memberMethodID, Amount: 600})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodGet, "/v1/payments", "user_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Payment](t, rec), 1)

	refund := domain.RefundRequest{PaymentID: payment.ID, Amount: 100, Reason: "goodwill"}
	rec = h.do(http.MethodPost, "/v1/payments/refund", "user_host", refund)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodPost, "/v1/payments/refund", "user_agent", refund)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PaymentPartiallyRefunded, decodeBody[domain.Payment](t, rec).State)

	rec = h.do(http.MethodGet, fmt.Sprintf("/v1/payments/%d", payment.ID), "user_host", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[domain.PaymentWithRefunds](t, rec).Refunds, 1)

	rec = h.do(http.MethodPost, fmt.Sprintf("/v1/payments/%d/release", payment.ID), "user_agent", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "partially refunded payments are not released")
}

func TestDisputeEndpointsAndRateLimit(t *testing.T) {
	h := newHarness(t)
	created := h.createSubscription(4)
	rec := h.do(http.MethodPost, fmt.Sprintf("/v1/subscriptions/%d/occupy-seat", created.Subscription.ID), "user_member", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	seat := decodeBody[domain.Seat](t, rec)
	rec = h.do(http.MethodPost, "/v1/payments", "user_member", domain.ProcessPaymentRequest{SeatID: seat.ID, PaymentMethodID: h.memberMethodID, Amount: 600})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(http.MethodPost, "/v1/disputes", "user_member", domain.OpenDisputeRequest{PaymentID: 1, Reason: "broken"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, h.limiter.calls)
}

func TestInternalReleaseExpired(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/internal/payments/release-expired?limit=10", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/payments/release-expired?limit=10", nil)
	req.Header.Set("X-Internal-API-Key", "internal-secret")
	out := httptest.NewRecorder()
	h.handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code, out.Body.String())
	assert.Equal(t, domain.ReleaseSummary{}, decodeBody[domain.ReleaseSummary](t, out))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  *app.Error
		want int
	}{
		{&app.Error{Kind: app.KindNotFound}, http.StatusNotFound},
		{&app.Error{Kind: app.KindForbidden}, http.StatusForbidden},
		{&app.Error{Kind: app.KindBusinessRule, Code: app.CodeNoSeatsAvailable}, http.StatusUnprocessableEntity},
		{&app.Error{Kind: app.KindBusinessRule, Code: app.CodeHostSeatReserved}, http.StatusBadRequest},
		{&app.Error{Kind: app.KindDuplicate}, http.StatusConflict},
		{&app.Error{Kind: app.KindBusinessRule, Code: app.CodeResolutionClaimed}, http.StatusConflict},
		{&app.Error{Kind: app.KindBusinessRule, Code: app.CodeRefundInProgress}, http.StatusConflict},
		{&app.Error{Kind: app.KindGatewayFailure}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Kind.String())
	}
}

package settlementclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seatshare/settlement-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseExpiredSendsKeyAndLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/payments/release-expired", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "secret", r.Header.Get("X-Internal-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(domain.ReleaseSummary{Candidates: 3, Released: 2, Skipped: 1})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")
	summary, err := client.ReleaseExpired(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, domain.ReleaseSummary{Candidates: 3, Released: 2, Skipped: 1}, summary)
}

func TestReleaseExpiredSurfacesErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "wrong").ReleaseExpired(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestReleaseExpiredRequiresBaseURL(t *testing.T) {
	_, err := NewClient("", "secret").ReleaseExpired(context.Background(), 10)
	assert.EqualError(t, err, "settlement service base URL is not configured")
}

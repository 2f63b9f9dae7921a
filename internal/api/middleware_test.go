package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJWKSServer(t *testing.T, kid string, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": kid,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestClerkAuthMiddleware(t *testing.T) {
	t.Setenv("CLERK_AUDIENCE", "")
	t.Setenv("CLERK_ISSUER", "https://clerk.example.test")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks := newJWKSServer(t, "kid-1", &key.PublicKey)

	var seen string
	handler := ClerkAuthMiddleware(jwks.URL)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetClerkUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	valid := jwt.RegisteredClaims{
		Subject:   "user_123",
		Issuer:    "https://clerk.example.test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := valid
	wrongIssuer.Issuer = "https://elsewhere.test"

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"valid", "Bearer " + signToken(t, key, "kid-1", valid), http.StatusNoContent},
		{"expired", "Bearer " + signToken(t, key, "kid-1", expired), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, key, "kid-1", wrongIssuer), http.StatusUnauthorized},
		{"unknown kid", "Bearer " + signToken(t, key, "kid-2", valid), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusNoContent {
				assert.Equal(t, "user_123", seen)
			} else {
				assert.Empty(t, seen)
			}
		})
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	cases := []struct {
		name     string
		required string
		provided string
		want     int
	}{
		{"matching key", "secret", "secret", http.StatusOK},
		{"wrong key", "secret", "guess", http.StatusUnauthorized},
		{"missing key", "secret", "", http.StatusUnauthorized},
		{"unconfigured key rejects everything", "", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/x", nil)
			if tc.provided != "" {
				req.Header.Set("X-Internal-API-Key", tc.provided)
			}
			rec := httptest.NewRecorder()
			InternalAuthMiddleware(tc.required)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestParseRSAPublicKeyRejectsEmptyExponent(t *testing.T) {
	_, err := parseRSAPublicKey("AQAB", "")
	assert.Error(t, err)
}

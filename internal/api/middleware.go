/**
 * @description
 * HTTP middleware for the settlement API: Clerk JWT authentication, the internal
 * API key guard, Prometheus request metrics and per-user rate limiting.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: RS256 token verification against Clerk's JWKS.
 * - github.com/prometheus/client_golang: request counters and latency histograms.
 * - github.com/go-chi/chi/v5: route patterns for metric labels.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/seatshare/settlement-service/internal/app"
)

type contextKey string

const clerkUserIDKey contextKey = "clerkUserID"

// WithClerkUserID stores an authenticated Clerk user id on ctx.
func WithClerkUserID(ctx context.Context, clerkUserID string) context.Context {
	return context.WithValue(ctx, clerkUserIDKey, clerkUserID)
}

// GetClerkUserID returns the verified subject, if any.
func GetClerkUserID(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(clerkUserIDKey).(string)
	return subject, ok && subject != ""
}

// clerkParserOptions pins RS256 and, when configured, the audience and issuer.
func clerkParserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired()}
	if aud := strings.TrimSpace(os.Getenv("CLERK_AUDIENCE")); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	if iss := strings.TrimSpace(os.Getenv("CLERK_ISSUER")); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	return opts
}

// ClerkAuthMiddleware validates Clerk session tokens and stores the subject on the context.
func ClerkAuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	keys := newJWKSCache(jwksURL, 10*time.Minute)
	parser := jwt.NewParser(clerkParserOptions()...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || strings.TrimSpace(raw) == "" {
				writeJSONError(w, http.StatusUnauthorized, "bearer token required", "unauthenticated")
				return
			}

			claims := jwt.RegisteredClaims{}
			_, err := parser.ParseWithClaims(strings.TrimSpace(raw), &claims, func(token *jwt.Token) (interface{}, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, fmt.Errorf("token header has no kid")
				}
				return keys.key(r.Context(), kid)
			})
			if err != nil {
				log.Printf("level=warn component=auth msg=\"token rejected\" err=%v", err)
				writeJSONError(w, http.StatusUnauthorized, "invalid token", "unauthenticated")
				return
			}
			if claims.Subject == "" {
				writeJSONError(w, http.StatusUnauthorized, "token has no subject", "unauthenticated")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClerkUserID(r.Context(), claims.Subject)))
		})
	}
}

// jwksCache keeps Clerk's signing keys in memory and refetches on expiry or an
// unknown kid, at most once per minRefresh.
type jwksCache struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:        url,
		ttl:        ttl,
		minRefresh: 30 * time.Second,
		client:     &http.Client{Timeout: 10 * time.Second},
		keys:       map[string]*rsa.PublicKey{},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	age := time.Since(c.fetchedAt)
	if key, ok := c.keys[kid]; ok && age < c.ttl {
		return key, nil
	}
	if c.fetchedAt.IsZero() || age >= c.minRefresh {
		if err := c.refresh(ctx); err != nil {
			if key, ok := c.keys[kid]; ok {
				log.Printf("level=warn component=auth msg=\"jwks refresh failed; using cached key\" err=%v", err)
				return key, nil
			}
			return nil, err
		}
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *jwksCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			log.Printf("level=warn component=auth msg=\"skipping malformed jwk\" kid=%s err=%v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, fmt.Errorf("empty exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// InternalAuthMiddleware guards server-to-server routes with X-Internal-API-Key.
// An empty requiredKey rejects every call.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "unauthenticated")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatshare_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seatshare_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatshare_http_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
		[]string{"scope"},
	)
)

type metricsResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Metrics records request counts and latency labelled by chi route pattern.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RateLimiter is satisfied by app.RedisRateLimiter.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (app.RateLimitDecision, error)
}

// RateLimit caps authenticated users to perMinute requests in scope. Limiter
// errors fail open.
func RateLimit(limiter RateLimiter, scope string, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := GetClerkUserID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			decision, err := limiter.Consume(r.Context(), scope, subject, perMinute, time.Minute)
			if err != nil {
				log.Printf("level=warn component=rate_limiter msg=\"limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				rateLimitedTotal.WithLabelValues(scope).Inc()
				retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeJSONError(w, http.StatusTooManyRequests, "too many requests; try again later", "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

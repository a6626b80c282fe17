package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vetai/gateway/internal/tenant"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	tenantKey    contextKey = "tenant"
	requestIDKey contextKey = "request_id"
)

const cacheTTL = 5 * time.Minute

func credentialCacheKey(credential string) string {
	h := sha256.Sum256([]byte(credential))
	return "auth:" + hex.EncodeToString(h[:])
}

// NewTenantMiddleware authenticates the clinic bearer credential against
// the tenant directory, with an optional redis cache in front (nil cache
// disables caching). Inactive tenants are rejected even with a valid
// credential. Mutations that touch a credential must call
// InvalidateCredential or the stale entry lives until the TTL expires.
func NewTenantMiddleware(store tenant.Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "clinic credential required")
				return
			}
			credential := strings.TrimPrefix(authHeader, "Bearer ")

			var resolved *tenant.Tenant
			if cache != nil {
				var cached tenant.Tenant
				err := cache.Get(ctx, credentialCacheKey(credential)).Scan(&cached)
				if err == nil {
					resolved = &cached
				} else if err != redis.Nil {
					log.Printf("auth: redis error: %v", err)
				}
			}

			if resolved == nil {
				t, err := store.Resolve(ctx, credential)
				if err != nil {
					if errors.Is(err, tenant.ErrNotFound) {
						writeError(w, http.StatusUnauthorized, "invalid clinic credential")
						return
					}
					writeError(w, http.StatusInternalServerError, "internal server error")
					return
				}
				if cache != nil {
					_ = cache.Set(ctx, credentialCacheKey(credential), t, cacheTTL).Err()
				}
				resolved = t
			}

			if !resolved.Active {
				writeError(w, http.StatusForbidden, "clinic is deactivated, contact the administrator")
				return
			}

			ctx = context.WithValue(ctx, tenantKey, resolved)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewAdminMiddleware gates the administrative surface behind a shared
// secret, distinct from any tenant credential.
func NewAdminMiddleware(password string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-Admin-Password")
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(password)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid admin password")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InvalidateCredential drops the cache entry for a credential so rotation
// and deactivation take effect immediately instead of at TTL expiry.
func InvalidateCredential(ctx context.Context, cache *redis.Client, credential string) {
	if cache == nil || credential == "" {
		return
	}
	if err := cache.Del(ctx, credentialCacheKey(credential)).Err(); err != nil {
		log.Printf("auth: failed to invalidate credential cache: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Helpers to extract from context
func GetTenant(ctx context.Context) *tenant.Tenant {
	if t, ok := ctx.Value(tenantKey).(*tenant.Tenant); ok {
		return t
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithTenant(ctx context.Context, t *tenant.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

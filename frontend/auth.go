package frontend

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"
)

// TokenCache caches the identity a verified token resolved to, so every
// request does not pay an OIDC verification.
type TokenCache interface {
	Get(token string) (identity string, ok bool, err error)
	Set(token, identity string) error
}

// RedisTokenCache is a Redis implementation of TokenCache.
type RedisTokenCache struct {
	Client     *redis.Client
	Ctx        context.Context
	Expiration time.Duration
}

// DefaultTokenExpiration is how long a verified token stays cached.
const DefaultTokenExpiration = 30 * time.Second

// NewRedisTokenCache creates a TokenCache over an existing Redis client.
func NewRedisTokenCache(client *redis.Client, expiration time.Duration) TokenCache {
	if expiration == 0 {
		expiration = DefaultTokenExpiration
	}
	return &RedisTokenCache{
		Client:     client,
		Ctx:        context.Background(),
		Expiration: expiration,
	}
}

// Set records the identity a token verified to.
func (r *RedisTokenCache) Set(token, identity string) error {
	return r.Client.Set(r.Ctx, "authtoken:"+token, identity, r.Expiration).Err()
}

// Get returns the cached identity for a token, if present.
func (r *RedisTokenCache) Get(token string) (string, bool, error) {
	val, err := r.Client.Get(r.Ctx, "authtoken:"+token).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Context keys set by the auth middlewares.
const (
	ctxUser      = "user"
	ctxDeveloper = "developer"
)

// encodeIdentity packs the username and developer flag into one cache
// value.
func encodeIdentity(user string, developer bool) string {
	if developer {
		return user + "\x00dev"
	}
	return user
}

func decodeIdentity(v string) (user string, developer bool) {
	user, suffix, found := strings.Cut(v, "\x00")
	return user, found && suffix == "dev"
}

// AuthMiddleware authenticates user routes with OIDC bearer tokens.
type AuthMiddleware struct {
	Verifier *oidc.IDTokenVerifier
	Cache    TokenCache
	Logger   *logharbour.Logger
}

// NewAuthMiddleware builds the middleware from an OIDC provider.
func NewAuthMiddleware(clientID string, provider *oidc.Provider, cache TokenCache, logger *logharbour.Logger) *AuthMiddleware {
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return &AuthMiddleware{
		Verifier: verifier,
		Cache:    cache,
		Logger:   logger,
	}
}

type identityClaims struct {
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	Developer         bool   `json:"developer"`
}

// MiddlewareFunc returns the gin middleware for user routes. On success
// the request context carries the caller's identity.
func (a *AuthMiddleware) MiddlewareFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawIDToken, err := ExtractToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		if cached, ok, err := a.Cache.Get(rawIDToken); err == nil && ok {
			user, developer := decodeIdentity(cached)
			c.Set(ctxUser, user)
			c.Set(ctxDeveloper, developer)
			c.Next()
			return
		}

		idToken, err := a.Verifier.Verify(c.Request.Context(), rawIDToken)
		if err != nil {
			a.Logger.Warn().LogActivity("token verification failed", map[string]any{
				"error": err.Error(),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var claims identityClaims
		if err := idToken.Claims(&claims); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			return
		}
		user := claims.PreferredUsername
		if user == "" {
			user = claims.Email
		}
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token carries no identity"})
			return
		}

		if err := a.Cache.Set(rawIDToken, encodeIdentity(user, claims.Developer)); err != nil {
			a.Logger.Debug0().LogActivity("token cache write failed", map[string]any{
				"error": err.Error(),
			})
		}

		c.Set(ctxUser, user)
		c.Set(ctxDeveloper, claims.Developer)
		c.Next()
	}
}

// ExtractToken extracts the token from the Authorization header.
func ExtractToken(headerValue string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(headerValue, prefix) {
		return "", fmt.Errorf("missing or incorrect Authorization header format")
	}
	token := strings.TrimPrefix(headerValue, prefix)
	if token == "" {
		return "", fmt.Errorf("missing token in Authorization header")
	}
	return token, nil
}

// InternalAuth guards the worker callback routes with the deployment's
// internal bearer token.
func InternalAuth(internalToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := ExtractToken(c.Request.Header.Get("Authorization"))
		if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(internalToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid internal token"})
			return
		}
		c.Next()
	}
}

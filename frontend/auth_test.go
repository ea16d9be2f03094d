package frontend

import (
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenCache(t *testing.T) (TokenCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTokenCache(client, 30*time.Second), mr
}

func TestRedisTokenCacheRoundTrip(t *testing.T) {
	cache, mr := newTestTokenCache(t)

	_, ok, err := cache.Get("tok")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set("tok", encodeIdentity("alice", true)))
	v, ok, err := cache.Get("tok")
	require.NoError(t, err)
	require.True(t, ok)
	user, dev := decodeIdentity(v)
	assert.Equal(t, "alice", user)
	assert.True(t, dev)

	// verified tokens age out of the cache
	mr.FastForward(31 * time.Second)
	_, ok, err = cache.Get("tok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachedTokenSkipsVerification(t *testing.T) {
	cache, _ := newTestTokenCache(t)
	require.NoError(t, cache.Set("cached-token", encodeIdentity("bob", false)))

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	// Verifier nil: a verification attempt would panic, so a 200 proves
	// the cache short-circuited it
	mw := &AuthMiddleware{Cache: cache, Logger: logger}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", mw.MiddlewareFunc(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": requestUser(c), "developer": isDeveloper(c)})
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer cached-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"bob","developer":false}`, w.Body.String())
}

func TestExtractToken(t *testing.T) {
	tok, err := ExtractToken("Bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)

	_, err = ExtractToken("abc123")
	assert.Error(t, err)
	_, err = ExtractToken("Bearer ")
	assert.Error(t, err)
	_, err = ExtractToken("")
	assert.Error(t, err)
}

func TestInternalAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/cb", InternalAuth("secret"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	cases := []struct {
		header string
		want   int
	}{
		{"Bearer secret", http.StatusOK},
		{"Bearer wrong", http.StatusUnauthorized},
		{"", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/cb", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.want, w.Code, "header %q", tc.header)
	}
}

package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterAllowAndReset(t *testing.T) {
	lim := NewMemory(2, time.Second)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "acct", now)
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d", i+1)
		}
	}

	allowed, retry, err := lim.Allow(ctx, "acct", now)
	if err != nil || allowed {
		t.Fatalf("expected rate limit on third call")
	}
	if retry != time.Second {
		t.Fatalf("expected retryAfter 1s, got %s", retry)
	}

	if allowed, _, _ := lim.Allow(ctx, "other", now); !allowed {
		t.Fatalf("expected separate bucket per key")
	}

	allowed, _, err = lim.Allow(ctx, "acct", now.Add(2*time.Second))
	if err != nil || !allowed {
		t.Fatalf("expected allow after window reset")
	}
}

func TestMemoryLimiterCleanup(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()
	lim.Allow(context.Background(), "a", now)

	lim.Allow(context.Background(), "b", now.Add(2*time.Second))
	if len(lim.entries) != 1 {
		t.Fatalf("expected expired entries to be removed, got %d", len(lim.entries))
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedis(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "acct", time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d: %v", i+1, err)
		}
	}

	allowed, retryAfter, err := lim.Allow(ctx, "acct", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected rate limited")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}
	if !s.Exists("test:acct") {
		t.Fatalf("expected prefixed key")
	}

	s.FastForward(600 * time.Millisecond)
	allowed, _, err = lim.Allow(ctx, "acct", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func newRouter(limiter Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(limiter, func(c *gin.Context) string { return c.GetHeader("X-Account") }, nil))
	router.POST("/op", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return router
}

func post(router *gin.Engine, account string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/op", nil)
	if account != "" {
		req.Header.Set("X-Account", account)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	router := newRouter(NewMemory(1, time.Minute))

	if w := post(router, "a"); w.Code != http.StatusNoContent {
		t.Fatalf("expected first request allowed, got %d", w.Code)
	}
	w := post(router, "a")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if w := post(router, ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected unkeyed request to pass, got %d", w.Code)
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	router := newRouter(failingLimiter{})
	if w := post(router, "a"); w.Code != http.StatusNoContent {
		t.Fatalf("expected limiter error to pass through, got %d", w.Code)
	}
}

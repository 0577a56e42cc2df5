package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/realm-server/internal/ratelimit"
	"github.com/koopa0/realm-server/internal/testutils"
)

func newTestLimiter(connection ratelimit.ConnectionRule) (*ratelimit.Limiter, *testutils.MockStore) {
	kv := testutils.NewMockStore()
	return ratelimit.New(kv, connection, testutils.NewTestLogger()), kv
}

// TestLimiter_Check 測試滑動視窗判定
func TestLimiter_Check(t *testing.T) {
	limiter, _ := newTestLimiter(ratelimit.ConnectionRule{})
	limiter.Configure("test:event", ratelimit.Rule{MaxPoints: 2, Window: time.Minute})
	ctx := context.Background()

	t.Run("allows up to max points then denies", func(t *testing.T) {
		first := limiter.Check(ctx, "user-1", "test:event")
		assert.True(t, first.Allowed)
		assert.Equal(t, 1, first.Remaining)

		second := limiter.Check(ctx, "user-1", "test:event")
		assert.True(t, second.Allowed)
		assert.Equal(t, 0, second.Remaining)

		third := limiter.Check(ctx, "user-1", "test:event")
		assert.False(t, third.Allowed)
		assert.Equal(t, 0, third.Remaining)
		assert.Greater(t, third.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, third.RetryAfter, time.Minute)
	})

	t.Run("subjects are independent", func(t *testing.T) {
		result := limiter.Check(ctx, "user-2", "test:event")
		assert.True(t, result.Allowed)
	})

	t.Run("events are independent", func(t *testing.T) {
		limiter.Configure("other:event", ratelimit.Rule{MaxPoints: 5, Window: time.Minute})
		result := limiter.Check(ctx, "user-1", "other:event")
		assert.True(t, result.Allowed)
	})
}

// TestLimiter_Check_WindowExpiry 測試視窗滑動後重新放行
func TestLimiter_Check_WindowExpiry(t *testing.T) {
	limiter, _ := newTestLimiter(ratelimit.ConnectionRule{})
	limiter.Configure("burst", ratelimit.Rule{MaxPoints: 1, Window: 30 * time.Millisecond})
	ctx := context.Background()

	assert.True(t, limiter.Check(ctx, "user-1", "burst").Allowed)
	assert.False(t, limiter.Check(ctx, "user-1", "burst").Allowed)

	time.Sleep(80 * time.Millisecond)

	// 舊條目滑出視窗；被拒絕的嘗試也佔用過名額，
	// 所以需要等完整個視窗而非半個
	assert.True(t, limiter.Check(ctx, "user-1", "burst").Allowed)
}

// TestLimiter_Check_FailOpen 測試後端故障時放行
func TestLimiter_Check_FailOpen(t *testing.T) {
	limiter, kv := newTestLimiter(ratelimit.ConnectionRule{})
	kv.ShouldFailNext = true
	kv.FailError = errors.New("connection refused")

	result := limiter.Check(context.Background(), "user-1", ratelimit.EventChat)
	assert.True(t, result.Allowed, "limiter must fail open on backend error")
}

// TestLimiter_Check_UnknownEventUsesFallback 測試未設定事件走預設預算
func TestLimiter_Check_UnknownEventUsesFallback(t *testing.T) {
	limiter, _ := newTestLimiter(ratelimit.ConnectionRule{})

	result := limiter.Check(context.Background(), "user-1", "never:configured")
	assert.True(t, result.Allowed)
	assert.Equal(t, 59, result.Remaining)
}

// TestLimiter_CheckConnection 測試全域連線限流與封鎖
func TestLimiter_CheckConnection(t *testing.T) {
	limiter, kv := newTestLimiter(ratelimit.ConnectionRule{
		MaxPoints:     2,
		Window:        time.Minute,
		BlockDuration: 5 * time.Minute,
	})
	ctx := context.Background()

	assert.True(t, limiter.CheckConnection(ctx, "10.0.0.1").Allowed)
	assert.True(t, limiter.CheckConnection(ctx, "10.0.0.1").Allowed)

	denied := limiter.CheckConnection(ctx, "10.0.0.1")
	assert.False(t, denied.Allowed)
	assert.Equal(t, 5*time.Minute, denied.RetryAfter)

	// 封鎖標記已寫入，之後的嘗試直接拒絕
	_, blocked := kv.RawValue("ratelimit:connblock:10.0.0.1")
	assert.True(t, blocked)

	again := limiter.CheckConnection(ctx, "10.0.0.1")
	assert.False(t, again.Allowed)
	assert.Equal(t, 5*time.Minute, again.RetryAfter)

	// 其他 IP 不受影響
	assert.True(t, limiter.CheckConnection(ctx, "10.0.0.2").Allowed)
}

// TestMiddleware 測試 HTTP 限流中介軟體
func TestMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(ratelimit.ConnectionRule{})
	limiter.Configure("http:test", ratelimit.Rule{MaxPoints: 1, Window: time.Minute})

	handler := ratelimit.Middleware(limiter, "http:test", nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	newRequest := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/test", nil)
		req.RemoteAddr = "192.168.1.5:54321"
		return req
	}

	// 第一個請求放行，帶剩餘配額標頭
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// 第二個請求拒絕，返回標準錯誤信封
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
		RetryAfterMs int64 `json:"retry_after_ms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error.Code)
	assert.Greater(t, body.RetryAfterMs, int64(0))
}

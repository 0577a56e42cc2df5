package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/koopa0/realm-server/pkg/errors"
)

// SubjectFunc 從請求提取限流主體
//
// 已驗證的請求以用戶 ID 為主體，未驗證的以來源 IP 為主體 —
// HTTP 與 realtime 事件共用同一套視窗，主體格式必須一致。
type SubjectFunc func(r *http.Request) string

// IPSubject 以來源 IP 為主體（預設）
func IPSubject(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware 建立限流中介軟體
//
// 判定在處理請求之前執行；拒絕時返回 429 與標準錯誤信封，
// 並附上 Retry-After 提示。後端錯誤時 Check 已經 fail open，
// 中介軟體本身不需要額外的降級邏輯。
func Middleware(limiter *Limiter, event string, subjectFn SubjectFunc) func(http.Handler) http.Handler {
	if subjectFn == nil {
		subjectFn = IPSubject
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := limiter.Check(r.Context(), subjectFn(r), event)
			if !result.Allowed {
				writeRateLimited(w, result)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimited 限流拒絕回應
func writeRateLimited(w http.ResponseWriter, result Result) {
	retryAfterSec := int(result.RetryAfter.Round(time.Second).Seconds())
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.WriteHeader(http.StatusTooManyRequests)

	resp := map[string]any{
		"success": false,
		"error": map[string]any{
			"code":      apperrors.ErrCodeRateLimited,
			"message":   "too many requests",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		"retry_after_ms": result.RetryAfter.Milliseconds(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeUnauthorized 未通過身份驗證
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeLockTimeout 鎖獲取超時（重試耗盡）
	ErrCodeLockTimeout = "LOCK_TIMEOUT"
	// ErrCodeRateLimited 請求被限流
	ErrCodeRateLimited = "RATE_LIMIT_EXCEEDED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 後端服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// LockTimeout 建立鎖獲取超時錯誤
//
// 錯誤訊息必須指名競爭的資源和重試次數，
// 呼叫方（HTTP 回應、realtime 錯誤事件）直接轉發此訊息。
func LockTimeout(resource string, retries int) *AppError {
	return &AppError{
		Code:    ErrCodeLockTimeout,
		Message: fmt.Sprintf("failed to acquire lock on %q after %d attempts", resource, retries),
	}
}

// 預定義錯誤
var (
	// ErrSessionNotFound 會話不存在或已過期
	ErrSessionNotFound = New(ErrCodeUnauthorized, "session not found or expired")

	// ErrInvalidToken 無效的存取令牌
	ErrInvalidToken = New(ErrCodeUnauthorized, "invalid access token")

	// ErrCharacterNotFound 角色不存在
	ErrCharacterNotFound = New(ErrCodeNotFound, "character not found")

	// ErrRedisUnavailable Redis 不可用
	ErrRedisUnavailable = New(ErrCodeUnavailable, "redis service unavailable")

	// ErrDatabaseUnavailable 資料庫不可用
	ErrDatabaseUnavailable = New(ErrCodeUnavailable, "database service unavailable")
)

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsInvalidInput 檢查是否為輸入驗證錯誤
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInvalidInput
	}
	return false
}

// IsLockTimeout 檢查是否為鎖獲取超時錯誤
func IsLockTimeout(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeLockTimeout
	}
	return false
}

// IsRateLimited 檢查是否為限流錯誤
func IsRateLimited(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeRateLimited
	}
	return false
}

// IsUnauthorized 檢查是否為身份驗證錯誤
func IsUnauthorized(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeUnauthorized
	}
	return false
}

// IsUnavailable 檢查是否為後端不可用錯誤
func IsUnavailable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeUnavailable
	}
	return false
}

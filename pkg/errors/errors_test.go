package errors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/koopa0/realm-server/pkg/errors"
)

// TestAppError 測試錯誤格式與包裝鏈
func TestAppError(t *testing.T) {
	t.Run("plain error formats code and message", func(t *testing.T) {
		err := apperrors.New(apperrors.ErrCodeNotFound, "character not found")
		assert.Equal(t, "[NOT_FOUND] character not found", err.Error())
	})

	t.Run("wrapped error keeps the cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := apperrors.Wrap(cause, apperrors.ErrCodeUnavailable, "redis unreachable")

		assert.Contains(t, err.Error(), "connection refused")
		assert.ErrorIs(t, err, cause)
	})

	t.Run("Is matches by code", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", apperrors.New(apperrors.ErrCodeUnauthorized, "bad token"))
		assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("WithDetails", func(t *testing.T) {
		err := apperrors.New(apperrors.ErrCodeInvalidInput, "bad request").WithDetails("field: username")
		assert.Equal(t, "field: username", err.Details)
	})
}

// TestLockTimeout 測試鎖超時錯誤指名資源與重試次數
func TestLockTimeout(t *testing.T) {
	err := apperrors.LockTimeout("combat:42", 10)

	assert.Equal(t, apperrors.ErrCodeLockTimeout, err.Code)
	assert.Contains(t, err.Message, "combat:42")
	assert.Contains(t, err.Message, "10 attempts")
}

// TestPredicates 測試錯誤碼判定函數
func TestPredicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		predicate func(error) bool
		want      bool
	}{
		{"not found", apperrors.ErrCharacterNotFound, apperrors.IsNotFound, true},
		{"wrapped not found", fmt.Errorf("query: %w", apperrors.ErrCharacterNotFound), apperrors.IsNotFound, true},
		{"invalid input", apperrors.New(apperrors.ErrCodeInvalidInput, "name required"), apperrors.IsInvalidInput, true},
		{"lock timeout", apperrors.LockTimeout("r", 3), apperrors.IsLockTimeout, true},
		{"rate limited", apperrors.New(apperrors.ErrCodeRateLimited, "slow down"), apperrors.IsRateLimited, true},
		{"unauthorized", apperrors.ErrSessionNotFound, apperrors.IsUnauthorized, true},
		{"unavailable", apperrors.ErrRedisUnavailable, apperrors.IsUnavailable, true},
		{"plain error matches nothing", errors.New("boom"), apperrors.IsNotFound, false},
		{"code mismatch", apperrors.ErrCharacterNotFound, apperrors.IsUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.predicate(tt.err))
		})
	}
}

package testutils

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/realm-server/internal/auth"
)

// NewTestLogger 測試用的靜默日誌器
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SeedAccount 插入測試帳號與角色，返回 (accountID, characterID)
func SeedAccount(t testing.TB, pool *pgxpool.Pool, username, password string) (string, string) {
	t.Helper()

	ctx := context.Background()

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	var accountID string
	err = pool.QueryRow(ctx,
		"INSERT INTO accounts (username, password_hash) VALUES ($1, $2) RETURNING id",
		username, hash,
	).Scan(&accountID)
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	var characterID string
	err = pool.QueryRow(ctx,
		"INSERT INTO characters (account_id, name) VALUES ($1, $2) RETURNING id",
		accountID, username+"-hero",
	).Scan(&characterID)
	if err != nil {
		t.Fatalf("failed to seed character: %v", err)
	}

	return accountID, characterID
}

// AssertEventually 重試檢查直到條件滿足或超時
//
// 分散式狀態（在線集合、背景清掃）不是立即一致的，
// 測試需要等待而非單次斷言。
func AssertEventually(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		<-ticker.C
	}
	t.Fatalf("condition not met within %v: %s", timeout, message)
}

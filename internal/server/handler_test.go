package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/realm-server/internal/auth"
	"github.com/koopa0/realm-server/internal/lock"
	"github.com/koopa0/realm-server/internal/presence"
	"github.com/koopa0/realm-server/internal/ratelimit"
	"github.com/koopa0/realm-server/internal/realtime"
	"github.com/koopa0/realm-server/internal/server"
	"github.com/koopa0/realm-server/internal/testutils"
	apperrors "github.com/koopa0/realm-server/pkg/errors"
)

type mockAccounts struct {
	accounts map[string]*auth.Account
}

func (m *mockAccounts) GetByUsername(ctx context.Context, username string) (*auth.Account, error) {
	account, exists := m.accounts[username]
	if !exists {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "account not found")
	}
	return account, nil
}

func (m *mockAccounts) Create(ctx context.Context, username, passwordHash string) (*auth.Account, error) {
	if _, exists := m.accounts[username]; exists {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "username already taken")
	}
	account := &auth.Account{
		ID:           "user-" + username,
		Username:     username,
		PasswordHash: passwordHash,
	}
	m.accounts[username] = account
	return account, nil
}

type apiFixture struct {
	handler  http.Handler
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	presence *presence.Manager
	kv       *testutils.MockStore
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	logger := testutils.NewTestLogger()
	kv := testutils.NewMockStore()

	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	accounts := &mockAccounts{accounts: map[string]*auth.Account{
		"alice": {ID: "user-1", Username: "alice", PasswordHash: hash, CharacterID: "char-1"},
	}}
	authSvc := auth.NewService(kv, accounts, "test-secret", 15*time.Minute, time.Hour, logger)

	limiter := ratelimit.New(kv, ratelimit.ConnectionRule{
		MaxPoints:     100,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	}, logger)
	limiter.Configure("http:api", ratelimit.Rule{MaxPoints: 100, Window: time.Minute})

	presenceMgr := presence.NewManager(kv, presence.Config{
		ActivityTimeout: 5 * time.Minute,
		RecordTTL:       30 * time.Minute,
		HistoryLimit:    100,
		HistoryTTL:      24 * time.Hour,
		CleanupInterval: time.Minute,
	}, logger)

	locker := lock.New(kv, logger)
	lockOpts := lock.Options{Retries: 2, RetryDelay: time.Millisecond}

	hub := realtime.NewHub(realtime.Config{
		Auth:       authSvc,
		Presence:   presenceMgr,
		Limiter:    limiter,
		Locker:     locker,
		Store:      kv,
		Logger:     logger,
		SessionTTL: time.Hour,
		LockTTL:    time.Second,
		LockOpts:   lockOpts,
	})
	t.Cleanup(hub.Stop)

	handler := server.NewHandler(server.Config{
		Auth:     authSvc,
		Presence: presenceMgr,
		Hub:      hub,
		Locker:   locker,
		Limiter:  limiter,
		KV:       kv,
		Logger:   logger,
		LockTTL:  time.Second,
		LockOpts: lockOpts,
	})

	return &apiFixture{
		handler:  handler.Routes(),
		auth:     authSvc,
		limiter:  limiter,
		presence: presenceMgr,
		kv:       kv,
	}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	} `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (int, apiResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:50000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	return recorder.Code, resp
}

func (f *apiFixture) login(t *testing.T) *auth.TokenPair {
	t.Helper()

	status, resp := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice",
		"password": "secret",
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(resp.Data, &pair))
	return &pair
}

// TestHandler_Register 測試註冊端點
func TestHandler_Register(t *testing.T) {
	f := setupAPI(t)

	t.Run("new account returns 201 with token pair", func(t *testing.T) {
		status, resp := f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
			"username": "bob",
			"password": "longenough",
		})
		require.Equal(t, http.StatusCreated, status)
		require.True(t, resp.Success)

		var pair auth.TokenPair
		require.NoError(t, json.Unmarshal(resp.Data, &pair))
		assert.NotEmpty(t, pair.AccessToken)

		// 新帳號可立即登入
		status, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "bob",
			"password": "longenough",
		})
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("duplicate username returns 400", func(t *testing.T) {
		status, resp := f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
			"username": "alice",
			"password": "longenough",
		})
		assert.Equal(t, http.StatusBadRequest, status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "INVALID_INPUT", resp.Error.Code)
	})

	t.Run("short password returns 400", func(t *testing.T) {
		status, _ := f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
			"username": "carol",
			"password": "short",
		})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

// TestHandler_Login 測試登入端點
func TestHandler_Login(t *testing.T) {
	f := setupAPI(t)

	t.Run("valid credentials return token pair", func(t *testing.T) {
		pair := f.login(t)
		assert.NotEmpty(t, pair.AccessToken)
		assert.NotEmpty(t, pair.RefreshToken)
		assert.Equal(t, int64(900), pair.ExpiresIn)
	})

	t.Run("wrong password returns 401 with envelope", func(t *testing.T) {
		status, resp := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "alice",
			"password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, resp.Error.Code)
		assert.NotEmpty(t, resp.Error.Timestamp)
	})

	t.Run("missing fields return 400", func(t *testing.T) {
		status, resp := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "alice",
		})
		assert.Equal(t, http.StatusBadRequest, status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, apperrors.ErrCodeInvalidInput, resp.Error.Code)
	})
}

// TestHandler_RefreshLogout 測試 token 輪換與登出
func TestHandler_RefreshLogout(t *testing.T) {
	f := setupAPI(t)
	pair := f.login(t)

	status, resp := f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	require.Equal(t, http.StatusOK, status)

	var rotated auth.TokenPair
	require.NoError(t, json.Unmarshal(resp.Data, &rotated))
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// 舊的 refresh token 已輪換失效
	status, resp = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, resp.Error)

	// 登出後新的也失效
	status, _ = f.do(t, http.MethodPost, "/api/v1/auth/logout", "", map[string]string{
		"refresh_token": rotated.RefreshToken,
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": rotated.RefreshToken,
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

// TestHandler_AuthRequired 測試受保護端點的身份驗證
func TestHandler_AuthRequired(t *testing.T) {
	f := setupAPI(t)

	t.Run("missing token returns 401", func(t *testing.T) {
		status, resp := f.do(t, http.MethodGet, "/api/v1/presence/online", "", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, resp.Error.Code)
	})

	t.Run("garbage token returns 401", func(t *testing.T) {
		status, _ := f.do(t, http.MethodGet, "/api/v1/presence/online", "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})
}

// TestHandler_CombatAction 測試戰鬥動作的鎖序列化
func TestHandler_CombatAction(t *testing.T) {
	f := setupAPI(t)
	pair := f.login(t)

	t.Run("applies action and releases lock", func(t *testing.T) {
		status, resp := f.do(t, http.MethodPost, "/api/v1/combat/99/action", pair.AccessToken, map[string]string{
			"action": "fireball",
		})
		require.Equal(t, http.StatusOK, status)

		var result struct {
			SessionID string `json:"session_id"`
			Action    string `json:"action"`
			Applied   bool   `json:"applied"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &result))
		assert.Equal(t, "99", result.SessionID)
		assert.True(t, result.Applied)

		_, held := f.kv.RawValue("lock:combat:99")
		assert.False(t, held, "lock must be released after the action")
	})

	t.Run("held lock returns 503 naming the resource", func(t *testing.T) {
		require.NoError(t, f.kv.Set(context.Background(), "lock:combat:7", "foreign-holder", time.Minute))

		status, resp := f.do(t, http.MethodPost, "/api/v1/combat/7/action", pair.AccessToken, map[string]string{
			"action": "fireball",
		})
		assert.Equal(t, http.StatusServiceUnavailable, status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, apperrors.ErrCodeLockTimeout, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "combat:7")
	})

	t.Run("missing action returns 400", func(t *testing.T) {
		status, _ := f.do(t, http.MethodPost, "/api/v1/combat/99/action", pair.AccessToken, map[string]string{})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

// TestHandler_Presence 測試在線狀態端點
func TestHandler_Presence(t *testing.T) {
	f := setupAPI(t)
	pair := f.login(t)
	ctx := context.Background()

	online := true
	_, err := f.presence.UpdatePresence(ctx, "user-1", presence.Update{
		Online:   &online,
		Activity: presence.ActivityOnline,
	})
	require.NoError(t, err)

	t.Run("online list includes active user", func(t *testing.T) {
		status, resp := f.do(t, http.MethodGet, "/api/v1/presence/online", pair.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)

		var users []presence.OnlineUser
		require.NoError(t, json.Unmarshal(resp.Data, &users))
		require.Len(t, users, 1)
		assert.Equal(t, "user-1", users[0].UserID)
	})

	t.Run("user record", func(t *testing.T) {
		status, resp := f.do(t, http.MethodGet, "/api/v1/presence/user-1", pair.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)

		var record presence.Record
		require.NoError(t, json.Unmarshal(resp.Data, &record))
		assert.True(t, record.Online)
	})

	t.Run("unknown user degrades to offline record", func(t *testing.T) {
		status, resp := f.do(t, http.MethodGet, "/api/v1/presence/nobody", pair.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)

		var record presence.Record
		require.NoError(t, json.Unmarshal(resp.Data, &record))
		assert.False(t, record.Online)
	})

	t.Run("stats include hub connections", func(t *testing.T) {
		status, resp := f.do(t, http.MethodGet, "/api/v1/presence/stats", pair.AccessToken, nil)
		require.Equal(t, http.StatusOK, status)

		var stats struct {
			OnlineCount int64 `json:"online_count"`
			Connections int   `json:"connections"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &stats))
		assert.Equal(t, int64(1), stats.OnlineCount)
		assert.Zero(t, stats.Connections)
	})
}

// TestHandler_RateLimit 測試 API 限流回應
func TestHandler_RateLimit(t *testing.T) {
	f := setupAPI(t)
	f.limiter.Configure("http:api", ratelimit.Rule{MaxPoints: 2, Window: time.Minute})

	status, _ := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "secret",
	})
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "secret",
	})
	require.Equal(t, http.StatusOK, status)

	status, resp := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "secret",
	})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.ErrCodeRateLimited, resp.Error.Code)
}

// TestHandler_Health 測試存活檢查（不需要身份驗證、不限流）
func TestHandler_Health(t *testing.T) {
	f := setupAPI(t)

	status, resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)

	status, _ = f.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

// TestHandler_RequestID 測試請求 ID 回傳
func TestHandler_RequestID(t *testing.T) {
	f := setupAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(`{}`)))
	req.RemoteAddr = "10.0.0.1:50000"
	req.Header.Set("X-Request-ID", "req-123")

	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)

	assert.Equal(t, "req-123", recorder.Header().Get("X-Request-ID"))
}

package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/realm-server/internal/auth"
	"github.com/koopa0/realm-server/internal/lock"
	"github.com/koopa0/realm-server/internal/presence"
	"github.com/koopa0/realm-server/internal/ratelimit"
	"github.com/koopa0/realm-server/internal/realtime"
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

type hubFixture struct {
	hub     *realtime.Hub
	auth    *auth.Service
	limiter *ratelimit.Limiter
	kv      *testutils.MockStore
	server  *httptest.Server
	wsURL   string
}

func setupHub(t *testing.T) *hubFixture {
	t.Helper()

	logger := testutils.NewTestLogger()
	kv := testutils.NewMockStore()

	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	accounts := &mockAccounts{accounts: map[string]*auth.Account{
		"alice": {ID: "user-1", Username: "alice", PasswordHash: hash, CharacterID: "char-1"},
		"bob":   {ID: "user-2", Username: "bob", PasswordHash: hash, CharacterID: "char-2"},
	}}
	authSvc := auth.NewService(kv, accounts, "test-secret", 15*time.Minute, time.Hour, logger)

	limiter := ratelimit.New(kv, ratelimit.ConnectionRule{
		MaxPoints:     100,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	}, logger)

	presenceMgr := presence.NewManager(kv, presence.Config{
		ActivityTimeout: 5 * time.Minute,
		RecordTTL:       30 * time.Minute,
		HistoryLimit:    100,
		HistoryTTL:      24 * time.Hour,
		CleanupInterval: time.Minute,
	}, logger)

	hub := realtime.NewHub(realtime.Config{
		Auth:       authSvc,
		Presence:   presenceMgr,
		Limiter:    limiter,
		Locker:     lock.New(kv, logger),
		Store:      kv,
		Logger:     logger,
		SessionTTL: time.Hour,
		LockTTL:    time.Second,
		LockOpts:   lock.Options{Retries: 3, RetryDelay: time.Millisecond},
	})

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Stop()
		server.Close()
	})

	return &hubFixture{
		hub:     hub,
		auth:    authSvc,
		limiter: limiter,
		kv:      kv,
		server:  server,
		wsURL:   "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (f *hubFixture) login(t *testing.T, username string) string {
	t.Helper()

	pair, err := f.auth.Login(context.Background(), username, "secret", "127.0.0.1", "test")
	require.NoError(t, err)
	return pair.AccessToken
}

// dial 建立連接並消化 connection:established
func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"?token="+token, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	event := readEvent(t, conn)
	require.Equal(t, realtime.EventConnected, event.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) realtime.Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var event realtime.Event
	require.NoError(t, json.Unmarshal(message, &event))
	return event
}

func sendEvent(t *testing.T, conn *websocket.Conn, event realtime.Event) {
	t.Helper()

	data, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// TestHub_Connect 測試連接閘門
func TestHub_Connect(t *testing.T) {
	f := setupHub(t)

	t.Run("missing token rejected before upgrade", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, 401, resp.StatusCode)
	})

	t.Run("invalid token rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"?token=garbage", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, 401, resp.StatusCode)
	})

	t.Run("valid token receives connection established", func(t *testing.T) {
		token := f.login(t, "alice")
		conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"?token="+token, nil)
		require.NoError(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		defer conn.Close()

		event := readEvent(t, conn)
		assert.Equal(t, realtime.EventConnected, event.Type)

		var data struct {
			ConnectionID string `json:"connection_id"`
			UserID       string `json:"user_id"`
		}
		require.NoError(t, json.Unmarshal(event.Data, &data))
		assert.NotEmpty(t, data.ConnectionID)
		assert.Equal(t, "user-1", data.UserID)

		stats := f.hub.Stats()
		assert.Equal(t, 1, stats.Connections)
	})
}

// TestHub_ConnectionRateLimit 測試連線限流拒絕（結構化，非靜默）
func TestHub_ConnectionRateLimit(t *testing.T) {
	f := setupHub(t)
	f.limiter.Configure(ratelimit.EventConnection, ratelimit.Rule{MaxPoints: 1, Window: time.Minute})
	token := f.login(t, "alice")

	f.dial(t, token)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"?token="+token, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, 429, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

// TestHub_PingPong 測試應用層 ping
func TestHub_PingPong(t *testing.T) {
	f := setupHub(t)
	conn := f.dial(t, f.login(t, "alice"))

	sendEvent(t, conn, realtime.Event{Type: realtime.EventPing})

	event := readEvent(t, conn)
	assert.Equal(t, realtime.EventPong, event.Type)
}

// TestHub_ChatBroadcast 測試聊天廣播到所有連接
func TestHub_ChatBroadcast(t *testing.T) {
	f := setupHub(t)
	alice := f.dial(t, f.login(t, "alice"))
	bob := f.dial(t, f.login(t, "bob"))

	sendEvent(t, alice, realtime.Event{
		Type: realtime.EventChat,
		Data: json.RawMessage(`{"text":"hello realm"}`),
	})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		event := readEvent(t, conn)
		require.Equal(t, realtime.EventChat, event.Type, "receiver %s", name)

		var data struct {
			From     string `json:"from"`
			Username string `json:"username"`
			Text     string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(event.Data, &data))
		assert.Equal(t, "user-1", data.From)
		assert.Equal(t, "alice", data.Username)
		assert.Equal(t, "hello realm", data.Text)
	}
}

// TestHub_EventRateLimit 測試事件限流的結構化拒絕
func TestHub_EventRateLimit(t *testing.T) {
	f := setupHub(t)
	f.limiter.Configure(ratelimit.EventChat, ratelimit.Rule{MaxPoints: 1, Window: time.Minute})
	conn := f.dial(t, f.login(t, "alice"))

	sendEvent(t, conn, realtime.Event{
		Type: realtime.EventChat,
		Data: json.RawMessage(`{"text":"first"}`),
	})
	first := readEvent(t, conn)
	require.Equal(t, realtime.EventChat, first.Type)

	sendEvent(t, conn, realtime.Event{
		Type: realtime.EventChat,
		Data: json.RawMessage(`{"text":"second"}`),
	})
	denied := readEvent(t, conn)
	assert.Equal(t, realtime.EventRateLimited, denied.Type)
	assert.Equal(t, realtime.EventChat, denied.Event)
	assert.NotEmpty(t, denied.Message)
	assert.Greater(t, denied.RetryAfter, int64(0))

	// 連接保持打開：ping 仍然有回應
	sendEvent(t, conn, realtime.Event{Type: realtime.EventPing})
	pong := readEvent(t, conn)
	assert.Equal(t, realtime.EventPong, pong.Type)
}

// TestHub_UnknownEvent 測試未知事件類型的錯誤回應
func TestHub_UnknownEvent(t *testing.T) {
	f := setupHub(t)
	conn := f.dial(t, f.login(t, "alice"))

	sendEvent(t, conn, realtime.Event{Type: "no:such:event"})

	event := readEvent(t, conn)
	assert.Equal(t, realtime.EventError, event.Type)
	assert.Equal(t, "no:such:event", event.Event)
}

// TestHub_ReconnectEvictsOldConnection 測試重連驅逐舊連接
func TestHub_ReconnectEvictsOldConnection(t *testing.T) {
	f := setupHub(t)
	token := f.login(t, "alice")

	first := f.dial(t, token)
	_ = f.dial(t, token)

	// 舊連接被驅逐後讀取會失敗
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			break
		}
	}

	stats := f.hub.Stats()
	assert.Equal(t, 1, stats.Connections, "only the newest connection survives")
}

// TestHub_ReconnectDuringEventStream 測試驅逐期間仍在派發事件的舊連接
//
// 舊連接持續觸發限流拒絕（單連接回覆路徑）時同用戶重連，
// hub 必須正常驅逐並繼續服務新連接。
func TestHub_ReconnectDuringEventStream(t *testing.T) {
	f := setupHub(t)
	f.limiter.Configure(ratelimit.EventChat, ratelimit.Rule{MaxPoints: 1, Window: time.Minute})
	token := f.login(t, "alice")

	first := f.dial(t, token)

	flood, err := json.Marshal(realtime.Event{
		Type: realtime.EventChat,
		Data: json.RawMessage(`{"text":"spam"}`),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if err := first.WriteMessage(websocket.TextMessage, flood); err != nil {
				return
			}
		}
	}()

	second := f.dial(t, token)
	<-done

	// 舊連接被驅逐後讀取最終失敗
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// hub 未受影響：新連接的 ping 仍有回應
	sendEvent(t, second, realtime.Event{Type: realtime.EventPing})
	for {
		event := readEvent(t, second)
		if event.Type == realtime.EventPong {
			break
		}
	}
	assert.Equal(t, 1, f.hub.Stats().Connections)
}

// presenceDownStore 模擬在線狀態寫入失敗的後端
type presenceDownStore struct {
	*testutils.MockStore
}

func (s *presenceDownStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, "presence:") {
		return errors.New("connection refused")
	}
	return s.MockStore.Set(ctx, key, value, ttl)
}

// TestHub_PresenceFailureOnConnect 測試在線狀態寫入失敗時連接被拒絕
//
// 客戶端必須在關閉前收到結構化錯誤與關閉幀，絕不靜默斷開。
func TestHub_PresenceFailureOnConnect(t *testing.T) {
	logger := testutils.NewTestLogger()
	kv := &presenceDownStore{MockStore: testutils.NewMockStore()}

	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	accounts := &mockAccounts{accounts: map[string]*auth.Account{
		"alice": {ID: "user-1", Username: "alice", PasswordHash: hash},
	}}
	authSvc := auth.NewService(kv, accounts, "test-secret", 15*time.Minute, time.Hour, logger)

	limiter := ratelimit.New(kv, ratelimit.ConnectionRule{
		MaxPoints:     100,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	}, logger)

	presenceMgr := presence.NewManager(kv, presence.Config{
		ActivityTimeout: 5 * time.Minute,
		RecordTTL:       30 * time.Minute,
		HistoryLimit:    100,
		HistoryTTL:      24 * time.Hour,
		CleanupInterval: time.Minute,
	}, logger)

	hub := realtime.NewHub(realtime.Config{
		Auth:       authSvc,
		Presence:   presenceMgr,
		Limiter:    limiter,
		Locker:     lock.New(kv, logger),
		Store:      kv,
		Logger:     logger,
		SessionTTL: time.Hour,
		LockTTL:    time.Second,
		LockOpts:   lock.Options{Retries: 3, RetryDelay: time.Millisecond},
	})

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Stop()
		server.Close()
	})
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	pair, err := authSvc.Login(context.Background(), "alice", "secret", "127.0.0.1", "test")
	require.NoError(t, err)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+pair.AccessToken, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	event := readEvent(t, conn)
	assert.Equal(t, realtime.EventError, event.Type)
	assert.Equal(t, "presence unavailable", event.Message)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))

	assert.Equal(t, 0, hub.Stats().Connections)
}

// TestHub_NotifyUsers 測試定向推送
func TestHub_NotifyUsers(t *testing.T) {
	f := setupHub(t)
	alice := f.dial(t, f.login(t, "alice"))
	bob := f.dial(t, f.login(t, "bob"))

	f.hub.NotifyUsers([]string{"user-2"}, realtime.Event{
		Type: "quest:update",
		Data: json.RawMessage(`{"quest_id":"q1"}`),
	})

	event := readEvent(t, bob)
	assert.Equal(t, "quest:update", event.Type)

	// alice 不應收到：短暫等待後讀取超時
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err)
}

// TestHub_CombatActionLock 測試戰鬥動作的鎖序列化與廣播
func TestHub_CombatActionLock(t *testing.T) {
	f := setupHub(t)
	conn := f.dial(t, f.login(t, "alice"))

	sendEvent(t, conn, realtime.Event{
		Type: realtime.EventCombat,
		Data: json.RawMessage(`{"session_id":"42","action":"fireball"}`),
	})

	event := readEvent(t, conn)
	require.Equal(t, realtime.EventCombat, event.Type)

	var data struct {
		SessionID string `json:"session_id"`
		Actor     string `json:"actor"`
		Action    string `json:"action"`
	}
	require.NoError(t, json.Unmarshal(event.Data, &data))
	assert.Equal(t, "42", data.SessionID)
	assert.Equal(t, "user-1", data.Actor)
	assert.Equal(t, "fireball", data.Action)

	// 廣播發生在鎖釋放之前，稍等釋放完成
	testutils.AssertEventually(t, func() bool {
		_, held := f.kv.RawValue("lock:combat:42")
		return !held
	}, time.Second, "combat lock should be released after the action")
}

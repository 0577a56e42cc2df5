// Package realtime 實作 websocket 實時通信層
//
// 系統設計問題：
//
//	如何實現 MMORPG 的實時狀態同步（聊天、移動、戰鬥）？
//
// 核心挑戰：
//  1. 實時通信：事件需要立即推送給在線玩家
//  2. 連接管理：斷線、重連、同一用戶多連接
//  3. 濫用防護：每個入站事件都要過限流，拒絕必須給出結構化回應
//  4. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//
// 設計方案：
//
//	✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//	✅ Hub 模式 - 集中管理所有連接
//	✅ 連接狀態機 - Connecting → Authenticated → Active → Disconnected
//	✅ 單一權威連接 - 重連驅逐同用戶的舊連接（本地 + 分散式）
//	✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//	✅ 緩衝 channel - 異步發送（不阻塞）
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/realm-server/internal/auth"
	"github.com/koopa0/realm-server/internal/character"
	"github.com/koopa0/realm-server/internal/lock"
	"github.com/koopa0/realm-server/internal/presence"
	"github.com/koopa0/realm-server/internal/ratelimit"
	"github.com/koopa0/realm-server/internal/store"
)

// State 連接狀態機的狀態
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection 一條 websocket 連接
//
// 狀態轉移只會向前：Connecting → Authenticated → Active → Disconnected。
type Connection struct {
	ID          string
	UserID      string
	Username    string
	CharacterID string
	RemoteIP    string

	conn *websocket.Conn
	Send chan []byte
	hub  *Hub

	state    State
	LastPing time.Time
	mu       sync.Mutex
	closed   bool // mu 保護；置位後 Send 不再接受寫入
}

// State 讀取當前狀態
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState 狀態只向前推進，回退請求被忽略
func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s > c.state {
		c.state = s
	}
}

// Hub websocket 連接中心
//
// 連接映射：connID -> Connection，外加 userID -> connID 索引。
// 單一權威連接策略讓每個用戶至多對應一條本地連接。
type Hub struct {
	auth       *auth.Service
	presence   *presence.Manager
	limiter    *ratelimit.Limiter
	locker     *lock.Lock
	characters *character.Store
	store      store.KV
	logger     *slog.Logger

	upgrader websocket.Upgrader

	conns  map[string]*Connection // connID -> Connection
	byUser map[string]string      // userID -> connID
	mu     sync.RWMutex

	handlers map[string]Handler

	sessionTTL time.Duration
	lockOpts   lock.Options
	lockTTL    time.Duration
}

// Config hub 依賴與參數
type Config struct {
	Auth       *auth.Service
	Presence   *presence.Manager
	Limiter    *ratelimit.Limiter
	Locker     *lock.Lock
	Characters *character.Store
	Store      store.KV
	Logger     *slog.Logger

	SessionTTL time.Duration
	LockTTL    time.Duration
	LockOpts   lock.Options
}

// NewHub 建立 websocket hub 並註冊事件處理器
func NewHub(cfg Config) *Hub {
	hub := &Hub{
		auth:       cfg.Auth,
		presence:   cfg.Presence,
		limiter:    cfg.Limiter,
		locker:     cfg.Locker,
		characters: cfg.Characters,
		store:      cfg.Store,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:      make(map[string]*Connection),
		byUser:     make(map[string]string),
		handlers:   make(map[string]Handler),
		sessionTTL: cfg.SessionTTL,
		lockTTL:    cfg.LockTTL,
		lockOpts:   cfg.LockOpts,
	}

	hub.registerHandlers()
	return hub
}

// ServeWS 處理 websocket 連接
//
// 連接閘門順序：限流 → 身份驗證 → 升級 → 重連處理。
// 限流拒絕走 HTTP 429（升級前），帶結構化回應，絕不靜默丟棄。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	remoteIP := remoteIP(r)

	result := hub.limiter.CheckConnection(r.Context(), remoteIP)
	if !result.Allowed {
		hub.logger.Warn("connection rate limited", "remote_ip", remoteIP)
		writeConnectionDenied(w, result.RetryAfter)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return
	}

	claims, err := hub.auth.Verify(token)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}

	wsConn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	connection := &Connection{
		ID:          uuid.NewString(),
		UserID:      claims.UserID,
		Username:    claims.Username,
		CharacterID: claims.CharacterID,
		RemoteIP:    remoteIP,
		conn:        wsConn,
		Send:        make(chan []byte, 256),
		hub:         hub,
		state:       StateConnecting,
		LastPing:    time.Now(),
	}
	connection.setState(StateAuthenticated)

	// 在線狀態寫入失敗必須讓連接失敗，否則連接存在但邏輯上不在線
	ctx := r.Context()
	evicted, err := hub.presence.HandleReconnect(ctx, connection.UserID, connection.ID)
	if err != nil {
		hub.logger.Error("presence update failed on connect", "user_id", connection.UserID, "error", err)
		// writePump 尚未啟動，直接寫入底層連接再關閉
		deadline := time.Now().Add(time.Second)
		if data, marshalErr := json.Marshal(Event{Type: EventError, Message: "presence unavailable"}); marshalErr == nil {
			_ = wsConn.SetWriteDeadline(deadline)
			_ = wsConn.WriteMessage(websocket.TextMessage, data)
		}
		_ = wsConn.SetWriteDeadline(deadline)
		_ = wsConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "presence unavailable"))
		wsConn.Close()
		return
	}

	// 分散式驅逐已完成，關閉對應的本地連接
	for _, oldID := range evicted {
		hub.closeByID(oldID)
	}

	hub.writeSession(ctx, connection)
	hub.register(connection)

	go connection.writePump()
	go connection.readPump()

	connection.setState(StateActive)
	connection.sendEvent(Event{
		Type: EventConnected,
		Data: mustMarshal(map[string]any{
			"connection_id": connection.ID,
			"user_id":       connection.UserID,
		}),
	})

	hub.logger.Info("websocket connected",
		"conn_id", connection.ID,
		"user_id", connection.UserID,
		"remote_ip", remoteIP)
}

// writeSession 記錄連接會話（供重連驅逐時清理）
func (hub *Hub) writeSession(ctx context.Context, c *Connection) {
	session := map[string]any{
		"connection_id": c.ID,
		"ip":            c.RemoteIP,
		"connected_at":  time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(session)
	key := "session:" + c.UserID + ":" + c.ID
	if err := hub.store.Set(ctx, key, string(data), hub.sessionTTL); err != nil {
		hub.logger.Warn("failed to write session record", "conn_id", c.ID, "error", err)
	}
}

// register 註冊連接，同用戶的舊本地連接先關閉
func (hub *Hub) register(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if oldID, exists := hub.byUser[c.UserID]; exists {
		if old, ok := hub.conns[oldID]; ok {
			old.close()
			delete(hub.conns, oldID)
		}
	}

	hub.conns[c.ID] = c
	hub.byUser[c.UserID] = c.ID
}

// unregister 取消註冊並更新在線狀態
func (hub *Hub) unregister(c *Connection) {
	hub.mu.Lock()
	if actual, exists := hub.conns[c.ID]; exists && actual == c {
		delete(hub.conns, c.ID)
		if hub.byUser[c.UserID] == c.ID {
			delete(hub.byUser, c.UserID)
		}
		c.close()
	}
	hub.mu.Unlock()

	c.setState(StateDisconnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.presence.HandleDisconnect(ctx, c.UserID, c.ID)
}

// closeByID 關閉指定連接（被分散式驅逐時）
func (hub *Hub) closeByID(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if c, exists := hub.conns[connID]; exists {
		c.setState(StateDisconnected)
		c.close()
		delete(hub.conns, connID)
		if hub.byUser[c.UserID] == connID {
			delete(hub.byUser, c.UserID)
		}
	}
}

// close 關閉 Send channel 與底層連接，保證只執行一次
//
// closed 置位與 close(Send) 在同一個臨界區內完成：被驅逐連接的
// readPump 可能還在派發事件，入隊必須經過 trySend 的同一把鎖，
// 否則會在已關閉的 channel 上發送。
func (c *Connection) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()
	c.conn.Close()
}

// trySend 非阻塞入隊，連接已關閉或緩衝區滿時返回 false
func (c *Connection) trySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.Send <- message:
		return true
	default:
		return false
	}
}

// Broadcast 廣播事件給所有在線連接
//
// 緩衝區滿的慢連接直接跳過，不拖累其他玩家。
func (hub *Hub) Broadcast(event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		hub.logger.Error("failed to marshal broadcast event", "type", event.Type, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for _, c := range hub.conns {
		if !c.trySend(message) {
			hub.logger.Warn("send buffer full, dropping broadcast",
				"conn_id", c.ID, "user_id", c.UserID)
		}
	}
}

// NotifyUsers 推送事件給指定用戶
func (hub *Hub) NotifyUsers(userIDs []string, event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		hub.logger.Error("failed to marshal notify event", "type", event.Type, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for _, userID := range userIDs {
		connID, exists := hub.byUser[userID]
		if !exists {
			continue
		}
		c := hub.conns[connID]
		if !c.trySend(message) {
			hub.logger.Warn("send buffer full, dropping notify",
				"conn_id", c.ID, "user_id", c.UserID)
		}
	}
}

// HubStats hub 運行統計
type HubStats struct {
	Connections int            `json:"connections"`
	ByState     map[string]int `json:"by_state"`
}

// Stats 返回連接統計
func (hub *Hub) Stats() HubStats {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	stats := HubStats{
		Connections: len(hub.conns),
		ByState:     make(map[string]int),
	}
	for _, c := range hub.conns {
		stats.ByState[c.State().String()]++
	}
	return stats
}

// Stop 關閉所有連接
func (hub *Hub) Stop() {
	hub.mu.Lock()
	for _, c := range hub.conns {
		c.setState(StateDisconnected)
		c.close()
	}
	hub.conns = make(map[string]*Connection)
	hub.byUser = make(map[string]string)
	hub.mu.Unlock()

	hub.logger.Info("websocket hub stopped")
}

// readPump 讀取客戶端消息
//
// 心跳：60 秒讀取超時，配合 writePump 的 54 秒 Ping（留 6 秒余量）。
// 收到 Pong 即重置超時。
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		c.hub.logger.Error("failed to set read deadline", "error", err)
	}

	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			c.hub.logger.Error("failed to set read deadline", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket read error",
					"error", err,
					"conn_id", c.ID,
					"user_id", c.UserID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.hub.dispatch(c, message)
		}
	}
}

// writePump 寫入消息到客戶端
//
// 54 秒 Ping 間隔避開常見的 60 秒代理超時。
// 異步發送走緩衝 channel，批量清空隊列減少系統調用。
func (c *Connection) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.hub.logger.Error("failed to set write deadline", "error", err)
			}
			if !ok {
				deadline := time.Now().Add(time.Second)
				if err := c.conn.SetWriteDeadline(deadline); err == nil {
					_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					c.hub.logger.Error("failed to send message", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.hub.logger.Error("failed to set write deadline", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendEvent 發送事件到單一連接（連接已關閉或緩衝區滿即丟棄）
func (c *Connection) sendEvent(event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		c.hub.logger.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}
	if !c.trySend(message) {
		c.hub.logger.Warn("dropping event",
			"conn_id", c.ID, "type", event.Type)
	}
}

// remoteIP 解析客戶端 IP（去掉端口）
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken 從查詢參數或 Authorization 標頭取得 token
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// writeConnectionDenied 升級前的限流拒絕回應
func writeConnectionDenied(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", formatSeconds(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]any{
			"code":      "RATE_LIMIT_EXCEEDED",
			"message":   "too many connection attempts",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		"retry_after_ms": retryAfter.Milliseconds(),
	})
}

func formatSeconds(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// Package presence 實作用戶在線狀態與連接會話管理
//
// 系統設計問題：
//
//	socket 連接來來去去（斷線、重連、多分頁），
//	如何維護「用戶是否在線」這個邏輯狀態？
//
// 核心挑戰：
//  1. 連接 ≠ 用戶：一個用戶可能短時間內有多個連接（重連殘留、多裝置）
//  2. 陳舊狀態：崩潰的連接不會發送 disconnect，online 記錄會殘留
//  3. 一致性：記錄中的 online 必須與全域在線集合的成員資格一致
//  4. 降級：查詢操作在後端故障時返回安全預設值，不能讓 realtime 層跟著故障
//
// 設計方案：
//
//	✅ TTL 記錄 + 惰性修正 - 讀取時發現過期即更正為離線（主要機制）
//	✅ 週期掃描 - 背景清掃在線集合中的陳舊成員（第二道防線，兩者並存）
//	✅ 單一權威連接 - 重連時驅逐該用戶的其他連接 ID 與其會話 key
//	✅ 有界活動時間線 - 每用戶最多 100 條、24 小時過期
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/realm-server/internal/store"
	apperrors "github.com/koopa0/realm-server/pkg/errors"
)

// Activity 用戶活動狀態
type Activity string

const (
	ActivityOnline      Activity = "online"
	ActivityAway        Activity = "away"
	ActivityReconnected Activity = "reconnected"
	ActivityOffline     Activity = "offline"
)

// Record 用戶在線記錄
//
// 不變量：Online 為 true 時，用戶必定在全域在線集合中
// （以 LastSeenMs 為分數）；離線或超過活動超時即移出。
type Record struct {
	UserID       string   `json:"user_id"`
	Online       bool     `json:"online"`
	LastSeenMs   int64    `json:"last_seen_ms"`
	ConnectionID string   `json:"connection_id,omitempty"`
	Activity     Activity `json:"activity"`
	CharacterID  string   `json:"character_id,omitempty"`
	Zone         string   `json:"zone,omitempty"`
	IP           string   `json:"ip,omitempty"`
	UserAgent    string   `json:"user_agent,omitempty"`
}

// Update 部分欄位更新
//
// 指標欄位為 nil 表示不變更；字串欄位為空也表示不變更。
type Update struct {
	Online       *bool
	ConnectionID *string
	Activity     Activity
	CharacterID  string
	Zone         string
	IP           string
	UserAgent    string
}

// HistoryEntry 活動時間線的一條記錄
type HistoryEntry struct {
	Activity    Activity          `json:"activity"`
	TimestampMs int64             `json:"timestamp_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OnlineUser 在線用戶查詢結果
type OnlineUser struct {
	UserID     string `json:"user_id"`
	LastSeenMs int64  `json:"last_seen_ms"`
}

// Stats 在線統計
type Stats struct {
	OnlineCount int64 `json:"online_count"`
	ActiveCount int64 `json:"active_count"` // 活動超時內有動靜的用戶數
}

// Config 管理器設定
type Config struct {
	// ActivityTimeout 超過此時間未活動視為陳舊（惰性修正為離線）
	ActivityTimeout time.Duration

	// RecordTTL 在線記錄的過期時間（每次寫入刷新）
	RecordTTL time.Duration

	// HistoryLimit / HistoryTTL 活動時間線的上限與過期
	HistoryLimit int
	HistoryTTL   time.Duration

	// CleanupInterval 背景掃描間隔
	CleanupInterval time.Duration
}

// Manager 在線狀態管理器
type Manager struct {
	store  store.KV
	config Config
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 建立在線狀態管理器
func NewManager(kv store.KV, config Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:  kv,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

const onlineSetKey = "presence:online"

func presenceKey(userID string) string {
	return "presence:user:" + userID
}

func connSetKey(userID string) string {
	return "presence:conns:" + userID
}

func historyKey(userID string) string {
	return "presence:history:" + userID
}

func sessionKey(userID, connID string) string {
	return "session:" + userID + ":" + connID
}

// UpdatePresence 讀取-合併-寫入在線記錄
//
// 每次更新都刷新 LastSeenMs 與記錄 TTL，
// 並把 Online 鏡射到全域在線集合（加入或移出）。
//
// 錯誤處理：此操作的失敗「必須」回報給呼叫方 —
// 默默丟失一次在線寫入會讓連接生命週期與邏輯狀態脫節。
func (m *Manager) UpdatePresence(ctx context.Context, userID string, update Update) (*Record, error) {
	record, err := m.readRecord(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "presence read failed")
	}
	if record == nil {
		record = &Record{UserID: userID, Activity: ActivityOffline}
	}

	if update.Online != nil {
		record.Online = *update.Online
	}
	if update.ConnectionID != nil {
		record.ConnectionID = *update.ConnectionID
	}
	if update.Activity != "" {
		record.Activity = update.Activity
	}
	if update.CharacterID != "" {
		record.CharacterID = update.CharacterID
	}
	if update.Zone != "" {
		record.Zone = update.Zone
	}
	if update.IP != "" {
		record.IP = update.IP
	}
	if update.UserAgent != "" {
		record.UserAgent = update.UserAgent
	}

	record.LastSeenMs = time.Now().UnixMilli()

	if err := m.writeRecord(ctx, record); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "presence write failed")
	}

	// 鏡射在線集合成員資格
	if record.Online {
		err = m.store.ZAdd(ctx, onlineSetKey, float64(record.LastSeenMs), userID)
	} else {
		err = m.store.ZRem(ctx, onlineSetKey, userID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "online set update failed")
	}

	return record, nil
}

// GetPresence 查詢用戶在線記錄
//
// 惰性過期：記錄宣稱在線但 LastSeenMs 已超過活動超時，
// 讀取當下即更正為離線並回寫（這是主要的陳舊解決機制，
// 背景掃描只是第二道防線）。
//
// 錯誤處理：後端錯誤降級為離線記錄並記錄日誌，不向上傳播 —
// 查詢路徑的可用性優先。
func (m *Manager) GetPresence(ctx context.Context, userID string) *Record {
	record, err := m.readRecord(ctx, userID)
	if err != nil {
		m.logger.Warn("presence read failed, returning offline", "user_id", userID, "error", err)
		return &Record{UserID: userID, Activity: ActivityOffline}
	}
	if record == nil {
		return &Record{UserID: userID, Activity: ActivityOffline}
	}

	if record.Online && m.isStale(record.LastSeenMs) {
		record.Online = false
		record.Activity = ActivityAway
		record.ConnectionID = ""

		// 回寫更正後的記錄；失敗只記錄，查詢結果仍然正確
		if err := m.writeRecord(ctx, record); err != nil {
			m.logger.Warn("failed to persist lazy expiry", "user_id", userID, "error", err)
		}
		if err := m.store.ZRem(ctx, onlineSetKey, userID); err != nil {
			m.logger.Warn("failed to remove stale user from online set", "user_id", userID, "error", err)
		}
	}

	return record
}

// HandleReconnect 處理（重新）連接
//
// 單一權威連接策略：新連接成為該用戶唯一有效的連接，
// 其他被追蹤的連接 ID 全部驅逐（含其會話 key）。
// 返回被驅逐的連接 ID，讓 realtime 層關閉對應的本地連接。
func (m *Manager) HandleReconnect(ctx context.Context, userID, connID string) ([]string, error) {
	online := true
	if _, err := m.UpdatePresence(ctx, userID, Update{
		Online:       &online,
		ConnectionID: &connID,
		Activity:     ActivityReconnected,
	}); err != nil {
		return nil, err
	}

	tracked, err := m.store.SMembers(ctx, connSetKey(userID))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "connection set read failed")
	}

	var evicted []string
	for _, other := range tracked {
		if other == connID {
			continue
		}
		evicted = append(evicted, other)

		if err := m.store.SRem(ctx, connSetKey(userID), other); err != nil {
			m.logger.Warn("failed to evict connection", "user_id", userID, "conn_id", other, "error", err)
		}
		if err := m.store.Delete(ctx, sessionKey(userID, other)); err != nil {
			m.logger.Warn("failed to delete session key", "user_id", userID, "conn_id", other, "error", err)
		}
	}

	if err := m.store.SAdd(ctx, connSetKey(userID), connID); err != nil {
		return evicted, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "connection set write failed")
	}

	return evicted, nil
}

// HandleDisconnect 處理斷線
//
// 移除連接 ID 後若用戶已無任何連接，標記為離線。
// 重連不在伺服器端等待寬限期 — 新連接到達時以 HandleReconnect 重新上線。
func (m *Manager) HandleDisconnect(ctx context.Context, userID, connID string) {
	if err := m.store.SRem(ctx, connSetKey(userID), connID); err != nil {
		m.logger.Warn("failed to remove connection", "user_id", userID, "conn_id", connID, "error", err)
	}
	if err := m.store.Delete(ctx, sessionKey(userID, connID)); err != nil {
		m.logger.Warn("failed to delete session key", "user_id", userID, "conn_id", connID, "error", err)
	}

	remaining, err := m.store.SMembers(ctx, connSetKey(userID))
	if err != nil {
		m.logger.Warn("failed to read connection set", "user_id", userID, "error", err)
		return
	}
	if len(remaining) > 0 {
		return
	}

	offline := false
	empty := ""
	if _, err := m.UpdatePresence(ctx, userID, Update{
		Online:       &offline,
		ConnectionID: &empty,
		Activity:     ActivityOffline,
	}); err != nil {
		m.logger.Error("failed to mark user offline", "user_id", userID, "error", err)
	}
}

// TrackActivity 記錄一次用戶活動
//
// 更新在線記錄的活動狀態，並追加到有界活動時間線。
func (m *Manager) TrackActivity(ctx context.Context, userID string, activity Activity, metadata map[string]string) error {
	if _, err := m.UpdatePresence(ctx, userID, Update{Activity: activity}); err != nil {
		return err
	}

	entry := HistoryEntry{
		Activity:    activity,
		TimestampMs: time.Now().UnixMilli(),
		Metadata:    metadata,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := m.store.HistoryAppend(ctx, historyKey(userID), string(data),
		int64(m.config.HistoryLimit), m.config.HistoryTTL); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "activity history append failed")
	}

	return nil
}

// GetOnlineUsers 查詢在線用戶（最近活躍優先）
//
// 後端錯誤或 key 不存在都返回空列表，絕不報錯。
func (m *Manager) GetOnlineUsers(ctx context.Context, limit int) []OnlineUser {
	if limit <= 0 {
		limit = 50
	}

	members, err := m.store.ZRevRangeWithScores(ctx, onlineSetKey, 0, int64(limit)-1)
	if err != nil {
		m.logger.Warn("online users query failed, returning empty", "error", err)
		return nil
	}

	users := make([]OnlineUser, 0, len(members))
	for _, member := range members {
		users = append(users, OnlineUser{
			UserID:     member.Member,
			LastSeenMs: int64(member.Score),
		})
	}
	return users
}

// GetActivityHistory 查詢用戶活動時間線（新到舊）
func (m *Manager) GetActivityHistory(ctx context.Context, userID string, limit int) []HistoryEntry {
	if limit <= 0 || limit > m.config.HistoryLimit {
		limit = m.config.HistoryLimit
	}

	raw, err := m.store.LRange(ctx, historyKey(userID), 0, int64(limit)-1)
	if err != nil {
		m.logger.Warn("activity history query failed, returning empty", "user_id", userID, "error", err)
		return nil
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// GetPresenceStats 在線統計
func (m *Manager) GetPresenceStats(ctx context.Context) Stats {
	stats := Stats{}

	if count, err := m.store.ZCard(ctx, onlineSetKey); err == nil {
		stats.OnlineCount = count
	} else {
		m.logger.Warn("presence stats query failed", "error", err)
	}

	cutoff := float64(time.Now().Add(-m.config.ActivityTimeout).UnixMilli())
	if active, err := m.store.ZRangeByScore(ctx, onlineSetKey, cutoff, float64(time.Now().UnixMilli())); err == nil {
		stats.ActiveCount = int64(len(active))
	}

	return stats
}

// CleanupOfflineUsers 掃描在線集合中的陳舊成員
//
// 惰性過期的第二道防線：從未被查詢的陳舊用戶也會被清掉。
// 返回清理的用戶數。
func (m *Manager) CleanupOfflineUsers(ctx context.Context) int {
	cutoff := float64(time.Now().Add(-m.config.ActivityTimeout).UnixMilli())

	stale, err := m.store.ZRangeByScore(ctx, onlineSetKey, 0, cutoff)
	if err != nil {
		m.logger.Warn("offline cleanup scan failed", "error", err)
		return 0
	}

	cleaned := 0
	for _, userID := range stale {
		record, err := m.readRecord(ctx, userID)
		if err != nil {
			continue
		}

		if record != nil && record.Online {
			record.Online = false
			record.Activity = ActivityAway
			record.ConnectionID = ""
			if err := m.writeRecord(ctx, record); err != nil {
				m.logger.Warn("failed to persist cleanup", "user_id", userID, "error", err)
			}
		}

		if err := m.store.ZRem(ctx, onlineSetKey, userID); err != nil {
			m.logger.Warn("failed to remove from online set", "user_id", userID, "error", err)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		m.logger.Info("cleaned up stale online users", "count", cleaned)
	}
	return cleaned
}

// Start 啟動背景清掃
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				m.CleanupOfflineUsers(ctx)
				cancel()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop 停止背景清掃
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// isStale 是否超過活動超時
func (m *Manager) isStale(lastSeenMs int64) bool {
	return time.Now().UnixMilli()-lastSeenMs > m.config.ActivityTimeout.Milliseconds()
}

// readRecord 讀取在線記錄；不存在返回 (nil, nil)
func (m *Manager) readRecord(ctx context.Context, userID string) (*Record, error) {
	value, ok, err := m.store.Get(ctx, presenceKey(userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		// 壞掉的記錄視為不存在（寫入路徑會重建）
		m.logger.Warn("corrupt presence record", "user_id", userID, "error", err)
		return nil, nil
	}
	return &record, nil
}

// writeRecord 寫入在線記錄並刷新 TTL
func (m *Manager) writeRecord(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, presenceKey(record.UserID), string(data), m.config.RecordTTL)
}

// Package ratelimit 實作滑動視窗限流器
//
// 系統設計問題：
//
//	如何在多實例間共享限流狀態，並對 HTTP 請求與 realtime 事件套用同一套預算？
//
// 核心挑戰：
//  1. 邊界問題：固定視窗在視窗交界處可放行兩倍流量，滑動視窗沒有此問題
//  2. 原子性：清理過期條目、計數、插入必須單次執行，否則併發請求會超賣
//  3. 多維度：連線（IP）、聊天、移動、戰鬥、心跳各有獨立預算
//  4. 可用性：Redis 故障時限流器降級放行（fail open），不能拖垮整個服務
//
// 設計方案：
//
//	✅ Redis Sorted Set - score 為時間戳記，天然支援時間範圍清理與計數
//	✅ Lua 腳本 - 清理 + 計數 + 插入 + TTL 單次原子執行
//	✅ 事件預算表 - 執行期可調整（Configure/Remove），預設涵蓋遊戲事件
//	✅ 全域連線限流 - IP 維度的第一道防線，耗盡後追加封鎖期
//
// 已知行為（刻意保留）：
//
//	當前請求「先插入、後判定」。被拒絕的請求仍佔用視窗名額並刷新 TTL，
//	持續被拒的客戶端視窗不會老化。這與來源系統行為一致；
//	若要改為拒絕不計數，僅需把 Lua 腳本的 ZADD 移到計數判定之後。
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/realm-server/internal/store"
)

// 預設事件種類
const (
	EventConnection = "connection"
	EventChat       = "chat:message"
	EventMove       = "character:move"
	EventCombat     = "combat:action"
	EventHeartbeat  = "heartbeat"
	EventPing       = "ping"
)

// Rule 單一事件種類的限流預算
type Rule struct {
	MaxPoints int
	Window    time.Duration
}

// Result 一次限流判定的結果
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// ConnectionRule 全域連線限流設定
//
// 以來源 IP 為主體，在任何身份驗證之前套用。
// 視窗耗盡後額外封鎖 BlockDuration，作為連線洪水的粗粒度防線。
type ConnectionRule struct {
	MaxPoints     int
	Window        time.Duration
	BlockDuration time.Duration
}

// Limiter 滑動視窗限流器
type Limiter struct {
	store  store.KV
	logger *slog.Logger

	mu       sync.RWMutex
	rules    map[string]Rule
	fallback Rule

	connection ConnectionRule
}

// DefaultRules 預設的事件預算表
//
// 預算依事件頻率特性區分：
//   - 移動與心跳是高頻事件，給大預算
//   - 聊天防洗頻，預算小
//   - 戰鬥行動受遊戲節奏限制
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		EventConnection: {MaxPoints: 10, Window: time.Minute},
		EventChat:       {MaxPoints: 20, Window: time.Minute},
		EventMove:       {MaxPoints: 120, Window: time.Minute},
		EventCombat:     {MaxPoints: 60, Window: time.Minute},
		EventHeartbeat:  {MaxPoints: 30, Window: time.Minute},
		EventPing:       {MaxPoints: 60, Window: time.Minute},
	}
}

// New 建立限流器
func New(kv store.KV, connection ConnectionRule, logger *slog.Logger) *Limiter {
	rules := DefaultRules()
	if connection.MaxPoints > 0 {
		rules[EventConnection] = Rule{MaxPoints: connection.MaxPoints, Window: connection.Window}
	}

	return &Limiter{
		store:      kv,
		logger:     logger,
		rules:      rules,
		fallback:   Rule{MaxPoints: 60, Window: time.Minute},
		connection: connection,
	}
}

// Configure 設定或覆蓋事件預算（執行期可調整）
func (l *Limiter) Configure(event string, rule Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[event] = rule
}

// Remove 移除事件預算（回退到預設預算）
func (l *Limiter) Remove(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rules, event)
}

// Rule 查詢事件預算
func (l *Limiter) Rule(event string) (Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rule, ok := l.rules[event]
	return rule, ok
}

// windowKey 視窗在後端的 key
func windowKey(subject, event string) string {
	return "ratelimit:" + event + ":" + subject
}

// Check 檢查主體是否允許執行某事件
//
// 執行流程（單次 Lua 腳本）：
//  1. 清除視窗外的條目
//  2. 統計剩餘條目數（插入前）
//  3. 插入當前請求 (now, nonce)
//  4. 重設整個 key 的 TTL 為視窗大小
//
// allowed = 插入前計數 < MaxPoints。
// RetryAfter 由視窗中最舊條目推算：最舊條目老化後即空出一個名額。
//
// 錯誤處理策略：
//
//	後端錯誤時放行並記錄（fail open）。
//	限流是保護機制而非正確性機制，Redis 故障期間以可用性優先。
func (l *Limiter) Check(ctx context.Context, subject, event string) Result {
	rule, ok := l.Rule(event)
	if !ok {
		rule = l.fallback
	}

	now := time.Now().UnixMilli()
	cutoff := now - rule.Window.Milliseconds()

	window, err := l.store.WindowSlide(ctx, windowKey(subject, event), cutoff, now, uuid.NewString(), rule.Window)
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request",
			"subject", subject,
			"event", event,
			"error", err)
		return Result{Allowed: true, Remaining: rule.MaxPoints}
	}

	allowed := window.CountBefore < int64(rule.MaxPoints)

	remaining := rule.MaxPoints - int(window.CountBefore) - 1
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	if !allowed && window.OldestMs > 0 {
		retryAfter = time.Duration(window.OldestMs+rule.Window.Milliseconds()-now) * time.Millisecond
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return Result{
		Allowed:    allowed,
		Remaining:  remaining,
		RetryAfter: retryAfter,
	}
}

// connBlockKey 連線封鎖標記的 key
func connBlockKey(remoteIP string) string {
	return "ratelimit:connblock:" + remoteIP
}

// CheckConnection 全域連線限流
//
// 在任何每事件限流之前套用，以來源 IP 為主體。
// 視窗耗盡後寫入封鎖標記（帶 BlockDuration TTL），
// 封鎖期間的連線嘗試直接拒絕，不再計入視窗。
func (l *Limiter) CheckConnection(ctx context.Context, remoteIP string) Result {
	blocked, err := l.store.Exists(ctx, connBlockKey(remoteIP))
	if err != nil {
		l.logger.Warn("connection block check failed, allowing", "ip", remoteIP, "error", err)
		return Result{Allowed: true, Remaining: l.connection.MaxPoints}
	}
	if blocked {
		return Result{Allowed: false, RetryAfter: l.connection.BlockDuration}
	}

	result := l.Check(ctx, remoteIP, EventConnection)
	if !result.Allowed {
		// 視窗耗盡，進入封鎖期
		if err := l.store.Set(ctx, connBlockKey(remoteIP), "1", l.connection.BlockDuration); err != nil {
			l.logger.Warn("failed to set connection block", "ip", remoteIP, "error", err)
		}
		result.RetryAfter = l.connection.BlockDuration
	}

	return result
}

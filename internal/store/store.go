// Package store 實作共享鍵值後端的存取層
//
// 系統設計問題：
//
//	多個請求處理器與 realtime 連接之間如何協調共享狀態？
//
// 核心挑戰：
//  1. 單一協調點：處理器之間不共享記憶體，Redis 是唯一的交會處
//  2. 原子性：鎖的持有檢查、滑動視窗計數都不能拆成兩次往返
//  3. 網路 RPC：每個操作都可能獨立失敗，上層必須自行決定降級策略
//
// 設計方案：
//
//	✅ 窄介面（KV）- 只暴露原子原語，上層無法繞過原子性
//	✅ Lua 腳本 - check-then-act 在 Redis 端單次執行
//	✅ Pipeline - 多步唯讀/清理操作合併為一次往返
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Member 有序集合的成員與分數
type Member struct {
	Member string
	Score  float64
}

// WindowResult 滑動視窗 Lua 腳本的回傳值
//
// CountBefore 是插入當前請求「之前」視窗內的條目數，
// OldestMs 是插入後視窗中最舊條目的時間戳記（毫秒，空視窗為 0）。
type WindowResult struct {
	CountBefore int64
	OldestMs    int64
}

// KV 定義所有上層元件依賴的原子原語。
//
// 介面抽象的目的與 sqlc.Querier 相同：
// 單元測試可注入記憶體實作，不需要真實 Redis。
type KV interface {
	// SetNX 原子性的「不存在才寫入」，附帶過期時間（SET NX PX）
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete 原子性的「值相符才刪除」（Lua）
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// CompareAndExpire 原子性的「值相符才重設過期時間」（Lua）
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// WindowSlide 原子性的滑動視窗操作（Lua）：
	// 清除 cutoffMs 之前的條目 → 計數 → 插入 (nowMs, member) → 重設 TTL
	WindowSlide(ctx context.Context, key string, cutoffMs, nowMs int64, member string, ttl time.Duration) (WindowResult, error)

	// Get 讀取字串值；key 不存在時 ok 為 false 且不視為錯誤
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// 有序集合操作（在線用戶集、限流視窗）
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)

	// 集合操作（每用戶的連接 ID 集）
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// HistoryAppend 有界列表追加（LPUSH + LTRIM + PEXPIRE，單次 pipeline）
	HistoryAppend(ctx context.Context, key, entry string, maxLen int64, ttl time.Duration) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Ping 健康檢查
	Ping(ctx context.Context) error
}

// Lua 腳本：值相符才刪除
//
// 鎖釋放的核心：GET 與 DEL 必須是單次原子操作。
// 若拆成兩次往返，鎖可能在 GET 之後過期並被他人取得，
// 隨後的 DEL 會誤刪他人的鎖。
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
else
    return 0
end
`)

// Lua 腳本：值相符才重設過期時間（鎖續約）
var compareAndExpireScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
    return 0
end
`)

// Lua 腳本：滑動視窗
//
// KEYS[1]: 視窗的 Sorted Set key
// ARGV[1]: 視窗起點（毫秒，之前的條目清除）
// ARGV[2]: 當前時間（毫秒）
// ARGV[3]: 請求唯一識別（避免同毫秒覆蓋）
// ARGV[4]: TTL（毫秒）
//
// 回傳 {插入前的條目數, 插入後最舊條目的時間戳記}。
// 注意：無論最終允許與否都會插入當前請求，
// 由呼叫方根據插入前計數決定是否放行。
var windowSlideScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local member = ARGV[3]
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, cutoff)
local count = redis.call('ZCARD', key)
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, ttl)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {count, oldest[2]}
`)

// RedisStore 以 go-redis 客戶端實作 KV
type RedisStore struct {
	client *redis.Client
	prefix string
}

// New 建立 RedisStore
//
// prefix 會加在所有 key 前面（如 "realm"），
// 讓多個環境可以共用同一個 Redis 實例。
func New(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// key 加上環境前綴
func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// SetNX 不存在才寫入
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// CompareAndDelete 值相符才刪除
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	result, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.key(key)}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete: %w", err)
	}
	return result == 1, nil
}

// CompareAndExpire 值相符才重設過期時間
func (s *RedisStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	result, err := compareAndExpireScript.Run(ctx, s.client, []string{s.key(key)}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-expire: %w", err)
	}
	return result == 1, nil
}

// WindowSlide 滑動視窗操作
func (s *RedisStore) WindowSlide(ctx context.Context, key string, cutoffMs, nowMs int64, member string, ttl time.Duration) (WindowResult, error) {
	raw, err := windowSlideScript.Run(ctx, s.client,
		[]string{s.key(key)},
		cutoffMs, nowMs, member, ttl.Milliseconds(),
	).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("redis window-slide: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) < 1 {
		return WindowResult{}, fmt.Errorf("redis window-slide: unexpected reply %T", raw)
	}

	result := WindowResult{}
	if count, ok := values[0].(int64); ok {
		result.CountBefore = count
	}
	// 最舊條目分數以字串回傳（Lua table 內的 WITHSCORES 值）
	if len(values) >= 2 {
		if scoreStr, ok := values[1].(string); ok {
			if score, err := strconv.ParseFloat(scoreStr, 64); err == nil {
				result.OldestMs = int64(score)
			}
		}
	}

	return result, nil
}

// Get 讀取字串值
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

// Set 寫入字串值（ttl 為 0 表示不過期）
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete 刪除多個 key
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Exists 檢查 key 是否存在
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// ZAdd 加入有序集合
func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

// ZRem 從有序集合移除
func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, s.key(key), args...).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// ZCard 有序集合大小
func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return n, nil
}

// ZRangeByScore 依分數範圍取成員
func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key(key), &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}
	return members, nil
}

// ZRevRangeWithScores 依分數由高至低取成員（最近活躍優先）
func (s *RedisStore) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		name, _ := z.Member.(string)
		members = append(members, Member{Member: name, Score: z.Score})
	}
	return members, nil
}

// SAdd 加入集合
func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, s.key(key), args...).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// SRem 從集合移除
func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, s.key(key), args...).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

// SMembers 取集合所有成員
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return members, nil
}

// HistoryAppend 有界列表追加
//
// LPUSH + LTRIM + PEXPIRE 合併為單次 pipeline：
// 列表永遠不超過 maxLen 條，且整個 key 有過期時間。
func (s *RedisStore) HistoryAppend(ctx context.Context, key, entry string, maxLen int64, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key(key), entry)
	pipe.LTrim(ctx, s.key(key), 0, maxLen-1)
	pipe.PExpire(ctx, s.key(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis history append: %w", err)
	}
	return nil
}

// LRange 取列表範圍
func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	entries, err := s.client.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	return entries, nil
}

// Ping 健康檢查
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// formatScore 將分數轉為 Redis 範圍查詢參數
func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

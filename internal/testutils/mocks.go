// Package testutils 提供測試用的共用工具和輔助函數
package testutils

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/realm-server/internal/store"
)

// MockStore 實作 store.KV 介面的記憶體版本
//
// 單元測試不需要 Redis：TTL 以過期時間戳模擬，讀取時惰性檢查。
// 支援呼叫計數與單次錯誤注入。
type MockStore struct {
	mu     sync.RWMutex
	values map[string]mockValue
	zsets  map[string]map[string]float64
	sets   map[string]map[string]struct{}
	lists  map[string][]string

	// 記錄呼叫次數
	SetNXCalls            atomic.Int32
	CompareAndDeleteCalls atomic.Int32
	CompareAndExpireCalls atomic.Int32
	WindowSlideCalls      atomic.Int32
	GetCalls              atomic.Int32
	SetCalls              atomic.Int32

	// 錯誤注入（下一次呼叫失敗一次）
	ShouldFailNext bool
	FailError      error
}

type mockValue struct {
	value     string
	expiresAt time.Time // 零值表示不過期
}

func (v mockValue) expired() bool {
	return !v.expiresAt.IsZero() && time.Now().After(v.expiresAt)
}

// NewMockStore 創建新的 MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		values: make(map[string]mockValue),
		zsets:  make(map[string]map[string]float64),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
	}
}

// failNext 消耗一次注入的錯誤
func (m *MockStore) failNext() error {
	if m.ShouldFailNext {
		m.ShouldFailNext = false
		return m.FailError
	}
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// SetNX 僅在 key 不存在時設值
func (m *MockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.SetNXCalls.Add(1)
	if err := m.failNext(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.values[key]; exists && !existing.expired() {
		return false, nil
	}
	m.values[key] = mockValue{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

// CompareAndDelete 值相符時刪除
func (m *MockStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	m.CompareAndDeleteCalls.Add(1)
	if err := m.failNext(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.values[key]
	if !exists || existing.expired() || existing.value != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

// CompareAndExpire 值相符時刷新 TTL
func (m *MockStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.CompareAndExpireCalls.Add(1)
	if err := m.failNext(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.values[key]
	if !exists || existing.expired() || existing.value != value {
		return false, nil
	}
	existing.expiresAt = expiry(ttl)
	m.values[key] = existing
	return true, nil
}

// WindowSlide 滑動視窗：清除過期項、計數、插入新項
func (m *MockStore) WindowSlide(ctx context.Context, key string, cutoffMs, nowMs int64, member string, ttl time.Duration) (store.WindowResult, error) {
	m.WindowSlideCalls.Add(1)
	if err := m.failNext(); err != nil {
		return store.WindowResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	zset := m.zsets[key]
	if zset == nil {
		zset = make(map[string]float64)
		m.zsets[key] = zset
	}

	for member, score := range zset {
		if int64(score) <= cutoffMs {
			delete(zset, member)
		}
	}

	countBefore := int64(len(zset))
	zset[member] = float64(nowMs)

	oldest := nowMs
	for _, score := range zset {
		if int64(score) < oldest {
			oldest = int64(score)
		}
	}

	return store.WindowResult{CountBefore: countBefore, OldestMs: oldest}, nil
}

// Get 讀取 key
func (m *MockStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.GetCalls.Add(1)
	if err := m.failNext(); err != nil {
		return "", false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	existing, exists := m.values[key]
	if !exists || existing.expired() {
		return "", false, nil
	}
	return existing.value, true, nil
}

// Set 設值
func (m *MockStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.SetCalls.Add(1)
	if err := m.failNext(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = mockValue{value: value, expiresAt: expiry(ttl)}
	return nil
}

// Delete 刪除 key
func (m *MockStore) Delete(ctx context.Context, keys ...string) error {
	if err := m.failNext(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.values, key)
		delete(m.zsets, key)
		delete(m.sets, key)
		delete(m.lists, key)
	}
	return nil
}

// Exists 檢查 key 是否存在
func (m *MockStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.failNext(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	existing, exists := m.values[key]
	return exists && !existing.expired(), nil
}

// ZAdd 加入有序集合
func (m *MockStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := m.failNext(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zsets[key] == nil {
		m.zsets[key] = make(map[string]float64)
	}
	m.zsets[key][member] = score
	return nil
}

// ZRem 從有序集合移除
func (m *MockStore) ZRem(ctx context.Context, key string, members ...string) error {
	if err := m.failNext(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if zset, exists := m.zsets[key]; exists {
		for _, member := range members {
			delete(zset, member)
		}
	}
	return nil
}

// ZCard 有序集合大小
func (m *MockStore) ZCard(ctx context.Context, key string) (int64, error) {
	if err := m.failNext(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.zsets[key])), nil
}

// ZRangeByScore 按分數範圍查詢（含邊界）
func (m *MockStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	if err := m.failNext(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			pairs = append(pairs, pair{member, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	result := make([]string, 0, len(pairs))
	for _, p := range pairs {
		result = append(result, p.member)
	}
	return result, nil
}

// ZRevRangeWithScores 按分數倒序查詢
func (m *MockStore) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	if err := m.failNext(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var members []store.Member
	for member, score := range m.zsets[key] {
		members = append(members, store.Member{Member: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Score > members[j].Score })

	if start >= int64(len(members)) {
		return nil, nil
	}
	end := stop + 1
	if stop < 0 || end > int64(len(members)) {
		end = int64(len(members))
	}
	return members[start:end], nil
}

// SAdd 加入集合
func (m *MockStore) SAdd(ctx context.Context, key string, members ...string) error {
	if err := m.failNext(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	for _, member := range members {
		m.sets[key][member] = struct{}{}
	}
	return nil
}

// SRem 從集合移除
func (m *MockStore) SRem(ctx context.Context, key string, members ...string) error {
	if err := m.failNext(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if set, exists := m.sets[key]; exists {
		for _, member := range members {
			delete(set, member)
		}
	}
	return nil
}

// SMembers 列出集合成員
func (m *MockStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.failNext(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var members []string
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// HistoryAppend 前插列表並截斷
func (m *MockStore) HistoryAppend(ctx context.Context, key, entry string, maxLen int64, ttl time.Duration) error {
	if err := m.failNext(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]string{entry}, m.lists[key]...)
	if maxLen > 0 && int64(len(list)) > maxLen {
		list = list[:maxLen]
	}
	m.lists[key] = list
	return nil
}

// LRange 讀取列表範圍
func (m *MockStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := m.failNext(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[key]
	if start >= int64(len(list)) {
		return nil, nil
	}
	end := stop + 1
	if stop < 0 || end > int64(len(list)) {
		end = int64(len(list))
	}
	return append([]string(nil), list[start:end]...), nil
}

// Ping 連線檢查
func (m *MockStore) Ping(ctx context.Context) error {
	return m.failNext()
}

// 測試輔助方法

// RawValue 直接讀取內部值（測試斷言用）
func (m *MockStore) RawValue(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	existing, exists := m.values[key]
	if !exists || existing.expired() {
		return "", false
	}
	return existing.value, true
}

// ExpireNow 強制讓 key 立即過期（測試 TTL 行為用）
func (m *MockStore) ExpireNow(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.values[key]; exists {
		existing.expiresAt = time.Now().Add(-time.Second)
		m.values[key] = existing
	}
}

// ZScore 讀取有序集合成員分數（測試斷言用）
func (m *MockStore) ZScore(key, member string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score, exists := m.zsets[key][member]
	return score, exists
}

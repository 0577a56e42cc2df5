// Package lock 實作基於共享鍵值後端的分散式互斥鎖
//
// 系統設計問題：
//
//	多個處理器同時操作同一場戰鬥、同一個角色時，如何保證臨界區互斥？
//
// 核心挑戰：
//  1. 原子獲取：兩個併發的 acquire 必須恰好一個成功，
//     「檢查再寫入」拆成兩次往返會產生競態
//  2. 安全釋放：只有持有者能釋放，過期後接手的新持有者不能被誤刪
//  3. 租約過期：持有者崩潰時鎖必須自動失效（TTL），不能永久卡死
//  4. 長任務：執行時間可能超過 TTL，需要背景續約
//
// 設計方案：
//
//	✅ SET NX PX - 獲取即單次原子操作，後端序列化競爭者
//	✅ 隨機持有者令牌 - 釋放/續約前先比對令牌（Lua 單次執行）
//	✅ WithLock - 作用域式獲取，任何退出路徑都保證釋放
//	✅ 背景續約 - 可選的租約刷新迴圈，任務結束即取消
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/realm-server/internal/store"
	apperrors "github.com/koopa0/realm-server/pkg/errors"
)

// Handle 代表一次成功的鎖獲取
//
// Token 是隨機產生的持有者令牌，釋放與續約都必須出示。
// 令牌不相符代表鎖已過期並被他人取得，操作會失敗而非誤刪。
type Handle struct {
	Resource   string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
}

// Lock 分散式鎖
type Lock struct {
	store  store.KV
	logger *slog.Logger
}

// New 建立分散式鎖
func New(kv store.KV, logger *slog.Logger) *Lock {
	return &Lock{
		store:  kv,
		logger: logger,
	}
}

// lockKey 鎖在後端的 key
func lockKey(resource string) string {
	return "lock:" + resource
}

// Acquire 嘗試獲取鎖
//
// 成功返回 Handle；資源已被持有返回 (nil, nil)；
// 後端錯誤返回 (nil, err) — 正確性優先的呼叫方應視同獲取失敗（fail closed）。
//
// 原子性說明：
//
//	SET NX PX 是單次後端操作，兩個併發的 Acquire 由後端序列化，
//	恰好一個取得鎖。絕不能用 GET 檢查後再 SET。
func (l *Lock) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Handle, error) {
	token := uuid.NewString()

	ok, err := l.store.SetNX(ctx, lockKey(resource), token, ttl)
	if err != nil {
		l.logger.Error("lock acquire failed", "resource", resource, "error", err)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "lock backend unavailable")
	}
	if !ok {
		return nil, nil
	}

	return &Handle{
		Resource:   resource,
		Token:      token,
		TTL:        ttl,
		AcquiredAt: time.Now(),
	}, nil
}

// Release 釋放鎖
//
// 只有令牌相符時才刪除（compare-and-delete，Lua 單次執行）。
// 返回是否真的移除了鎖：false 代表鎖已過期、已被他人取得或不存在。
func (l *Lock) Release(ctx context.Context, resource, token string) (bool, error) {
	ok, err := l.store.CompareAndDelete(ctx, lockKey(resource), token)
	if err != nil {
		l.logger.Error("lock release failed", "resource", resource, "error", err)
		return false, err
	}
	if !ok {
		// 非持有者釋放是正常情況（租約過期後的競態），返回 false 而非錯誤
		l.logger.Debug("lock release skipped, not the owner", "resource", resource)
	}
	return ok, nil
}

// Extend 續約
//
// 令牌相符才重設過期時間；非持有者或鎖不存在返回 false。
func (l *Lock) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	ok, err := l.store.CompareAndExpire(ctx, lockKey(resource), token, ttl)
	if err != nil {
		l.logger.Error("lock extend failed", "resource", resource, "error", err)
		return false, err
	}
	return ok, nil
}

// Options WithLock 的行為設定
type Options struct {
	// Retries 最多嘗試獲取的次數（含第一次）
	Retries int

	// RetryDelay 每次嘗試之間的等待時間
	RetryDelay time.Duration

	// ExtendInterval 背景續約間隔；0 表示不續約。
	// 任務預期超過 TTL 時設為 TTL 的 1/3 左右。
	ExtendInterval time.Duration
}

// WithLock 以鎖保護一段工作
//
// 系統設計重點：
//
//  1. 作用域式獲取：
//     釋放寫在 defer，成功、錯誤、panic、上下文取消都會執行，
//     且每次成功獲取恰好釋放一次。
//
//  2. 重試迴圈：
//     每次失敗後等待 RetryDelay 再試，等待期間尊重 ctx 取消。
//     耗盡後返回 LOCK_TIMEOUT 錯誤（指名資源與嘗試次數），fn 不會被執行。
//
//  3. 背景續約：
//     ExtendInterval > 0 時啟動獨立 goroutine 定期刷新租約，
//     fn 結束（任何方式）即取消。續約失敗只記錄日誌 —
//     此時鎖已易主，繼續執行的風險由 TTL 設定者承擔。
//
//  4. 取消語義：
//     釋放使用 context.WithoutCancel：呼叫方取消的是「工作」，
//     清理不能跟著一起被取消，否則鎖要等到 TTL 才失效。
func (l *Lock) WithLock(ctx context.Context, resource string, ttl time.Duration, opts Options, fn func(ctx context.Context) error) error {
	if opts.Retries <= 0 {
		opts.Retries = 1
	}

	var handle *Handle
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		h, err := l.Acquire(ctx, resource, ttl)
		if err == nil && h != nil {
			handle = h
			break
		}
		// 後端錯誤與競爭失敗同樣處理：等待後重試（fail closed）

		if attempt == opts.Retries {
			return apperrors.LockTimeout(resource, opts.Retries)
		}

		select {
		case <-time.After(opts.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// 清理不能被呼叫方的取消連帶取消
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		if _, err := l.Release(releaseCtx, resource, handle.Token); err != nil {
			l.logger.Error("failed to release lock", "resource", resource, "error", err)
		}
	}()

	// 背景續約
	if opts.ExtendInterval > 0 {
		extendDone := make(chan struct{})
		defer close(extendDone)

		go func() {
			ticker := time.NewTicker(opts.ExtendInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					ok, err := l.Extend(releaseCtx, resource, handle.Token, ttl)
					if err != nil || !ok {
						l.logger.Warn("lock lease extension failed",
							"resource", resource,
							"extended", ok,
							"error", err)
						return
					}
				case <-extendDone:
					return
				}
			}
		}()
	}

	return fn(ctx)
}

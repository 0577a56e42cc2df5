// Package character 提供角色資料的讀取與位置更新
//
// 系統設計考量：
//
//  1. 表結構設計：
//     - id：主鍵（UUID）
//     - account_id：所屬帳號（外鍵，ON DELETE CASCADE）
//     - name：唯一索引（角色名全域唯一）
//     - zone / pos_x / pos_y：位置狀態，由移動事件更新
//
//  2. 讀寫分工：
//     - 讀取路徑走 PostgreSQL（權威資料）
//     - 高頻狀態（在線、活動）走 Redis，不進資料庫
//
//  3. 併發控制：
//     - UpdatePosition 單條 UPDATE，資料庫保證原子性
//     - 位置衝突由上層的分散式鎖（戰鬥會話）處理
package character

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koopa0/realm-server/pkg/errors"
)

// Character 角色記錄
type Character struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
	Zone      string    `json:"zone"`
	PosX      float64   `json:"pos_x"`
	PosY      float64   `json:"pos_y"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store 角色存儲
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore 建立角色存儲
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Create 建立新角色
//
// 等級、區域與座標由資料庫預設值決定（Lv.1、starter_isle、原點）。
// 角色名全域唯一，23505 轉為 INVALID_INPUT。
func (s *Store) Create(ctx context.Context, accountID, name string) (*Character, error) {
	if name == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "character name is required")
	}

	query := `
		INSERT INTO characters (account_id, name)
		VALUES ($1, $2)
		RETURNING id, account_id, name, level, zone, pos_x, pos_y, created_at, updated_at
	`

	var c Character
	err := s.pool.QueryRow(ctx, query, accountID, name).Scan(
		&c.ID,
		&c.AccountID,
		&c.Name,
		&c.Level,
		&c.Zone,
		&c.PosX,
		&c.PosY,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "character name already taken")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "character create failed")
	}

	s.logger.Info("character created", "character_id", c.ID, "account_id", accountID, "name", name)

	return &c, nil
}

// GetByID 以 ID 查詢角色
func (s *Store) GetByID(ctx context.Context, id string) (*Character, error) {
	query := `
		SELECT id, account_id, name, level, zone, pos_x, pos_y, created_at, updated_at
		FROM characters
		WHERE id = $1
	`

	var c Character
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.AccountID,
		&c.Name,
		&c.Level,
		&c.Zone,
		&c.PosX,
		&c.PosY,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrCharacterNotFound
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "character query failed")
	}

	return &c, nil
}

// ListByUser 列出帳號的所有角色（建立時間排序）
func (s *Store) ListByUser(ctx context.Context, accountID string) ([]Character, error) {
	query := `
		SELECT id, account_id, name, level, zone, pos_x, pos_y, created_at, updated_at
		FROM characters
		WHERE account_id = $1
		ORDER BY created_at
	`

	rows, err := s.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "character list failed")
	}
	defer rows.Close()

	var characters []Character
	for rows.Next() {
		var c Character
		if err := rows.Scan(
			&c.ID,
			&c.AccountID,
			&c.Name,
			&c.Level,
			&c.Zone,
			&c.PosX,
			&c.PosY,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		characters = append(characters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "character list failed")
	}

	return characters, nil
}

// UpdatePosition 更新角色位置
//
// RowsAffected = 0 表示角色不存在。
func (s *Store) UpdatePosition(ctx context.Context, id, zone string, x, y float64) error {
	query := `
		UPDATE characters
		SET zone = $2, pos_x = $3, pos_y = $4, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query, id, zone, x, y)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "position update failed")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrCharacterNotFound
	}

	return nil
}

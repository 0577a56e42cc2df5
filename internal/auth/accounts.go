package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koopa0/realm-server/pkg/errors"
)

// PostgresAccounts 帳號查詢的 PostgreSQL 實現
type PostgresAccounts struct {
	pool *pgxpool.Pool
}

// NewPostgresAccounts 建立帳號存儲
func NewPostgresAccounts(pool *pgxpool.Pool) *PostgresAccounts {
	return &PostgresAccounts{pool: pool}
}

// GetByUsername 以帳號名查詢帳號（附帶第一個角色 ID，若有）
func (p *PostgresAccounts) GetByUsername(ctx context.Context, username string) (*Account, error) {
	query := `
		SELECT a.id, a.username, a.password_hash, COALESCE(c.id::text, '')
		FROM accounts a
		LEFT JOIN characters c ON c.account_id = a.id
		WHERE a.username = $1
		ORDER BY c.created_at
		LIMIT 1
	`

	var account Account
	err := p.pool.QueryRow(ctx, query, username).Scan(
		&account.ID,
		&account.Username,
		&account.PasswordHash,
		&account.CharacterID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.ErrCodeNotFound, "account not found")
		}
		return nil, err
	}

	return &account, nil
}

// Create 建立新帳號
//
// 帳號名唯一由資料庫約束保證，違反時返回 INVALID_INPUT 而非裸資料庫錯誤。
func (p *PostgresAccounts) Create(ctx context.Context, username, passwordHash string) (*Account, error) {
	account := Account{Username: username, PasswordHash: passwordHash}

	err := p.pool.QueryRow(ctx,
		"INSERT INTO accounts (username, password_hash) VALUES ($1, $2) RETURNING id",
		username, passwordHash,
	).Scan(&account.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "username already taken")
		}
		return nil, err
	}

	return &account, nil
}

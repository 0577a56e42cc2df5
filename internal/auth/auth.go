// Package auth 實作 JWT 簽發驗證與 Redis 會話管理
//
// 系統設計問題：
//
//	HTTP API 與 websocket 連接需要共用同一套身份驗證，
//	且登出 / 重連驅逐必須能立即使會話失效。
//
// 設計方案：
//
//	✅ HMAC 簽章的短效 access token - 無狀態驗證，websocket 與 HTTP 共用
//	✅ Redis 會話記錄 - refresh token 輪替、登出即刪除，立即生效
//	✅ bcrypt 密碼雜湊 - 帳號密碼永不明文存儲
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/koopa0/realm-server/internal/store"
	apperrors "github.com/koopa0/realm-server/pkg/errors"
)

// Claims access token 的自訂聲明
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"uid"`
	Username    string `json:"username"`
	CharacterID string `json:"cid,omitempty"`
}

// TokenPair 登入 / 刷新的返回結果
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // 秒
}

// Session Redis 中的會話記錄
type Session struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	CharacterID string `json:"character_id,omitempty"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Account 帳號記錄（關聯式存儲提供）
type Account struct {
	ID           string
	Username     string
	PasswordHash string
	CharacterID  string
}

// Accounts 帳號存儲介面
type Accounts interface {
	GetByUsername(ctx context.Context, username string) (*Account, error)
	Create(ctx context.Context, username, passwordHash string) (*Account, error)
}

// Service 身份驗證服務
type Service struct {
	store    store.KV
	accounts Accounts
	secret   []byte
	logger   *slog.Logger

	tokenTTL   time.Duration
	sessionTTL time.Duration
}

// NewService 建立身份驗證服務
func NewService(kv store.KV, accounts Accounts, secret string, tokenTTL, sessionTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:      kv,
		accounts:   accounts,
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

func refreshKey(token string) string {
	return "auth:refresh:" + token
}

// Register 建立帳號並直接簽發 token
//
// 密碼以 bcrypt 雜湊後存儲，明文不落地。
func (s *Service) Register(ctx context.Context, username, password, ip, userAgent string) (*TokenPair, error) {
	if len(username) < 3 || len(password) < 8 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "username must be at least 3 and password at least 8 characters")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "password hashing failed")
	}

	account, err := s.accounts.Create(ctx, username, hash)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "account creation failed")
	}

	session := Session{
		UserID:      account.ID,
		Username:    account.Username,
		IP:          ip,
		UserAgent:   userAgent,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	pair, err := s.issuePair(ctx, session)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", "user_id", account.ID, "username", account.Username)
	return pair, nil
}

// Login 驗證帳號密碼並簽發 token
//
// 帳號不存在與密碼錯誤返回同一個錯誤，不洩漏帳號是否存在。
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*TokenPair, error) {
	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.New(apperrors.ErrCodeUnauthorized, "invalid username or password")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "account lookup failed")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized, "invalid username or password")
	}

	session := Session{
		UserID:      account.ID,
		Username:    account.Username,
		CharacterID: account.CharacterID,
		IP:          ip,
		UserAgent:   userAgent,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	pair, err := s.issuePair(ctx, session)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", "user_id", account.ID, "username", account.Username)
	return pair, nil
}

// Verify 驗證 access token 並返回聲明
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, apperrors.ErrInvalidToken
	}

	return claims, nil
}

// Refresh 以 refresh token 換取新的 token 對
//
// refresh token 輪替：舊 token 立即失效，每個會話只有一個有效的 refresh token。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	value, ok, err := s.store.Get(ctx, refreshKey(refreshToken))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "session lookup failed")
	}
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}

	var session Session
	if err := json.Unmarshal([]byte(value), &session); err != nil {
		return nil, apperrors.ErrSessionNotFound
	}

	if err := s.store.Delete(ctx, refreshKey(refreshToken)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "session rotation failed")
	}

	return s.issuePair(ctx, session)
}

// Logout 登出並刪除會話
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if err := s.store.Delete(ctx, refreshKey(refreshToken)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "session delete failed")
	}
	return nil
}

// issuePair 簽發 access token 並寫入新的 refresh 會話
func (s *Service) issuePair(ctx context.Context, session Session) (*TokenPair, error) {
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			ID:        uuid.NewString(),
		},
		UserID:      session.UserID,
		Username:    session.Username,
		CharacterID: session.CharacterID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "token signing failed")
	}

	refreshToken := uuid.NewString()
	data, err := json.Marshal(session)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "session encoding failed")
	}
	if err := s.store.Set(ctx, refreshKey(refreshToken), string(data), s.sessionTTL); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "session write failed")
	}

	return &TokenPair{
		AccessToken:  signed,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.tokenTTL.Seconds()),
	}, nil
}

// HashPassword 產生 bcrypt 密碼雜湊（種子資料與測試用）
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

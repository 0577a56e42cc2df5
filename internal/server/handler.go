// Package server 提供 HTTP API 表面
//
// 路由分層：
//   - /api/v1/auth/*      註冊、登入、刷新、登出
//   - /api/v1/characters  角色建立與查詢（需要身份驗證）
//   - /api/v1/combat/*    戰鬥動作（分散式鎖序列化）
//   - /api/v1/presence/*  在線狀態查詢
//   - /ws                 websocket 升級
//   - /health*            健康檢查
//
// 所有回應使用統一信封：
//
//	{"success": true,  "data": ...}
//	{"success": false, "error": {"code", "message", "timestamp"}}
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/realm-server/internal/auth"
	"github.com/koopa0/realm-server/internal/character"
	"github.com/koopa0/realm-server/internal/lock"
	"github.com/koopa0/realm-server/internal/presence"
	"github.com/koopa0/realm-server/internal/ratelimit"
	"github.com/koopa0/realm-server/internal/realtime"
	"github.com/koopa0/realm-server/internal/store"
	apperrors "github.com/koopa0/realm-server/pkg/errors"
	"github.com/koopa0/realm-server/pkg/logger"
)

type claimsKey struct{}

// Handler HTTP 請求處理器
type Handler struct {
	auth       *auth.Service
	characters *character.Store
	presence   *presence.Manager
	hub        *realtime.Hub
	locker     *lock.Lock
	limiter    *ratelimit.Limiter
	kv         store.KV
	pg         *pgxpool.Pool
	logger     *slog.Logger

	lockTTL  time.Duration
	lockOpts lock.Options
}

// Config 處理器依賴
type Config struct {
	Auth       *auth.Service
	Characters *character.Store
	Presence   *presence.Manager
	Hub        *realtime.Hub
	Locker     *lock.Lock
	Limiter    *ratelimit.Limiter
	KV         store.KV
	PG         *pgxpool.Pool
	Logger     *slog.Logger

	LockTTL  time.Duration
	LockOpts lock.Options
}

// NewHandler 創建 HTTP 處理器
func NewHandler(cfg Config) *Handler {
	return &Handler{
		auth:       cfg.Auth,
		characters: cfg.Characters,
		presence:   cfg.Presence,
		hub:        cfg.Hub,
		locker:     cfg.Locker,
		limiter:    cfg.Limiter,
		kv:         cfg.KV,
		pg:         cfg.PG,
		logger:     cfg.Logger,
		lockTTL:    cfg.LockTTL,
		lockOpts:   cfg.LockOpts,
	}
}

// Routes 設定路由
//
// 中間件順序：恢復 -> 請求 ID -> 日誌 -> 限流 -> 身份驗證。
// 限流在身份驗證之前，無效憑證的請求也佔用配額。
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	rateLimited := ratelimit.Middleware(h.limiter, "http:api", h.subject)

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		limited := rateLimited(handler)
		return h.recoverer(h.requestID(h.loggerMiddleware(limited.ServeHTTP)))
	}
	wrapAuth := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.authRequired(handler))
	}

	// 身份驗證
	mux.HandleFunc("POST /api/v1/auth/register", wrap(h.register))
	mux.HandleFunc("POST /api/v1/auth/login", wrap(h.login))
	mux.HandleFunc("POST /api/v1/auth/refresh", wrap(h.refresh))
	mux.HandleFunc("POST /api/v1/auth/logout", wrap(h.logout))

	// 角色
	mux.HandleFunc("POST /api/v1/characters", wrapAuth(h.createCharacter))
	mux.HandleFunc("GET /api/v1/characters", wrapAuth(h.listCharacters))
	mux.HandleFunc("GET /api/v1/characters/{id}", wrapAuth(h.getCharacter))

	// 戰鬥
	mux.HandleFunc("POST /api/v1/combat/{session_id}/action", wrapAuth(h.combatAction))

	// 在線狀態
	mux.HandleFunc("GET /api/v1/presence/online", wrapAuth(h.onlineUsers))
	mux.HandleFunc("GET /api/v1/presence/stats", wrapAuth(h.presenceStats))
	mux.HandleFunc("GET /api/v1/presence/{user_id}", wrapAuth(h.getPresence))

	// websocket 升級（hub 自帶連接限流與身份驗證）
	mux.HandleFunc("GET /ws", h.hub.ServeWS)

	// 健康檢查（不限流）
	mux.HandleFunc("GET /health", h.recoverer(h.health))
	mux.HandleFunc("GET /health/live", h.recoverer(h.health))
	mux.HandleFunc("GET /health/ready", h.recoverer(h.ready))
	mux.HandleFunc("GET /health/detailed", h.recoverer(h.healthDetailed))

	return mux
}

// subject 限流主體：已驗證用戶用 user id，否則用客戶端 IP
func (h *Handler) subject(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		if claims, err := h.auth.Verify(token); err == nil {
			return claims.UserID
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// 請求結構

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createCharacterRequest struct {
	Name string `json:"name"`
}

type combatActionRequest struct {
	Action string          `json:"action"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// register 註冊新帳號並直接簽發 token
func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "username and password required"))
		return
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	pair, err := h.auth.Register(r.Context(), req.Username, req.Password, host, r.UserAgent())
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondData(w, http.StatusCreated, pair)
}

// login 帳號密碼登入
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "username and password required"))
		return
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	pair, err := h.auth.Login(r.Context(), req.Username, req.Password, host, r.UserAgent())
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondData(w, http.StatusOK, pair)
}

// refresh 刷新 token
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "refresh_token required"))
		return
	}

	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondData(w, http.StatusOK, pair)
}

// logout 登出
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "refresh_token required"))
		return
	}

	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		h.respondError(w, err)
		return
	}

	h.respondData(w, http.StatusOK, map[string]bool{"logged_out": true})
}

// createCharacter 為當前用戶建立角色
func (h *Handler) createCharacter(w http.ResponseWriter, r *http.Request) {
	var req createCharacterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "character name required"))
		return
	}

	claims := claimsFrom(r.Context())
	c, err := h.characters.Create(r.Context(), claims.UserID, req.Name)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondData(w, http.StatusCreated, c)
}

// listCharacters 列出當前用戶的角色
func (h *Handler) listCharacters(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	characters, err := h.characters.ListByUser(r.Context(), claims.UserID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondData(w, http.StatusOK, characters)
}

// getCharacter 查詢單一角色
func (h *Handler) getCharacter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "character id required"))
		return
	}

	c, err := h.characters.GetByID(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondData(w, http.StatusOK, c)
}

// combatAction 戰鬥動作
//
// 同一戰鬥會話的動作必須序列化：取得 combat:<session_id> 的分散式鎖
// 後才執行。鎖重試耗盡返回 503，回應中指明資源。
func (h *Handler) combatAction(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "session_id required"))
		return
	}

	var req combatActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "action required"))
		return
	}

	claims := claimsFrom(r.Context())
	resource := "combat:" + sessionID

	var result map[string]any
	err := h.locker.WithLock(r.Context(), resource, h.lockTTL, h.lockOpts, func(ctx context.Context) error {
		// 鎖內執行戰鬥回合
		h.hub.Broadcast(realtime.Event{
			Type: realtime.EventCombat,
			Data: mustMarshal(map[string]any{
				"session_id":   sessionID,
				"actor":        claims.UserID,
				"action":       req.Action,
				"detail":       req.Detail,
				"timestamp_ms": time.Now().UnixMilli(),
			}),
		})

		result = map[string]any{
			"session_id": sessionID,
			"action":     req.Action,
			"applied":    true,
		}
		return nil
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondData(w, http.StatusOK, result)
}

// onlineUsers 在線用戶列表
func (h *Handler) onlineUsers(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if param := r.URL.Query().Get("limit"); param != "" {
		if parsed, err := strconv.Atoi(param); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	users := h.presence.GetOnlineUsers(r.Context(), limit)
	h.respondData(w, http.StatusOK, users)
}

// presenceStats 在線統計（含 hub 連接統計）
func (h *Handler) presenceStats(w http.ResponseWriter, r *http.Request) {
	stats := h.presence.GetPresenceStats(r.Context())
	hubStats := h.hub.Stats()

	h.respondData(w, http.StatusOK, map[string]any{
		"online_count": stats.OnlineCount,
		"active_count": stats.ActiveCount,
		"connections":  hubStats.Connections,
		"by_state":     hubStats.ByState,
	})
}

// getPresence 查詢單一用戶的在線狀態
func (h *Handler) getPresence(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		h.respondError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "user_id required"))
		return
	}

	record := h.presence.GetPresence(r.Context(), userID)
	h.respondData(w, http.StatusOK, record)
}

// health 存活檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.respondData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready 就緒檢查：Redis 與 PostgreSQL 都要可達
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.kv.Ping(ctx); err != nil {
		h.respondError(w, apperrors.ErrRedisUnavailable)
		return
	}
	if err := h.pg.Ping(ctx); err != nil {
		h.respondError(w, apperrors.ErrDatabaseUnavailable)
		return
	}

	h.respondData(w, http.StatusOK, map[string]string{"status": "ready"})
}

// healthDetailed 各依賴的個別狀態
func (h *Handler) healthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	redisStatus := "ok"
	if err := h.kv.Ping(ctx); err != nil {
		redisStatus = "unavailable"
	}
	pgStatus := "ok"
	if err := h.pg.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	status := http.StatusOK
	if redisStatus != "ok" || pgStatus != "ok" {
		status = http.StatusServiceUnavailable
	}

	h.respondData(w, status, map[string]any{
		"redis":      redisStatus,
		"postgres":   pgStatus,
		"websocket":  h.hub.Stats(),
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// 中間件

// authRequired 驗證 Bearer token 並注入聲明
func (h *Handler) authRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.respondError(w, apperrors.New(apperrors.ErrCodeUnauthorized, "missing access token"))
			return
		}

		claims, err := h.auth.Verify(token)
		if err != nil {
			h.respondError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = logger.WithUserID(ctx, claims.UserID)
		next(w, r.WithContext(ctx))
	}
}

// requestID 注入請求 ID
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := logger.WithRequestID(r.Context(), id)
		next(w, r.WithContext(ctx))
	}
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(ww, r)

		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				h.respondError(w, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()
		next(w, r)
	}
}

// 回應輔助

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func (h *Handler) respondData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal server error")
	}

	status := statusFor(appErr.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := envelope{
		Success: false,
		Error: &errorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeLockTimeout, apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func claimsFrom(ctx context.Context) *auth.Claims {
	if claims, ok := ctx.Value(claimsKey{}).(*auth.Claims); ok {
		return claims
	}
	return &auth.Claims{}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

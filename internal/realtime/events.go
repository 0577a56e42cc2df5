package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/koopa0/realm-server/internal/presence"
	"github.com/koopa0/realm-server/internal/ratelimit"
	apperrors "github.com/koopa0/realm-server/pkg/errors"
	"github.com/koopa0/realm-server/pkg/logger"
)

// 事件類型
const (
	EventConnected   = "connection:established"
	EventHeartbeat   = "heartbeat"
	EventPing        = "ping"
	EventPong        = "pong"
	EventChat        = "chat:message"
	EventMove        = "character:move"
	EventCombat      = "combat:action"
	EventError       = "error"
	EventRateLimited = "RATE_LIMIT_EXCEEDED"
)

// Event 事件信封（入站與出站共用）
type Event struct {
	Type       string          `json:"type"`
	Event      string          `json:"event,omitempty"`
	Message    string          `json:"message,omitempty"`
	RetryAfter int64           `json:"retryAfter,omitempty"` // 毫秒
	Data       json.RawMessage `json:"data,omitempty"`
}

// Handler 事件處理器
type Handler func(ctx context.Context, c *Connection, data json.RawMessage) error

// Middleware 處理器裝飾器
//
// 限流等橫切關注點以普通函數組合實現：
// 註冊時把處理器包進裝飾器鏈，沒有隱式攔截。
type Middleware func(next Handler) Handler

// withRateLimit 限流裝飾器
//
// 拒絕不是錯誤：發送結構化的 RATE_LIMIT_EXCEEDED 事件後吞掉請求，
// 連接保持打開。
func (hub *Hub) withRateLimit(event string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, c *Connection, data json.RawMessage) error {
			result := hub.limiter.Check(ctx, c.UserID, event)
			if !result.Allowed {
				c.sendEvent(Event{
					Type:       EventRateLimited,
					Event:      event,
					Message:    "rate limit exceeded for " + event,
					RetryAfter: result.RetryAfter.Milliseconds(),
				})
				return nil
			}
			return next(ctx, c, data)
		}
	}
}

// register 把處理器連同裝飾器鏈註冊到事件類型
func (hub *Hub) registerHandler(event string, handler Handler, middlewares ...Middleware) {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	hub.handlers[event] = handler
}

// registerHandlers 註冊所有入站事件處理器
func (hub *Hub) registerHandlers() {
	hub.registerHandler(EventHeartbeat, hub.handleHeartbeat, hub.withRateLimit(ratelimit.EventHeartbeat))
	hub.registerHandler(EventPing, hub.handlePing, hub.withRateLimit(ratelimit.EventPing))
	hub.registerHandler(EventChat, hub.handleChat, hub.withRateLimit(ratelimit.EventChat))
	hub.registerHandler(EventMove, hub.handleMove, hub.withRateLimit(ratelimit.EventMove))
	hub.registerHandler(EventCombat, hub.handleCombat, hub.withRateLimit(ratelimit.EventCombat))
}

// dispatch 解析入站消息並分發給註冊的處理器
func (hub *Hub) dispatch(c *Connection, message []byte) {
	var event Event
	if err := json.Unmarshal(message, &event); err != nil {
		c.sendEvent(Event{Type: EventError, Message: "malformed event"})
		return
	}

	handler, exists := hub.handlers[event.Type]
	if !exists {
		hub.logger.Debug("unknown event type",
			"type", event.Type,
			"conn_id", c.ID,
			"user_id", c.UserID)
		c.sendEvent(Event{Type: EventError, Event: event.Type, Message: "unknown event type"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = logger.WithUserID(ctx, c.UserID)
	ctx = logger.WithConnID(ctx, c.ID)

	if err := handler(ctx, c, event.Data); err != nil {
		hub.logger.Error("event handler failed",
			"type", event.Type,
			"conn_id", c.ID,
			"user_id", c.UserID,
			"error", err)

		message := "internal error"
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			message = appErr.Message
		}
		c.sendEvent(Event{Type: EventError, Event: event.Type, Message: message})
	}
}

// handleHeartbeat 心跳事件：刷新在線狀態並回應
func (hub *Hub) handleHeartbeat(ctx context.Context, c *Connection, _ json.RawMessage) error {
	online := true
	if _, err := hub.presence.UpdatePresence(ctx, c.UserID, presence.Update{
		Online:   &online,
		Activity: presence.ActivityOnline,
	}); err != nil {
		return err
	}

	c.sendEvent(Event{
		Type: "heartbeat:ack",
		Data: mustMarshal(map[string]any{"server_time_ms": time.Now().UnixMilli()}),
	})
	return nil
}

// handlePing 應用層 ping（websocket 控制幀心跳之外的顯式檢測）
func (hub *Hub) handlePing(_ context.Context, c *Connection, _ json.RawMessage) error {
	c.sendEvent(Event{Type: EventPong})
	return nil
}

type chatPayload struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

// handleChat 聊天消息：記錄活動並廣播
func (hub *Hub) handleChat(ctx context.Context, c *Connection, data json.RawMessage) error {
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Text == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "chat message requires text")
	}

	if err := hub.presence.TrackActivity(ctx, c.UserID, presence.ActivityOnline, map[string]string{
		"event": EventChat,
	}); err != nil {
		hub.logger.Warn("failed to track chat activity", "user_id", c.UserID, "error", err)
	}

	hub.Broadcast(Event{
		Type: EventChat,
		Data: mustMarshal(map[string]any{
			"from":         c.UserID,
			"username":     c.Username,
			"text":         payload.Text,
			"channel":      payload.Channel,
			"timestamp_ms": time.Now().UnixMilli(),
		}),
	})
	return nil
}

type movePayload struct {
	CharacterID string  `json:"character_id"`
	Zone        string  `json:"zone"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

// handleMove 角色移動：寫入權威位置並廣播
func (hub *Hub) handleMove(ctx context.Context, c *Connection, data json.RawMessage) error {
	var payload movePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.CharacterID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "move requires character_id")
	}

	// 只能移動自己的角色
	if c.CharacterID != "" && c.CharacterID != payload.CharacterID {
		return apperrors.New(apperrors.ErrCodeUnauthorized, "character does not belong to this session")
	}

	if err := hub.characters.UpdatePosition(ctx, payload.CharacterID, payload.Zone, payload.X, payload.Y); err != nil {
		return err
	}

	if err := hub.presence.TrackActivity(ctx, c.UserID, presence.ActivityOnline, map[string]string{
		"event": EventMove,
		"zone":  payload.Zone,
	}); err != nil {
		hub.logger.Warn("failed to track move activity", "user_id", c.UserID, "error", err)
	}

	hub.Broadcast(Event{
		Type: EventMove,
		Data: mustMarshal(map[string]any{
			"character_id": payload.CharacterID,
			"zone":         payload.Zone,
			"x":            payload.X,
			"y":            payload.Y,
			"timestamp_ms": time.Now().UnixMilli(),
		}),
	})
	return nil
}

type combatPayload struct {
	SessionID string          `json:"session_id"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// handleCombat 戰鬥動作：同一戰鬥會話的動作以分散式鎖序列化
func (hub *Hub) handleCombat(ctx context.Context, c *Connection, data json.RawMessage) error {
	var payload combatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.SessionID == "" || payload.Action == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "combat action requires session_id and action")
	}

	resource := "combat:" + payload.SessionID
	return hub.locker.WithLock(ctx, resource, hub.lockTTL, hub.lockOpts, func(ctx context.Context) error {
		if err := hub.presence.TrackActivity(ctx, c.UserID, presence.ActivityOnline, map[string]string{
			"event":   EventCombat,
			"session": payload.SessionID,
		}); err != nil {
			hub.logger.Warn("failed to track combat activity", "user_id", c.UserID, "error", err)
		}

		hub.Broadcast(Event{
			Type: EventCombat,
			Data: mustMarshal(map[string]any{
				"session_id":   payload.SessionID,
				"actor":        c.UserID,
				"action":       payload.Action,
				"detail":       payload.Detail,
				"timestamp_ms": time.Now().UnixMilli(),
			}),
		})
		return nil
	})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

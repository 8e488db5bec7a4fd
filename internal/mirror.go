package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror 把房間清單與統計鏡射到 Redis，供外部大廳服務查詢
//
// 純粹是最佳努力的旁路：Redis 不可用時所有操作靜默降級，
// 遊戲邏輯完全不受影響。nil *Mirror 上的方法都是安全的 no-op。
type Mirror struct {
	client *redis.Client
	logger *slog.Logger
}

const (
	mirrorRoomKeyPrefix = "pong:room:"
	mirrorStatsKey      = "pong:stats"
	mirrorRoomTTL       = 2 * time.Minute
)

// NewMirror 建立鏡射；Redis 無法連上時回傳錯誤，呼叫端可選擇降級為 nil
func NewMirror(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Mirror{client: client, logger: logger}, nil
}

// PublishRoom 寫入單一房間快照（帶 TTL，房間消失後自動過期）
func (m *Mirror) PublishRoom(ctx context.Context, info RoomInfo) {
	if m == nil {
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, mirrorRoomKeyPrefix+info.RoomID, data, mirrorRoomTTL).Err(); err != nil {
		m.logger.Debug("房間快照鏡射失敗", "room_id", info.RoomID, "error", err)
	}
}

// RemoveRoom 刪除房間快照
func (m *Mirror) RemoveRoom(ctx context.Context, roomID string) {
	if m == nil {
		return
	}
	if err := m.client.Del(ctx, mirrorRoomKeyPrefix+roomID).Err(); err != nil {
		m.logger.Debug("房間快照刪除失敗", "room_id", roomID, "error", err)
	}
}

// PublishStats 寫入整體統計
func (m *Mirror) PublishStats(ctx context.Context, stats Stats) {
	if m == nil {
		return
	}
	if err := m.client.HSet(ctx, mirrorStatsKey,
		"total_rooms", stats.TotalRooms,
		"active_games", stats.ActiveGames,
		"total_players", stats.TotalPlayers,
		"updated_at", time.Now().Unix(),
	).Err(); err != nil {
		m.logger.Debug("統計鏡射失敗", "error", err)
	}
}

// Close 關閉 Redis 連線
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}

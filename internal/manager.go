package internal

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/koopa0/pong-arena/pkg/errors"
)

// 系統設計問題：
//   單一進程內如何管理大量並發房間的創建、查找與回收？
//
// 核心挑戰：
//   1. 生成不易混淆、不易撞碼的房間代碼
//   2. 玩家 → 房間的反向索引在重連換連線時保持一致
//   3. 閒置房間的定期回收，避免記憶體無限增長
//   4. 房間自行終結（棄權）與註冊表刪除之間不能死鎖
//
// 設計方案：
//   ✅ RWMutex 保護三張映射表，讀多寫少
//   ✅ 房間回調只在釋放自身鎖後觸達註冊表
//   ✅ 背景清掃 goroutine 以固定間隔回收過期房間

// 房間代碼字母表：剔除 0 / O / 1 / I 等易混淆字元
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const roomCodeLength = 6

// Stats 管理器整體統計
type Stats struct {
	TotalRooms   int `json:"totalRooms"`
	ActiveGames  int `json:"activeGames"`
	TotalPlayers int `json:"totalPlayers"`
}

// Manager 房間管理器
type Manager struct {
	cfg    *Config
	logger *slog.Logger
	store  MatchStore
	mirror *Mirror

	mu             sync.RWMutex
	rooms          map[string]*Room
	playerRoom     map[string]string // playerID -> roomID
	matchBySession map[string]int64  // roomID -> 持久化紀錄識別碼

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 創建管理器並啟動背景清掃
func NewManager(cfg *Config, logger *slog.Logger, store MatchStore, mirror *Mirror) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		mirror:         mirror,
		rooms:          make(map[string]*Room),
		playerRoom:     make(map[string]string),
		matchBySession: make(map[string]int64),
		ctx:            ctx,
		cancel:         cancel,
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

// CreateRoom 創建新房間，回傳房間代碼
func (m *Manager) CreateRoom() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID, err := m.generateRoomCodeLocked()
	if err != nil {
		return "", err
	}

	room := m.newRoomLocked(roomID)
	m.rooms[roomID] = room

	m.logger.Info("房間已創建", "room_id", roomID, "total_rooms", len(m.rooms))
	m.publishRoomAsync(room)
	return roomID, nil
}

// newRoomLocked 構造房間並接上回調
func (m *Manager) newRoomLocked(roomID string) *Room {
	return NewRoom(roomID, m.cfg, m.logger, m.store, RoomHooks{
		OnTeardown:     m.onRoomTeardown,
		OnMatchCreated: m.RegisterMatchMapping,
	})
}

// generateRoomCodeLocked 生成未被佔用的房間代碼
func (m *Manager) generateRoomCodeLocked() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		buf := make([]byte, roomCodeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", apperrors.Wrap(apperrors.ErrCodeInternal, "生成房間代碼失敗", err)
		}
		for i, b := range buf {
			buf[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
		}
		code := string(buf)
		if _, exists := m.rooms[code]; !exists {
			return code, nil
		}
	}
	return "", apperrors.New(apperrors.ErrCodeInternal, "房間代碼空間耗盡")
}

// JoinRoom 加入房間
//
// 房間不存在時自動創建。容量已滿且非重連時回傳 ROOM_FULL，
// 不修改既有房間狀態。成功後維護 playerID → roomID 的索引。
func (m *Manager) JoinRoom(roomID, playerID string, conn Conn, info PlayerInfo) (*Room, AddResult, error) {
	m.mu.Lock()
	room, exists := m.rooms[roomID]
	if !exists || room.IsClosed() {
		room = m.newRoomLocked(roomID)
		m.rooms[roomID] = room
		m.logger.Info("按需創建房間", "room_id", roomID)
	}
	m.mu.Unlock()

	result, err := room.AddPlayer(playerID, conn, info)
	if err != nil {
		return nil, AddResult{}, err
	}

	m.mu.Lock()
	if result.OldPlayerID != "" {
		delete(m.playerRoom, result.OldPlayerID)
	}
	m.playerRoom[playerID] = roomID
	m.mu.Unlock()

	m.publishRoomAsync(room)
	return room, result, nil
}

// LeaveRoom 玩家離開房間
//
// 對戰中的離開由房間決定走寬限還是棄權；空房間立即回收。
func (m *Manager) LeaveRoom(roomID, playerID string) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		delete(m.playerRoom, playerID)
		m.mu.Unlock()
		return
	}

	_ = room.RemovePlayer(playerID)

	m.mu.Lock()
	delete(m.playerRoom, playerID)
	m.mu.Unlock()

	if room.IsClosed() || room.IsEmpty() {
		m.removeRoom(roomID)
	} else {
		m.publishRoomAsync(room)
	}
}

// GetRoom 查找房間
func (m *Manager) GetRoom(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// RoomOfPlayer 反查玩家所在的房間
func (m *Manager) RoomOfPlayer(playerID string) (*Room, bool) {
	m.mu.RLock()
	roomID, ok := m.playerRoom[playerID]
	if !ok {
		m.mu.RUnlock()
		return nil, false
	}
	room, ok := m.rooms[roomID]
	m.mu.RUnlock()
	return room, ok
}

// FindAvailableRoom 配對：回傳任一未滿且未開賽的房間
func (m *Manager) FindAvailableRoom() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, room := range m.rooms {
		if !room.IsFull() && !room.IsPlaying() && !room.IsClosed() {
			return id, true
		}
	}
	return "", false
}

// ListRooms 列出所有房間快照
func (m *Manager) ListRooms() []RoomInfo {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.GetInfo())
	}
	return infos
}

// Stats 整體統計
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	stats := Stats{TotalRooms: len(rooms)}
	for _, room := range rooms {
		if room.IsPlaying() {
			stats.ActiveGames++
		}
		stats.TotalPlayers += room.PlayerCount()
	}
	return stats
}

// ---- session → match 映射 ----

// RegisterMatchMapping 登記房間對應的持久化紀錄
func (m *Manager) RegisterMatchMapping(roomID string, matchID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchBySession[roomID] = matchID
}

// MatchMapping 查詢房間對應的持久化紀錄
func (m *Manager) MatchMapping(roomID string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.matchBySession[roomID]
	return id, ok
}

// ClearMatchMapping 清除映射
func (m *Manager) ClearMatchMapping(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.matchBySession, roomID)
}

// FinishMatchBySession 外部裁決路徑：按房間代碼寫入最終結果
//
// 給受信任的內部服務使用，繞過房間內的比賽流程。
func (m *Manager) FinishMatchBySession(ctx context.Context, roomID, winnerID string, score1, score2 int) error {
	matchID, ok := m.MatchMapping(roomID)
	if !ok {
		return apperrors.New(apperrors.ErrCodeNotFound, "找不到對應的對戰紀錄")
	}
	if err := m.store.FinishMatch(ctx, matchID, winnerID, score1, score2); err != nil {
		return err
	}
	m.ClearMatchMapping(roomID)
	return nil
}

// ---- 回收 ----

// onRoomTeardown 房間自行終結後的回調（棄權 / 清空）
func (m *Manager) onRoomTeardown(roomID string) {
	m.removeRoom(roomID)
}

// removeRoom 從註冊表刪除房間並清理索引（冪等）
func (m *Manager) removeRoom(roomID string) {
	m.mu.Lock()
	room, exists := m.rooms[roomID]
	if exists {
		delete(m.rooms, roomID)
	}
	for pid, rid := range m.playerRoom {
		if rid == roomID {
			delete(m.playerRoom, pid)
		}
	}
	delete(m.matchBySession, roomID)
	m.mu.Unlock()

	if exists {
		room.Close()
		m.logger.Info("房間已回收", "room_id", roomID)
		go m.mirror.RemoveRoom(context.Background(), roomID)
	}
}

// sweepLoop 定期回收過期房間
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Game.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep 回收閒置超時或已終結的房間
func (m *Manager) sweep() {
	m.mu.RLock()
	var expired []string
	for id, room := range m.rooms {
		if room.IsClosed() || room.IsExpired(m.cfg.Game.RoomIdleTimeout) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.logger.Info("清掃過期房間", "room_id", id)
		m.removeRoom(id)
	}

	if len(expired) > 0 {
		go m.mirror.PublishStats(context.Background(), m.Stats())
	}
}

// publishRoomAsync 最佳努力地鏡射房間快照
func (m *Manager) publishRoomAsync(room *Room) {
	if m.mirror == nil {
		return
	}
	info := room.GetInfo()
	go m.mirror.PublishRoom(context.Background(), info)
}

// Stop 停止管理器：停掃、關閉所有房間
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.rooms = make(map[string]*Room)
	m.playerRoom = make(map[string]string)
	m.matchBySession = make(map[string]int64)
	m.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
	m.logger.Info("管理器已停止", "closed_rooms", len(rooms))
}

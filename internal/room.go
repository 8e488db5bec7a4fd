package internal

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	apperrors "github.com/koopa0/pong-arena/pkg/errors"
)

// 系統設計問題：
//   如何管理一場雙人對戰的完整生命週期，容忍短暫斷線，
//   並保證房間銷毀時不洩漏任何計時器？
//
// 核心挑戰：
//   1. 狀態管理：等待 → 準備 → 倒數 → 對戰 ⇄ 暫停 → 回合間倒數 → 結束
//   2. 斷線重連：穩定身份（userId）綁定槽位，連線把手（playerId）可替換
//   3. 活性檢測：每個槽位獨立的心跳監視器
//   4. 資源回收：tick 迴圈、倒數、心跳、寬限計時器必須原子化地全部取消
//
// 設計方案：
//   ✅ 單一寫入者 - GameState 只在持有房間鎖的回調中修改
//   ✅ context 樹 - 房間 ctx 取消即停掉迴圈 / 倒數 / 所有心跳
//   ✅ 寬限計時器 - 斷線後 15 秒內重連可無縫恢復原槽位
//   ✅ 變更檢測廣播 - 只在觀察欄位變化時推送 tick 狀態

// Conn 一條玩家連線
//
// 由 WebSocket 傳輸層實作；槽位在任一時刻獨占一條連線，
// 重連時先安裝新連線再丟棄舊連線。
type Conn interface {
	// Send 序列化並送出一則訊息（非阻塞語義由實作保證）
	Send(v any) error
	// Ping 送出傳輸層心跳
	Ping() error
	// Close 關閉連線
	Close() error
}

// SlotStatus 槽位狀態
type SlotStatus string

const (
	SlotConnected    SlotStatus = "connected"
	SlotDisconnected SlotStatus = "disconnected" // 寬限期內等待重連
)

// PlayerInfo 握手提供的結構化身份
//
// 穩定的 UserID 與臨時的連線識別分離，不在字串鍵裡編碼身份。
type PlayerInfo struct {
	UserID   string
	Username string
}

// PlayerSlot 玩家槽位
//
// 槽位與底層連線解耦：PlayerNumber 綁定穩定身份，在房間生命週期內不變。
type PlayerSlot struct {
	PlayerID      string // 臨時連線識別
	UserID        string // 穩定身份
	Username      string
	PlayerNumber  int
	Ready         bool
	Status        SlotStatus
	LastHeartbeat time.Time

	conn       Conn
	hbCancel   context.CancelFunc // 心跳監視器
	graceTimer *time.Timer        // 斷線寬限
}

// Side 槽位對應的方位
func (s *PlayerSlot) Side() Side {
	if s.PlayerNumber == 1 {
		return Side1
	}
	return Side2
}

// RoomHooks 房間對外的回調（由 Manager 注入，避免隱式全域狀態）
type RoomHooks struct {
	// OnTeardown 房間自行終結時通知註冊表清理（棄權導致的銷毀）
	OnTeardown func(roomID string)
	// OnMatchCreated 對戰紀錄創建成功時登記 session → match 映射
	OnMatchCreated func(roomID string, matchID int64)
}

// AddResult 加入 / 重連的結果，供 Manager 維護索引
type AddResult struct {
	PlayerNumber int
	Reconnected  bool
	OldPlayerID  string // 重連時被替換的舊連線識別
}

// Room 遊戲房間
type Room struct {
	ID       string
	Capacity int

	mu           sync.Mutex
	slots        map[string]*PlayerSlot // playerID -> slot
	game         *GameState
	isPlaying    bool
	isPaused     bool
	closed       bool
	createdAt    time.Time
	lastActivity time.Time

	matchID      int64 // 持久化對戰紀錄（0 = 尚未創建）
	matchStarted bool

	cfg    *Config
	logger *slog.Logger
	store  MatchStore
	hooks  RoomHooks
	rnd    *rand.Rand

	ctx    context.Context // 房間生命週期，取消即停掉所有子計時器
	cancel context.CancelFunc
	wg     sync.WaitGroup

	loopCancel      context.CancelFunc
	countdownCancel context.CancelFunc
	lobbyTimer      *time.Timer // 棄權後延遲的 returnToLobby

	lastSent tickSnapshot // 變更檢測
}

// tickSnapshot 上次廣播的觀察欄位
type tickSnapshot struct {
	ballX, ballY       float64
	paddle1, paddle2   float64
	score1, score2     int
	status             GameStatus
	valid              bool
}

// NewRoom 創建房間
func NewRoom(id string, cfg *Config, logger *slog.Logger, store MatchStore, hooks RoomHooks) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Room{
		ID:           id,
		Capacity:     2,
		slots:        make(map[string]*PlayerSlot),
		game:         NewGameState(cfg.Game.ScoreLimit, cfg.Game.MaxRounds),
		createdAt:    now,
		lastActivity: now,
		cfg:          cfg,
		logger:       logger.With("room_id", id),
		store:        store,
		hooks:        hooks,
		rnd:          rand.New(rand.NewSource(now.UnixNano())),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// ---- 加入與重連 ----

// AddPlayer 加入玩家
//
// info.UserID 已佔有槽位時轉為重連；房間已滿時回傳容量錯誤，
// 不修改任何既有槽位的狀態。
func (r *Room) AddPlayer(playerID string, conn Conn, info PlayerInfo) (AddResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return AddResult{}, apperrors.New(apperrors.ErrCodeNotFound, "房間已關閉")
	}

	// 穩定身份已在房間內 → 重連
	if slot := r.slotByUserLocked(info.UserID); slot != nil {
		old := slot.PlayerID
		r.reconnectLocked(slot, playerID, conn, info)
		return AddResult{PlayerNumber: slot.PlayerNumber, Reconnected: true, OldPlayerID: old}, nil
	}

	if len(r.slots) >= r.Capacity {
		return AddResult{}, apperrors.New(apperrors.ErrCodeRoomFull, "房間已滿")
	}

	number := r.nextPlayerNumberLocked()
	slot := &PlayerSlot{
		PlayerID:      playerID,
		UserID:        info.UserID,
		Username:      info.Username,
		PlayerNumber:  number,
		Status:        SlotConnected,
		LastHeartbeat: time.Now(),
		conn:          conn,
	}
	r.slots[playerID] = slot
	r.touchLocked()
	r.startHeartbeatLocked(slot)

	r.logger.Info("玩家加入房間",
		"player_id", playerID,
		"user_id", info.UserID,
		"player_number", number)

	r.broadcastLocked(PlayerEventPayload{
		Type:         MsgPlayerJoined,
		PlayerID:     playerID,
		PlayerNumber: number,
		Username:     slot.Username,
		TotalPlayers: len(r.slots),
	}, playerID)

	return AddResult{PlayerNumber: number}, nil
}

// reconnectLocked 重連：取消寬限計時器、換裝連線、保留槽位身份
func (r *Room) reconnectLocked(slot *PlayerSlot, playerID string, conn Conn, info PlayerInfo) {
	// 取消待決的強制移除
	if slot.graceTimer != nil {
		slot.graceTimer.Stop()
		slot.graceTimer = nil
	}
	// 停掉舊心跳監視器
	if slot.hbCancel != nil {
		slot.hbCancel()
		slot.hbCancel = nil
	}

	// 先安裝新連線，再丟棄舊把手
	oldConn := slot.conn
	slot.conn = conn
	if oldConn != nil && oldConn != conn {
		_ = oldConn.Close()
	}

	delete(r.slots, slot.PlayerID)
	slot.PlayerID = playerID
	if info.Username != "" {
		slot.Username = info.Username
	}
	slot.Status = SlotConnected
	slot.LastHeartbeat = time.Now()
	r.slots[playerID] = slot
	r.touchLocked()
	r.startHeartbeatLocked(slot)

	r.logger.Info("玩家重連",
		"player_id", playerID,
		"user_id", slot.UserID,
		"player_number", slot.PlayerNumber)

	// 私有快照：對戰中只推給重連者本人，不打擾對手
	r.sendToLocked(playerID, PlayerEventPayload{
		Type:         MsgPlayerReconnected,
		PlayerID:     playerID,
		PlayerNumber: slot.PlayerNumber,
	})
	if r.isPlaying {
		r.sendToLocked(playerID, GameStatePayload{Type: MsgGameState, State: r.gameCopyLocked()})
	} else {
		r.sendToLocked(playerID, RoomSnapshotPayload{Type: MsgRoomSnapshot, RoomInfo: r.infoLocked()})
	}

	// 所有槽位恢復連線且先前因斷線暫停 → 恢復對戰
	if r.isPlaying && r.isPaused && r.allConnectedLocked() {
		r.isPaused = false
		r.broadcastLocked(SimplePayload{Type: MsgResumed}, "")
	}
}

// nextPlayerNumberLocked 取最小的空閒編號（離開後重新加入不搶占既有編號）
func (r *Room) nextPlayerNumberLocked() int {
	for n := 1; n <= r.Capacity; n++ {
		taken := false
		for _, s := range r.slots {
			if s.PlayerNumber == n {
				taken = true
				break
			}
		}
		if !taken {
			return n
		}
	}
	return len(r.slots) + 1
}

func (r *Room) slotByUserLocked(userID string) *PlayerSlot {
	if userID == "" {
		return nil
	}
	for _, s := range r.slots {
		if s.UserID == userID {
			return s
		}
	}
	return nil
}

// ---- 離開與移除 ----

// RemovePlayer 移除玩家
//
// 對戰進行中（未暫停）的移除走寬限路徑，給重連留出窗口；
// 否則立即移除。
func (r *Room) RemovePlayer(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[playerID]
	if !ok {
		return apperrors.New(apperrors.ErrCodeNotFound, "玩家不在房間內")
	}

	if r.isPlaying && !r.isPaused && !r.closed {
		r.beginGraceLocked(slot)
		return nil
	}

	r.forceRemoveLocked(slot)
	return nil
}

// ForceRemovePlayer 跳過寬限期直接移除
func (r *Room) ForceRemovePlayer(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[playerID]
	if !ok {
		return apperrors.New(apperrors.ErrCodeNotFound, "玩家不在房間內")
	}
	r.forceRemoveLocked(slot)
	return nil
}

// beginGraceLocked 進入斷線寬限：標記槽位、暫停對戰、啟動強制移除計時器
func (r *Room) beginGraceLocked(slot *PlayerSlot) {
	if slot.Status == SlotDisconnected {
		return
	}

	slot.Status = SlotDisconnected
	if slot.hbCancel != nil {
		slot.hbCancel()
		slot.hbCancel = nil
	}
	if slot.conn != nil {
		_ = slot.conn.Close()
		slot.conn = nil
	}
	r.touchLocked()

	// 斷線期間暫停模擬，避免在場玩家無人防守時得分
	if r.isPlaying && !r.isPaused {
		r.isPaused = true
		r.broadcastLocked(SimplePayload{Type: MsgPaused}, "")
	}

	r.logger.Info("玩家斷線，進入寬限期",
		"player_id", slot.PlayerID,
		"user_id", slot.UserID,
		"grace_period", r.cfg.Game.GracePeriod)

	userID := slot.UserID
	slot.graceTimer = time.AfterFunc(r.cfg.Game.GracePeriod, func() {
		r.onGraceExpired(userID)
	})
}

// onGraceExpired 寬限期滿仍未重連 → 強制移除
func (r *Room) onGraceExpired(userID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	slot := r.slotByUserLocked(userID)
	if slot == nil || slot.Status != SlotDisconnected {
		r.mu.Unlock()
		return
	}
	r.logger.Info("寬限期滿，強制移除", "user_id", userID)
	r.forceRemoveLocked(slot)
	r.mu.Unlock()
}

// forceRemoveLocked 硬刪除槽位；對戰進行中則以棄權結束比賽
func (r *Room) forceRemoveLocked(slot *PlayerSlot) {
	if slot.graceTimer != nil {
		slot.graceTimer.Stop()
		slot.graceTimer = nil
	}
	if slot.hbCancel != nil {
		slot.hbCancel()
		slot.hbCancel = nil
	}
	if slot.conn != nil {
		_ = slot.conn.Close()
		slot.conn = nil
	}
	delete(r.slots, slot.PlayerID)
	r.touchLocked()

	// 開賽倒數中有人離開則中止倒數
	if !r.isPlaying && r.countdownCancel != nil {
		r.countdownCancel()
		r.countdownCancel = nil
	}

	if r.isPlaying {
		// 棄權：留在場上的一方獲勝
		winner := slot.Side().Opponent()
		r.logger.Info("對手斷線棄權",
			"left_user_id", slot.UserID,
			"winner", winner)

		r.endGameLocked(winner, true)

		r.broadcastLocked(PlayerEventPayload{
			Type:         MsgOpponentDisconnected,
			PlayerID:     slot.PlayerID,
			PlayerNumber: slot.PlayerNumber,
		}, "")

		// 短暫延遲後指示回到大廳，再終結房間
		r.lobbyTimer = time.AfterFunc(2*time.Second, func() {
			r.mu.Lock()
			if !r.closed {
				r.broadcastLocked(SimplePayload{Type: MsgReturnToLobby}, "")
				r.teardownLocked()
			}
			r.mu.Unlock()
			if r.hooks.OnTeardown != nil {
				r.hooks.OnTeardown(r.ID)
			}
		})
		return
	}

	r.broadcastLocked(PlayerEventPayload{
		Type:         MsgPlayerLeft,
		PlayerID:     slot.PlayerID,
		PlayerNumber: slot.PlayerNumber,
		Username:     slot.Username,
	}, "")

	// 最後一人離開，立即通知註冊表回收，不等閒置清掃
	if len(r.slots) == 0 {
		r.teardownLocked()
		if r.hooks.OnTeardown != nil {
			go r.hooks.OnTeardown(r.ID)
		}
	}
}

// ---- 心跳 ----

// Heartbeat 刷新槽位的最後心跳時間（應用層 ping 與傳輸層 pong 都會呼叫）
func (r *Room) Heartbeat(playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.slots[playerID]; ok {
		slot.LastHeartbeat = time.Now()
	}
}

// startHeartbeatLocked 為槽位啟動獨立的心跳監視器
func (r *Room) startHeartbeatLocked(slot *PlayerSlot) {
	ctx, cancel := context.WithCancel(r.ctx)
	slot.hbCancel = cancel
	playerID := slot.PlayerID

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		interval := r.cfg.Game.HeartbeatInterval
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !r.checkHeartbeat(playerID, interval) {
					return
				}
			}
		}
	}()
}

// checkHeartbeat 超過兩個心跳間隔沒有任何回應即視為斷線
func (r *Room) checkHeartbeat(playerID string, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[playerID]
	if !ok || slot.Status != SlotConnected || r.closed {
		return false
	}

	if time.Since(slot.LastHeartbeat) > 2*interval {
		r.logger.Warn("心跳超時", "player_id", playerID, "user_id", slot.UserID)
		if r.isPlaying && !r.isPaused {
			r.beginGraceLocked(slot)
		} else {
			r.forceRemoveLocked(slot)
		}
		return false
	}

	if slot.conn != nil {
		if err := slot.conn.Ping(); err != nil {
			r.logger.Debug("心跳發送失敗", "player_id", playerID, "error", err)
		}
	}
	return true
}

// ---- 準備與開賽 ----

// SetPlayerReady 設置玩家準備狀態；全員就緒後觸發開賽倒數
func (r *Room) SetPlayerReady(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[playerID]
	if !ok {
		return apperrors.New(apperrors.ErrCodeNotFound, "玩家不在房間內")
	}

	slot.Ready = true
	r.touchLocked()

	r.broadcastLocked(PlayerEventPayload{
		Type:         MsgPlayerReady,
		PlayerID:     playerID,
		PlayerNumber: slot.PlayerNumber,
	}, playerID)

	if r.allReadyLocked() {
		r.startCountdownLocked()
	}
	return nil
}

func (r *Room) allReadyLocked() bool {
	if len(r.slots) < r.Capacity {
		return false
	}
	for _, s := range r.slots {
		if !s.Ready || s.Status != SlotConnected {
			return false
		}
	}
	return true
}

func (r *Room) allConnectedLocked() bool {
	if len(r.slots) < r.Capacity {
		return false
	}
	for _, s := range r.slots {
		if s.Status != SlotConnected {
			return false
		}
	}
	return true
}

// startCountdownLocked 開賽倒數（冪等：清掉前一次倒數）
func (r *Room) startCountdownLocked() {
	if r.isPlaying {
		return
	}
	if r.countdownCancel != nil {
		r.countdownCancel()
	}

	// 賽後全員重新就緒視為重賽，整場狀態歸零並另開一筆紀錄
	if r.game.Tournament.Status == GameEnded {
		r.game = NewGameState(r.cfg.Game.ScoreLimit, r.cfg.Game.MaxRounds)
		r.matchID = 0
		r.matchStarted = false
		r.lastSent = tickSnapshot{}
	}

	// 對戰紀錄 fire-and-forget，失敗只記日誌，不阻塞開賽
	if r.matchID == 0 {
		r.createMatchRecordLocked()
	}

	// 初始快照 + gameStart
	r.broadcastLocked(GameStatePayload{Type: MsgGameStart, State: r.gameCopyLocked()}, "")

	ctx, cancel := context.WithCancel(r.ctx)
	r.countdownCancel = cancel
	seconds := r.cfg.Game.CountdownSeconds

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		// 留給客戶端切換場景的短暫延遲
		if !sleepCtx(ctx, 500*time.Millisecond) {
			return
		}

		for count := seconds; count >= 0; count-- {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return
			}
			r.broadcastLocked(CountdownPayload{Type: MsgCountdown, Count: count}, "")
			r.mu.Unlock()

			if count == 0 {
				r.StartGame()
				return
			}
			if !sleepCtx(ctx, time.Second) {
				return
			}
		}
	}()
}

// createMatchRecordLocked 請求持久化協作者創建對戰紀錄（最佳努力）
func (r *Room) createMatchRecordLocked() {
	var p1, p2 string
	for _, s := range r.slots {
		if s.PlayerNumber == 1 {
			p1 = s.UserID
		} else {
			p2 = s.UserID
		}
	}
	if p1 == "" || p2 == "" {
		return
	}

	roomID := r.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		matchID, err := r.store.CreateMatch(ctx, p1, p2)
		if err != nil {
			r.logger.Error("創建對戰紀錄失敗", "error", err)
			return
		}

		r.mu.Lock()
		r.matchID = matchID
		r.mu.Unlock()

		if r.hooks.OnMatchCreated != nil {
			r.hooks.OnMatchCreated(roomID, matchID)
		}
	}()
}

// StartGame 開始對戰
//
// 已在對戰中為 no-op。重置發球、標記狀態、啟動固定頻率 tick 迴圈。
func (r *Room) StartGame() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isPlaying || r.closed || len(r.slots) < r.Capacity {
		return
	}

	r.game.StartPlay(r.rnd)
	r.isPlaying = true
	r.isPaused = false
	r.lastSent = tickSnapshot{}
	r.touchLocked()

	if r.matchID != 0 && !r.matchStarted {
		r.matchStarted = true
		matchID := r.matchID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.store.StartMatch(ctx, matchID); err != nil {
				r.logger.Error("標記對戰開始失敗", "match_id", matchID, "error", err)
			}
		}()
	}

	r.logger.Info("對戰開始", "tick_rate", r.cfg.Game.TickRate)
	r.startLoopLocked()
}

// startLoopLocked 啟動 tick 迴圈（每房間至多一個）
func (r *Room) startLoopLocked() {
	if r.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.loopCancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.TickInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick()
			}
		}
	}()
}

// PauseGame 暫停對戰（不銷毀迴圈計時器）
func (r *Room) PauseGame() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isPlaying || r.isPaused || r.closed {
		return
	}
	r.isPaused = true
	r.broadcastLocked(SimplePayload{Type: MsgPaused}, "")
}

// ResumeGame 恢復對戰
func (r *Room) ResumeGame() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isPlaying || !r.isPaused || r.closed {
		return
	}
	r.isPaused = false
	r.broadcastLocked(SimplePayload{Type: MsgResumed}, "")
}

// ---- tick ----

// tick 推進一步模擬並按變更檢測策略廣播
func (r *Room) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.isPlaying || r.isPaused {
		return
	}
	// 無人觀戰的房間跳過模擬
	if r.connectedCountLocked() == 0 {
		return
	}
	if r.game.Tournament.Status != GamePlaying {
		return
	}

	result := r.game.Step(r.rnd)

	switch {
	case result.MatchWinner != SideNone:
		r.endGameLocked(result.MatchWinner, false)

	case result.RoundWinner != SideNone:
		r.beginRoundCountdownLocked()

	default:
		r.broadcastStateIfChangedLocked()
		if result.Scored != SideNone {
			r.broadcastLocked(HUDPayload{Type: MsgHUD, Summary: r.hudLocked()}, "")
		}
	}
}

// broadcastStateIfChangedLocked 只在觀察欄位變化時廣播 tick 狀態
func (r *Room) broadcastStateIfChangedLocked() {
	cur := tickSnapshot{
		ballX:   r.game.Ball.X,
		ballY:   r.game.Ball.Y,
		paddle1: r.game.Paddles.Player1,
		paddle2: r.game.Paddles.Player2,
		score1:  r.game.Score.Player1,
		score2:  r.game.Score.Player2,
		status:  r.game.Tournament.Status,
		valid:   true,
	}
	if cur == r.lastSent {
		return
	}
	r.lastSent = cur
	r.broadcastLocked(GameStatePayload{Type: MsgGameState, State: r.gameCopyLocked()}, "")
}

// beginRoundCountdownLocked 回合結束 → 倒數 → 下一回合
func (r *Room) beginRoundCountdownLocked() {
	r.game.Tournament.Status = GameRoundCountdown
	nextRound := r.game.Tournament.CurrentRound + 1

	r.broadcastLocked(HUDPayload{Type: MsgHUD, Summary: r.hudLocked()}, "")
	r.broadcastLocked(GameStatePayload{Type: MsgGameState, State: r.gameCopyLocked()}, "")

	if r.countdownCancel != nil {
		r.countdownCancel()
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.countdownCancel = cancel
	seconds := r.cfg.Game.CountdownSeconds

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		for count := seconds; count > 0; count-- {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return
			}
			r.broadcastLocked(CountdownPayload{Type: MsgCountdown, Count: count, Round: nextRound}, "")
			r.mu.Unlock()

			if !sleepCtx(ctx, time.Second) {
				return
			}
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || r.game.Tournament.Status != GameRoundCountdown {
			return
		}
		r.game.BeginNextRound(r.rnd)
		r.lastSent = tickSnapshot{}
		r.broadcastLocked(CountdownPayload{Type: MsgCountdown, Count: 0, Round: nextRound}, "")
		r.broadcastLocked(RoundStartPayload{Type: MsgRoundStart, Round: r.game.Tournament.CurrentRound}, "")
		r.broadcastLocked(GameStatePayload{Type: MsgGameState, State: r.gameCopyLocked()}, "")
	}()
}

// ---- 結束 ----

// EndGame 結束對戰（外部觸發路徑）
func (r *Room) EndGame(winner Side) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isPlaying {
		return
	}
	r.endGameLocked(winner, false)
}

// endGameLocked 停掉迴圈、標記結束、最佳努力持久化、廣播最終比分
func (r *Room) endGameLocked(winner Side, forfeit bool) {
	if r.loopCancel != nil {
		r.loopCancel()
		r.loopCancel = nil
	}
	if r.countdownCancel != nil {
		r.countdownCancel()
		r.countdownCancel = nil
	}

	r.isPlaying = false
	r.isPaused = false
	r.game.Tournament.Status = GameEnded
	r.game.Tournament.Winner = winner
	// 重賽需要雙方重新就緒
	for _, s := range r.slots {
		s.Ready = false
	}
	r.touchLocked()

	r.logger.Info("對戰結束",
		"winner", winner,
		"forfeit", forfeit,
		"rounds_won_p1", r.game.Tournament.RoundsWon.Player1,
		"rounds_won_p2", r.game.Tournament.RoundsWon.Player2)

	r.finishMatchRecordLocked(winner)

	r.broadcastLocked(GameEndPayload{
		Type:      MsgGameEnd,
		Winner:    winner,
		Forfeit:   forfeit,
		Score:     r.game.Score,
		RoundsWon: r.game.Tournament.RoundsWon,
	}, "")
}

// finishMatchRecordLocked 最佳努力寫入最終結果；記憶體中的狀態仍是權威
func (r *Room) finishMatchRecordLocked(winner Side) {
	if r.matchID == 0 {
		return
	}

	var winnerUserID string
	for _, s := range r.slots {
		if s.Side() == winner {
			winnerUserID = s.UserID
		}
	}

	matchID := r.matchID
	s1 := r.game.Tournament.RoundsWon.Player1
	s2 := r.game.Tournament.RoundsWon.Player2
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.FinishMatch(ctx, matchID, winnerUserID, s1, s2); err != nil {
			r.logger.Error("寫入對戰結果失敗", "match_id", matchID, "error", err)
		}
	}()
}

// ---- 輸入 ----

// UpdatePaddle 套用球拍移動指令（對戰中才生效）
func (r *Room) UpdatePaddle(playerID string, dir Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isPlaying || r.isPaused || r.closed {
		return
	}
	slot, ok := r.slots[playerID]
	if !ok {
		return
	}
	r.game.MovePaddle(slot.Side(), dir)
}

// ---- 廣播 ----

// Broadcast 廣播訊息給所有連線中的槽位（excludePlayerID 除外）
func (r *Room) Broadcast(msg any, excludePlayerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(msg, excludePlayerID)
}

func (r *Room) broadcastLocked(msg any, excludePlayerID string) {
	for id, slot := range r.slots {
		if id == excludePlayerID || slot.Status != SlotConnected || slot.conn == nil {
			continue
		}
		if err := slot.conn.Send(msg); err != nil {
			r.logger.Debug("廣播發送失敗", "player_id", id, "error", err)
		}
	}
}

// SendToPlayer 單播
func (r *Room) SendToPlayer(playerID string, msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendToLocked(playerID, msg)
}

func (r *Room) sendToLocked(playerID string, msg any) {
	slot, ok := r.slots[playerID]
	if !ok || slot.conn == nil {
		return
	}
	if err := slot.conn.Send(msg); err != nil {
		r.logger.Debug("單播發送失敗", "player_id", playerID, "error", err)
	}
}

// ---- 終結 ----

// Close 終結房間：取消所有計時器並關閉所有連線（冪等）
func (r *Room) Close() {
	r.mu.Lock()
	r.teardownLocked()
	r.mu.Unlock()
	r.wg.Wait()
}

// teardownLocked 取消 tick 迴圈、倒數、每個槽位的心跳與寬限計時器。
// 必須窮盡——任何漏掉的計時器都會洩漏到進程結束。
func (r *Room) teardownLocked() {
	if r.closed {
		return
	}
	r.closed = true

	// ctx 取消涵蓋迴圈 / 倒數 / 心跳 goroutine
	r.cancel()
	r.loopCancel = nil
	r.countdownCancel = nil

	if r.lobbyTimer != nil {
		r.lobbyTimer.Stop()
		r.lobbyTimer = nil
	}

	for _, slot := range r.slots {
		if slot.graceTimer != nil {
			slot.graceTimer.Stop()
			slot.graceTimer = nil
		}
		slot.hbCancel = nil
		if slot.conn != nil {
			_ = slot.conn.Close()
			slot.conn = nil
		}
	}

	r.isPlaying = false
	r.isPaused = false
}

// ---- 查詢 ----

// IsFull 房間是否已滿
func (r *Room) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) >= r.Capacity
}

// IsEmpty 房間是否為空
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) == 0
}

// IsPlaying 是否在對戰中
func (r *Room) IsPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPlaying
}

// IsPaused 是否暫停中
func (r *Room) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPaused
}

// IsClosed 是否已終結
func (r *Room) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// PlayerCount 槽位數（含寬限期內的斷線槽位）
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func (r *Room) connectedCountLocked() int {
	n := 0
	for _, s := range r.slots {
		if s.Status == SlotConnected {
			n++
		}
	}
	return n
}

// HasUser 穩定身份是否佔有槽位
func (r *Room) HasUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slotByUserLocked(userID) != nil
}

// PlayerNumber 取得玩家編號；不存在回傳 0
func (r *Room) PlayerNumber(playerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.slots[playerID]; ok {
		return slot.PlayerNumber
	}
	return 0
}

// IsExpired 房間是否過期（閒置超時）
func (r *Room) IsExpired(idleTimeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true
	}
	return time.Since(r.lastActivity) > idleTimeout
}

// GetInfo 可序列化的房間快照
func (r *Room) GetInfo() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked()
}

func (r *Room) infoLocked() RoomInfo {
	players := make([]SlotInfo, 0, len(r.slots))
	for _, s := range r.slots {
		players = append(players, SlotInfo{
			PlayerID:     s.PlayerID,
			PlayerNumber: s.PlayerNumber,
			Username:     s.Username,
			Ready:        s.Ready,
			Status:       s.Status,
		})
	}

	return RoomInfo{
		RoomID:       r.ID,
		Players:      players,
		TotalPlayers: len(r.slots),
		MaxPlayers:   r.Capacity,
		IsPlaying:    r.isPlaying,
		IsPaused:     r.isPaused,
		IsFull:       len(r.slots) >= r.Capacity,
		CreatedAt:    r.createdAt.Unix(),
		LastActivity: r.lastActivity.Unix(),
		Score:        r.game.Score,
		Tournament:   r.game.Tournament,
	}
}

// GameSnapshot 目前模擬狀態的拷貝（測試與快照推送使用）
func (r *Room) GameSnapshot() GameState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.game
}

func (r *Room) gameCopyLocked() *GameState {
	cp := *r.game
	return &cp
}

func (r *Room) hudLocked() HUDSummary {
	return HUDSummary{
		Score:        r.game.Score,
		RoundsWon:    r.game.Tournament.RoundsWon,
		CurrentRound: r.game.Tournament.CurrentRound,
		MaxRounds:    r.game.Tournament.MaxRounds,
		ScoreLimit:   r.game.Tournament.ScoreLimit,
	}
}

func (r *Room) touchLocked() {
	r.lastActivity = time.Now()
}

// sleepCtx 可取消的等待；ctx 取消時回傳 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package internal

import (
	"math"
	"math/rand"
)

// 系統設計問題：
//   如何讓伺服器成為遊戲狀態的唯一權威，同時保持模擬邏輯可測試？
//
// 核心挑戰：
//   1. 確定性：同樣的輸入必須產生同樣的結果（回歸測試的前提）
//   2. 純函數：物理推進不依賴房間 / 計時器 / 網路狀態
//   3. 邊界語義：得分若且唯若球越過球拍線後的邊界
//
// 設計方案：
//   ✅ 純狀態轉移函數 - Step 只讀寫 GameState
//   ✅ 可注入隨機源 - 發球角度在測試中可重現
//   ✅ 固定反彈速度 - 回球速度恆定（不隨反彈遞增）

// 球場與物理常數
//
// 座標系：x ∈ [-50, 50]，y ∈ [-100, 100]，原點在球場中心。
// 球拍貼著 x = ±50 的邊界線，沿 y 軸移動。
const (
	CourtHalfWidth  = 50.0  // 球拍線位置
	CourtHalfHeight = 100.0 // 上下邊界
	WallClamp       = 96.0  // 球心在牆面反彈時的夾取位置

	PaddleWidth  = 2.0
	PaddleHeight = 40.0
	PaddleSpeed  = 15.0 // 每次指令的位移量

	BallRadius  = 2.0
	BallSpeed   = 0.8 // 每 tick 的速度係數
	BounceSpeed = 1.2 // 反彈後速度分量的固定幅值
)

// Side 玩家方位
type Side string

const (
	SideNone Side = ""
	Side1    Side = "player1"
	Side2    Side = "player2"
)

// Opponent 對手方位
func (s Side) Opponent() Side {
	switch s {
	case Side1:
		return Side2
	case Side2:
		return Side1
	}
	return SideNone
}

// GameStatus 模擬狀態
type GameStatus string

const (
	GameWaiting        GameStatus = "waiting"
	GamePlaying        GameStatus = "playing"
	GameRoundEnd       GameStatus = "roundEnd"
	GameRoundCountdown GameStatus = "roundCountdown"
	GameEnded          GameStatus = "gameEnd"
)

// Ball 球的位置與速度
type Ball struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Score 雙方分數
type Score struct {
	Player1 int `json:"player1"`
	Player2 int `json:"player2"`
}

// Get 取得指定方位的分數
func (s Score) Get(side Side) int {
	if side == Side1 {
		return s.Player1
	}
	return s.Player2
}

// Paddles 雙方球拍的 y 座標（中心點）
type Paddles struct {
	Player1 float64 `json:"player1"`
	Player2 float64 `json:"player2"`
}

// Tournament 回合賽進度（best-of-N）
type Tournament struct {
	CurrentRound    int        `json:"currentRound"`
	MaxRounds       int        `json:"maxRounds"`
	ScoreLimit      int        `json:"scoreLimit"`
	RoundsWon       Score      `json:"roundsWon"`
	Status          GameStatus `json:"gameStatus"`
	Winner          Side       `json:"winner,omitempty"`
	LastPointWinner Side       `json:"lastPointWinner,omitempty"`
}

// RoundsToWin 獲勝所需回合數：ceil(maxRounds / 2)
func (t *Tournament) RoundsToWin() int {
	return int(math.Ceil(float64(t.MaxRounds) / 2))
}

// GameState 一場對戰的完整模擬狀態
//
// 單一寫入者：只有擁有它的 Room 在自己的 tick / 倒數回調中修改，
// 模擬函數本身不加鎖。
type GameState struct {
	Score      Score      `json:"score"`
	Ball       Ball       `json:"ball"`
	Paddles    Paddles    `json:"paddles"`
	Tournament Tournament `json:"tournament"`
}

// NewGameState 創建初始模擬狀態
func NewGameState(scoreLimit, maxRounds int) *GameState {
	return &GameState{
		Ball: Ball{X: 0, Y: 0, DX: 1, DY: 0.5},
		Tournament: Tournament{
			CurrentRound: 1,
			MaxRounds:    maxRounds,
			ScoreLimit:   scoreLimit,
			Status:       GameWaiting,
		},
	}
}

// Direction 球拍移動指令
type Direction string

const (
	DirUp   Direction = "up"
	DirDown Direction = "down"
	DirStop Direction = "stop"
)

// ValidDirection 檢查方向值是否合法
func ValidDirection(d Direction) bool {
	return d == DirUp || d == DirDown || d == DirStop
}

// MovePaddle 按指令移動球拍，夾取在球場邊界內
func (g *GameState) MovePaddle(side Side, dir Direction) {
	var delta float64
	switch dir {
	case DirUp:
		delta = PaddleSpeed
	case DirDown:
		delta = -PaddleSpeed
	default:
		return
	}

	const top = CourtHalfHeight - PaddleHeight/2
	const bottom = -CourtHalfHeight + PaddleHeight/2

	switch side {
	case Side1:
		g.Paddles.Player1 = clamp(g.Paddles.Player1+delta, bottom, top)
	case Side2:
		g.Paddles.Player2 = clamp(g.Paddles.Player2+delta, bottom, top)
	}
}

// StepResult 單個 tick 的模擬結果
type StepResult struct {
	Scored      Side // 該 tick 得分方（無得分為空）
	RoundWinner Side // 該 tick 結束回合的獲勝方
	MatchWinner Side // 該 tick 結束整場比賽的獲勝方
}

// Step 推進一個 tick 的模擬
//
// 非 playing 狀態下為 no-op。得分與回合判定在同一個 tick 內完成，
// 確保 roundsWon 每回合恰好遞增一次。
func (g *GameState) Step(rnd *rand.Rand) StepResult {
	var result StepResult

	if g.Tournament.Status != GamePlaying {
		return result
	}

	g.Ball.X += g.Ball.DX * BallSpeed
	g.Ball.Y += g.Ball.DY * BallSpeed

	// 上下牆面反彈（夾取位置防止穿出）
	if g.Ball.Y >= WallClamp {
		g.Ball.Y = WallClamp
		g.Ball.DY = -g.Ball.DY
	} else if g.Ball.Y <= -WallClamp {
		g.Ball.Y = -WallClamp
		g.Ball.DY = -g.Ball.DY
	}

	// 左側球拍碰撞：球在碰撞帶內、在球拍半高窗口內、且仍朝球拍前進
	leftEdge := -CourtHalfWidth + PaddleWidth
	if g.Ball.X-BallRadius <= leftEdge &&
		g.Ball.X >= -CourtHalfWidth-5 &&
		g.Ball.DX < 0 &&
		g.Ball.Y >= g.Paddles.Player1-PaddleHeight/2 &&
		g.Ball.Y <= g.Paddles.Player1+PaddleHeight/2 {
		g.Ball.X = leftEdge + BallRadius
		g.bounceOffPaddle(g.Paddles.Player1)
	}

	// 右側球拍碰撞
	rightEdge := CourtHalfWidth - PaddleWidth
	if g.Ball.X+BallRadius >= rightEdge &&
		g.Ball.X <= CourtHalfWidth+5 &&
		g.Ball.DX > 0 &&
		g.Ball.Y >= g.Paddles.Player2-PaddleHeight/2 &&
		g.Ball.Y <= g.Paddles.Player2+PaddleHeight/2 {
		g.Ball.X = rightEdge - BallRadius
		g.bounceOffPaddle(g.Paddles.Player2)
	}

	// 得分判定：球越過球拍線後的邊界
	if g.Ball.X < -CourtHalfWidth {
		result.Scored = Side2
		g.Score.Player2++
		g.Tournament.LastPointWinner = Side2
		result.RoundWinner, result.MatchWinner = g.checkRoundEnd(Side2)
		g.resetBall(Side1, rnd) // 發球朝向失分方
	} else if g.Ball.X > CourtHalfWidth {
		result.Scored = Side1
		g.Score.Player1++
		g.Tournament.LastPointWinner = Side1
		result.RoundWinner, result.MatchWinner = g.checkRoundEnd(Side1)
		g.resetBall(Side2, rnd)
	}

	return result
}

// bounceOffPaddle 固定幅值反彈：垂直分量與擊球點偏移成正比
func (g *GameState) bounceOffPaddle(paddleY float64) {
	normalized := (g.Ball.Y - paddleY) / (PaddleHeight / 2)
	if g.Ball.DX > 0 {
		g.Ball.DX = -BounceSpeed
	} else {
		g.Ball.DX = BounceSpeed
	}
	g.Ball.DY = normalized * BounceSpeed
}

// checkRoundEnd 檢查回合 / 比賽是否結束
func (g *GameState) checkRoundEnd(scorer Side) (roundWinner, matchWinner Side) {
	if g.Score.Get(scorer) < g.Tournament.ScoreLimit {
		return SideNone, SideNone
	}

	roundWinner = scorer
	if scorer == Side1 {
		g.Tournament.RoundsWon.Player1++
	} else {
		g.Tournament.RoundsWon.Player2++
	}

	if g.Tournament.RoundsWon.Get(scorer) >= g.Tournament.RoundsToWin() {
		g.Tournament.Status = GameEnded
		g.Tournament.Winner = scorer
		return roundWinner, scorer
	}

	g.Tournament.Status = GameRoundEnd
	return roundWinner, SideNone
}

// resetBall 球回到中心，朝指定方位發球，垂直分量隨機
func (g *GameState) resetBall(towards Side, rnd *rand.Rand) {
	g.Ball.X = 0
	g.Ball.Y = 0

	switch towards {
	case Side1:
		g.Ball.DX = -1
	case Side2:
		g.Ball.DX = 1
	default:
		if rnd.Float64() > 0.5 {
			g.Ball.DX = 1
		} else {
			g.Ball.DX = -1
		}
	}

	g.Ball.DY = (rnd.Float64() - 0.5) * 2
}

// StartPlay 開始（或恢復到）對打狀態並重新發球
func (g *GameState) StartPlay(rnd *rand.Rand) {
	g.Tournament.Status = GamePlaying
	g.resetBall(SideNone, rnd)
}

// BeginNextRound 進入下一回合：分數與球拍歸零，隨機發球
func (g *GameState) BeginNextRound(rnd *rand.Rand) {
	g.Tournament.CurrentRound++
	g.Score = Score{}
	g.Paddles = Paddles{}
	g.resetBall(SideNone, rnd)
	g.Tournament.Status = GamePlaying
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

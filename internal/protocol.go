package internal

import (
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/koopa0/pong-arena/pkg/errors"
)

// 協議設計：
//   所有訊息都是帶 type 標籤的 JSON 物件。入站訊息解碼成具型別的
//   聯集（marker interface），分發時窮舉匹配；未知類型回覆協議錯誤
//   而不是靜默忽略。

// MessageType 訊息類型標籤
type MessageType string

// 入站訊息類型（客戶端 → 伺服器）
const (
	MsgReady      MessageType = "ready"
	MsgPaddleMove MessageType = "paddleMove"
	MsgPing       MessageType = "ping"
	MsgLeave      MessageType = "leave"
)

// 出站訊息類型（伺服器 → 客戶端）
const (
	MsgInit                 MessageType = "init"
	MsgPlayerJoined         MessageType = "playerJoined"
	MsgPlayerLeft           MessageType = "playerLeft"
	MsgPlayerReconnected    MessageType = "playerReconnected"
	MsgRoomSnapshot         MessageType = "roomSnapshot"
	MsgPlayerReady          MessageType = "playerReady"
	MsgCountdown            MessageType = "countdown"
	MsgGameStart            MessageType = "gameStart"
	MsgGameState            MessageType = "gameState"
	MsgHUD                  MessageType = "hud"
	MsgRoundStart           MessageType = "roundStart"
	MsgGameEnd              MessageType = "gameEnd"
	MsgPaused               MessageType = "paused"
	MsgResumed              MessageType = "resumed"
	MsgError                MessageType = "error"
	MsgRoomFull             MessageType = "roomFull"
	MsgPong                 MessageType = "pong"
	MsgOpponentDisconnected MessageType = "opponentDisconnected"
	MsgReturnToLobby        MessageType = "returnToLobby"
)

// ClientMessage 入站訊息聯集
type ClientMessage interface {
	clientMessage()
}

// ReadyMsg 玩家準備
type ReadyMsg struct{}

// PaddleMoveMsg 球拍移動指令
type PaddleMoveMsg struct {
	Direction Direction `json:"direction"`
}

// PingMsg 應用層心跳
type PingMsg struct {
	TS int64 `json:"ts"`
}

// LeaveMsg 主動離開房間
type LeaveMsg struct{}

func (ReadyMsg) clientMessage()      {}
func (PaddleMoveMsg) clientMessage() {}
func (PingMsg) clientMessage()       {}
func (LeaveMsg) clientMessage()      {}

// DecodeClientMessage 解碼入站訊息
//
// 未知或格式錯誤的訊息回傳協議錯誤，由呼叫方回覆給冒犯連線，
// 不影響其他槽位。
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, "訊息格式錯誤", err)
	}

	switch env.Type {
	case MsgReady:
		return ReadyMsg{}, nil

	case MsgPaddleMove:
		var msg PaddleMoveMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, "paddleMove 格式錯誤", err)
		}
		if !ValidDirection(msg.Direction) {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput,
				fmt.Sprintf("無效的移動方向: %s", msg.Direction))
		}
		return msg, nil

	case MsgPing:
		var msg PingMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, "ping 格式錯誤", err)
		}
		return msg, nil

	case MsgLeave:
		return LeaveMsg{}, nil

	default:
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("未知訊息類型: %s", env.Type))
	}
}

// ---- 出站訊息 ----

// SlotInfo 槽位的可序列化快照
type SlotInfo struct {
	PlayerID     string     `json:"playerId"`
	PlayerNumber int        `json:"playerNumber"`
	Username     string     `json:"username"`
	Ready        bool       `json:"ready"`
	Status       SlotStatus `json:"status"`
}

// RoomInfo 房間的可序列化快照
type RoomInfo struct {
	RoomID       string     `json:"roomId"`
	Players      []SlotInfo `json:"players"`
	TotalPlayers int        `json:"totalPlayers"`
	MaxPlayers   int        `json:"maxPlayers"`
	IsPlaying    bool       `json:"isPlaying"`
	IsPaused     bool       `json:"isPaused"`
	IsFull       bool       `json:"isFull"`
	CreatedAt    int64      `json:"createdAt"`
	LastActivity int64      `json:"lastActivity"`
	Score        Score      `json:"score"`
	Tournament   Tournament `json:"tournament"`
}

// HUDSummary 精簡的計分板摘要，伴隨分數 / 回合變化廣播
type HUDSummary struct {
	Score        Score `json:"score"`
	RoundsWon    Score `json:"roundsWon"`
	CurrentRound int   `json:"currentRound"`
	MaxRounds    int   `json:"maxRounds"`
	ScoreLimit   int   `json:"scoreLimit"`
}

// InitPayload 連線建立時的初始化訊息
type InitPayload struct {
	Type         MessageType `json:"type"`
	RoomID       string      `json:"roomId"`
	PlayerID     string      `json:"playerId"`
	PlayerNumber int         `json:"playerNumber"`
	RoomInfo     RoomInfo    `json:"roomInfo"`
}

// PlayerEventPayload 玩家加入 / 離開 / 準備 / 重連事件
type PlayerEventPayload struct {
	Type         MessageType `json:"type"`
	PlayerID     string      `json:"playerId"`
	PlayerNumber int         `json:"playerNumber"`
	Username     string      `json:"username,omitempty"`
	TotalPlayers int         `json:"totalPlayers,omitempty"`
}

// RoomSnapshotPayload 房間快照推送
type RoomSnapshotPayload struct {
	Type     MessageType `json:"type"`
	RoomInfo RoomInfo    `json:"roomInfo"`
}

// CountdownPayload 倒數訊息（開賽與回合間共用）
type CountdownPayload struct {
	Type  MessageType `json:"type"`
	Count int         `json:"count"`
	Round int         `json:"round,omitempty"`
}

// GameStatePayload tick 廣播
type GameStatePayload struct {
	Type  MessageType `json:"type"`
	State *GameState  `json:"gameState"`
}

// HUDPayload 計分板摘要廣播
type HUDPayload struct {
	Type    MessageType `json:"type"`
	Summary HUDSummary  `json:"summary"`
}

// RoundStartPayload 回合開始
type RoundStartPayload struct {
	Type  MessageType `json:"type"`
	Round int         `json:"round"`
}

// GameEndPayload 比賽結束
type GameEndPayload struct {
	Type      MessageType `json:"type"`
	Winner    Side        `json:"winner"`
	Forfeit   bool        `json:"forfeit,omitempty"`
	Score     Score       `json:"score"`
	RoundsWon Score       `json:"roundsWon"`
}

// SimplePayload 只有類型標籤的訊息（gameStart / paused / resumed / returnToLobby）
type SimplePayload struct {
	Type MessageType `json:"type"`
}

// ErrorPayload 錯誤訊息（含 roomFull）
type ErrorPayload struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// PongPayload 應用層心跳回覆
type PongPayload struct {
	Type       MessageType `json:"type"`
	TS         int64       `json:"ts"`
	ServerTime int64       `json:"serverTime"`
}

// NewErrorPayload 以 AppError 構造錯誤訊息
func NewErrorPayload(err error) ErrorPayload {
	msgType := MsgError
	code := apperrors.Code(err)
	if code == apperrors.ErrCodeRoomFull {
		msgType = MsgRoomFull
	}

	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	return ErrorPayload{Type: msgType, Code: code, Message: message}
}

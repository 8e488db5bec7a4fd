package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/pong-arena/pkg/errors"
)

// 系統設計問題：
//   gorilla/websocket 要求讀寫各自只能有一個 goroutine，
//   但房間的廣播會從 tick 迴圈、倒數、回調等多處發起。
//
// 設計方案：
//   ✅ 每條連線一對 pump goroutine：readPump 收、writePump 發
//   ✅ Send 只是往帶緩衝的 channel 投遞，天然序列化所有寫入
//   ✅ 慢客戶端緩衝寫滿即斷線，不讓單一連線拖慢整個房間

const (
	// 寫入超時
	writeWait = 10 * time.Second
	// 收到 pong 的最長等待
	pongWait = 60 * time.Second
	// 傳輸層 ping 週期，必須小於 pongWait
	pingPeriod = (pongWait * 9) / 10
	// 入站訊息大小上限
	maxMessageSize = 1024
	// 出站緩衝長度
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 部署在反向代理之後，來源檢查交給外層
		return true
	},
}

// wsConn 把 gorilla 連線包裝成房間層的 Conn
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	ping chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		ping: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Send 序列化後投遞到寫出緩衝；緩衝滿視為慢客戶端，直接斷線
func (c *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "訊息序列化失敗", err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return apperrors.New(apperrors.ErrCodeInternal, "連線已關閉")
	default:
		c.Close()
		return apperrors.New(apperrors.ErrCodeTimeout, "寫出緩衝已滿")
	}
}

// Ping 請求 writePump 送出一個控制幀
func (c *wsConn) Ping() error {
	select {
	case c.ping <- struct{}{}:
	default:
	}
	return nil
}

// Close 冪等關閉
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
	return nil
}

// writePump 唯一的寫入 goroutine
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ping:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// WSHandler 遊戲會話的 WebSocket 入口
type WSHandler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewWSHandler 創建入口
func NewWSHandler(manager *Manager, logger *slog.Logger) *WSHandler {
	return &WSHandler{manager: manager, logger: logger}
}

// ServeHTTP 握手：解析身份、升級連線、加入房間、啟動收發
//
// 查詢參數：roomId（必填）、userId（穩定身份，預設等同連線識別）、
// username（顯示名稱）。每條連線鑄造一個新的 playerId。
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		http.Error(w, "缺少 roomId 參數", http.StatusBadRequest)
		return
	}

	playerID := uuid.New().String()
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		// 匿名連線退化為一次性身份，不支援跨連線重連
		userID = playerID
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = "玩家-" + playerID[:8]
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket 升級失敗", "error", err)
		return
	}

	conn := newWSConn(ws)
	go conn.writePump()

	room, result, err := h.manager.JoinRoom(roomID, playerID, conn, PlayerInfo{
		UserID:   userID,
		Username: username,
	})
	if err != nil {
		// 容量錯誤走型別化訊息，讓客戶端區分「滿了」與其他失敗
		_ = conn.Send(NewErrorPayload(err))
		time.Sleep(100 * time.Millisecond) // 留給 writePump 沖刷
		conn.Close()
		return
	}

	_ = conn.Send(InitPayload{
		Type:         MsgInit,
		RoomID:       roomID,
		PlayerID:     playerID,
		PlayerNumber: result.PlayerNumber,
		RoomInfo:     room.GetInfo(),
	})

	h.readPump(conn, room, roomID, playerID)
}

// readPump 唯一的讀取 goroutine；連線斷開時交給管理器走寬限流程
func (h *WSHandler) readPump(conn *wsConn, room *Room, roomID, playerID string) {
	defer func() {
		conn.Close()
		h.manager.LeaveRoom(roomID, playerID)
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		room.Heartbeat(playerID)
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("連線異常關閉", "player_id", playerID, "error", err)
			}
			return
		}

		msg, err := DecodeClientMessage(data)
		if err != nil {
			_ = conn.Send(NewErrorPayload(err))
			continue
		}

		switch v := msg.(type) {
		case ReadyMsg:
			if err := room.SetPlayerReady(playerID); err != nil {
				_ = conn.Send(NewErrorPayload(err))
			}
		case PaddleMoveMsg:
			room.UpdatePaddle(playerID, v.Direction)
		case PingMsg:
			room.Heartbeat(playerID)
			_ = conn.Send(PongPayload{
				Type:       MsgPong,
				TS:         v.TS,
				ServerTime: time.Now().UnixMilli(),
			})
		case LeaveMsg:
			// 主動離開與斷線走同一條路徑，由 defer 統一處理
			return
		}
	}
}

package internal_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialWS 連上測試伺服器的遊戲入口
func dialWS(t *testing.T, baseURL, roomID, userID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") +
		"/ws?roomId=" + roomID + "&userId=" + userID + "&username=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil 持續讀取直到收到指定類型的訊息
func readUntil(t *testing.T, conn *websocket.Conn, msgType string, timeout time.Duration) map[string]any {
	t.Helper()

	deadline := time.Now().Add(timeout)
	require.NoError(t, conn.SetReadDeadline(deadline))

	for time.Now().Before(deadline) {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "等待 %s 訊息時讀取失敗", msgType)

		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == msgType {
			return msg
		}
	}

	t.Fatalf("超時仍未收到 %s 訊息", msgType)
	return nil
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// TestWebSocket_JoinFlow 測試完整的連線加入流程
func TestWebSocket_JoinFlow(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	c1 := dialWS(t, srv.URL, "WSROOM", "user-a")
	init1 := readUntil(t, c1, "init", 2*time.Second)
	assert.Equal(t, "WSROOM", init1["roomId"])
	assert.Equal(t, float64(1), init1["playerNumber"])
	assert.NotEmpty(t, init1["playerId"], "每條連線應鑄造新的連線識別")

	c2 := dialWS(t, srv.URL, "WSROOM", "user-b")
	init2 := readUntil(t, c2, "init", 2*time.Second)
	assert.Equal(t, float64(2), init2["playerNumber"])

	// 先到者收到加入通知
	joined := readUntil(t, c1, "playerJoined", 2*time.Second)
	assert.Equal(t, float64(2), joined["playerNumber"])
}

// TestWebSocket_RoomFull 測試第三條連線收到容量錯誤
func TestWebSocket_RoomFull(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	c1 := dialWS(t, srv.URL, "FULL01", "user-a")
	readUntil(t, c1, "init", 2*time.Second)
	c2 := dialWS(t, srv.URL, "FULL01", "user-b")
	readUntil(t, c2, "init", 2*time.Second)

	c3 := dialWS(t, srv.URL, "FULL01", "user-c")
	full := readUntil(t, c3, "roomFull", 2*time.Second)
	assert.Equal(t, "ROOM_FULL", full["code"])
}

// TestWebSocket_PingPong 測試應用層心跳往返
func TestWebSocket_PingPong(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	c1 := dialWS(t, srv.URL, "PING01", "user-a")
	readUntil(t, c1, "init", 2*time.Second)

	writeJSON(t, c1, map[string]any{"type": "ping", "ts": 12345})

	pong := readUntil(t, c1, "pong", 2*time.Second)
	assert.Equal(t, float64(12345), pong["ts"], "pong 應回傳客戶端的時間戳")
	assert.NotZero(t, pong["serverTime"])
}

// TestWebSocket_ReadyToGameStart 測試準備到開賽的訊息序列
func TestWebSocket_ReadyToGameStart(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	c1 := dialWS(t, srv.URL, "MATCH1", "user-a")
	readUntil(t, c1, "init", 2*time.Second)
	c2 := dialWS(t, srv.URL, "MATCH1", "user-b")
	readUntil(t, c2, "init", 2*time.Second)

	writeJSON(t, c1, map[string]any{"type": "ready"})

	// 對手收到準備通知
	ready := readUntil(t, c2, "playerReady", 2*time.Second)
	assert.Equal(t, float64(1), ready["playerNumber"])

	writeJSON(t, c2, map[string]any{"type": "ready"})

	// 雙方都收到開賽與倒數
	readUntil(t, c1, "gameStart", 3*time.Second)
	readUntil(t, c2, "gameStart", 3*time.Second)
	readUntil(t, c1, "countdown", 3*time.Second)

	// tick 迴圈開始推送狀態
	state := readUntil(t, c1, "gameState", 3*time.Second)
	assert.Contains(t, state, "gameState")
}

// TestWebSocket_InvalidMessage 測試協議錯誤只回給冒犯連線
func TestWebSocket_InvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	c1 := dialWS(t, srv.URL, "BAD001", "user-a")
	readUntil(t, c1, "init", 2*time.Second)

	writeJSON(t, c1, map[string]any{"type": "teleport"})

	errMsg := readUntil(t, c1, "error", 2*time.Second)
	assert.Equal(t, "INVALID_INPUT", errMsg["code"])

	// 連線仍然可用
	writeJSON(t, c1, map[string]any{"type": "ping", "ts": 1})
	readUntil(t, c1, "pong", 2*time.Second)
}

// TestWebSocket_LeaveRemovesPlayer 測試主動離開訊息
func TestWebSocket_LeaveRemovesPlayer(t *testing.T) {
	srv, m := newTestServer(t, nil)

	c1 := dialWS(t, srv.URL, "LEAVE1", "user-a")
	readUntil(t, c1, "init", 2*time.Second)
	c2 := dialWS(t, srv.URL, "LEAVE1", "user-b")
	readUntil(t, c2, "init", 2*time.Second)

	writeJSON(t, c2, map[string]any{"type": "leave"})

	left := readUntil(t, c1, "playerLeft", 2*time.Second)
	assert.Equal(t, float64(2), left["playerNumber"])

	require.Eventually(t, func() bool {
		room, ok := m.GetRoom("LEAVE1")
		return ok && room.PlayerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

package internal_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/pong-arena/internal"
)

func newTestServer(t *testing.T, store internal.MatchStore) (*httptest.Server, *internal.Manager) {
	t.Helper()

	m := newTestManager(t, store)
	handler := internal.NewHandler(m, testLogger())
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv, m
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

// TestHandler_CreateRoom 測試創建房間端點
func TestHandler_CreateRoom(t *testing.T) {
	srv, m := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/v1/rooms", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	roomID, ok := body["roomId"].(string)
	require.True(t, ok)
	assert.Len(t, roomID, 6)

	_, exists := m.GetRoom(roomID)
	assert.True(t, exists)
}

// TestHandler_GetRoom 測試房間查詢端點
func TestHandler_GetRoom(t *testing.T) {
	srv, m := newTestServer(t, nil)

	t.Run("existing room", func(t *testing.T) {
		roomID, err := m.CreateRoom()
		require.NoError(t, err)

		resp, err := http.Get(srv.URL + "/api/v1/rooms/" + roomID)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, roomID, body["roomId"])
		assert.Equal(t, float64(2), body["maxPlayers"])
	})

	t.Run("missing room returns 404", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/rooms/GHOST1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "NOT_FOUND", body["code"])
	})
}

// TestHandler_ListRooms 測試房間列表端點
func TestHandler_ListRooms(t *testing.T) {
	srv, m := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		_, err := m.CreateRoom()
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/rooms")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(3), body["total"])

	// 填滿一間後 available 過濾應少一間
	rooms := m.ListRooms()
	full := rooms[0].RoomID
	_, _, err = m.JoinRoom(full, "conn-1", &fakeConn{}, internal.PlayerInfo{UserID: "user-a", Username: "玩家一"})
	require.NoError(t, err)
	_, _, err = m.JoinRoom(full, "conn-2", &fakeConn{}, internal.PlayerInfo{UserID: "user-b", Username: "玩家二"})
	require.NoError(t, err)

	resp, err = http.Get(srv.URL + "/api/v1/rooms?available=true")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, float64(2), body["total"])
}

// TestHandler_Matchmake 測試配對端點
func TestHandler_Matchmake(t *testing.T) {
	srv, m := newTestServer(t, nil)

	// 沒有空位時創建新房間
	resp, err := http.Post(srv.URL+"/api/v1/matchmaking", "application/json", nil)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["created"])
	firstRoom := body["roomId"].(string)

	// 既有空房優先
	resp, err = http.Post(srv.URL+"/api/v1/matchmaking", "application/json", nil)
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, firstRoom, body["roomId"])

	assert.Equal(t, 1, m.Stats().TotalRooms)
}

// TestHandler_FinishMatch 測試外部裁決端點
func TestHandler_FinishMatch(t *testing.T) {
	store := &fakeStore{}
	srv, m := newTestServer(t, store)

	m.RegisterMatchMapping("ROOM01", 7)

	t.Run("valid request", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]any{
			"winnerId":     "user-a",
			"scorePlayer1": 2,
			"scorePlayer2": 0,
		})
		resp, err := http.Post(srv.URL+"/internal/matches/ROOM01/finish", "application/json", bytes.NewReader(payload))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		calls := store.finishCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, int64(7), calls[0].matchID)
		assert.Equal(t, "user-a", calls[0].winnerID)
	})

	t.Run("unknown session returns 404", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]any{"winnerId": "user-a"})
		resp, err := http.Post(srv.URL+"/internal/matches/GHOST1/finish", "application/json", bytes.NewReader(payload))
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("missing winner returns 400", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/internal/matches/ROOM01/finish", "application/json", bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})
}

// TestHandler_StatsAndHealth 測試統計與健康檢查端點
func TestHandler_StatsAndHealth(t *testing.T) {
	srv, m := newTestServer(t, nil)

	_, err := m.CreateRoom()
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["totalRooms"])

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

// TestHandler_WebSocketHandshake 測試 WebSocket 入口的參數驗證
func TestHandler_WebSocketHandshake(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	// 缺少 roomId 直接拒絕，不嘗試升級
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

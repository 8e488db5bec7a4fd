package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/koopa0/pong-arena/pkg/errors"
)

// Handler 房間發現與管理的 HTTP API
//
// 遊戲流量走 WebSocket；這裡只提供大廳需要的查詢與配對入口，
// 以及受信任內部服務的裁決端點。
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// Routes 註冊所有路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/rooms", h.createRoom)
	mux.HandleFunc("GET /api/v1/rooms", h.listRooms)
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", h.getRoom)
	mux.HandleFunc("POST /api/v1/matchmaking", h.matchmake)
	mux.HandleFunc("POST /internal/matches/{session_id}/finish", h.finishMatch)
	mux.HandleFunc("GET /stats", h.stats)
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /ws", NewWSHandler(h.manager, h.logger))

	return h.withRecovery(h.withLogging(mux))
}

// createRoom 創建房間，回傳房間代碼
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := h.manager.CreateRoom()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"roomId": roomID})
}

// listRooms 列出房間，available=true 只留可加入的
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.manager.ListRooms()
	if r.URL.Query().Get("available") == "true" {
		filtered := rooms[:0]
		for _, info := range rooms {
			if !info.IsFull && !info.IsPlaying {
				filtered = append(filtered, info)
			}
		}
		rooms = filtered
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	})
}

// getRoom 單一房間快照
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	room, ok := h.manager.GetRoom(roomID)
	if !ok {
		h.writeError(w, apperrors.New(apperrors.ErrCodeNotFound, "房間不存在"))
		return
	}
	h.writeJSON(w, http.StatusOK, room.GetInfo())
}

// matchmake 配對：回傳可加入的房間，沒有就創建新的
func (h *Handler) matchmake(w http.ResponseWriter, r *http.Request) {
	if roomID, ok := h.manager.FindAvailableRoom(); ok {
		h.writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "created": false})
		return
	}

	roomID, err := h.manager.CreateRoom()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "created": true})
}

// finishMatchRequest 外部裁決的請求體
type finishMatchRequest struct {
	WinnerID string `json:"winnerId"`
	Score1   int    `json:"scorePlayer1"`
	Score2   int    `json:"scorePlayer2"`
}

// finishMatch 受信任內部服務按會話代碼寫入對戰結果
func (h *Handler) finishMatch(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	var req finishMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.ErrCodeInvalidInput, "請求體格式錯誤", err))
		return
	}
	if req.WinnerID == "" {
		h.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "缺少 winnerId"))
		return
	}

	if err := h.manager.FinishMatchBySession(r.Context(), sessionID, req.WinnerID, req.Score1, req.Score2); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// stats 整體統計
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.Stats())
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// ---- 輔助 ----

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("序列化回應失敗", "error", err)
	}
}

// writeError 按錯誤碼映射 HTTP 狀態
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.Code(err) {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeRoomFull:
		status = http.StatusConflict
	case apperrors.ErrCodeUpstream:
		status = http.StatusBadGateway
	}

	h.writeJSON(w, status, NewErrorPayload(err))
}

// withLogging 請求日誌中介層
func (h *Handler) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}

// withRecovery panic 恢復中介層，單一請求的 panic 不拖垮進程
func (h *Handler) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("請求處理 panic", "panic", rec, "path", r.URL.Path)
				h.writeError(w, apperrors.New(apperrors.ErrCodeInternal, "伺服器內部錯誤"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

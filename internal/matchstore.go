package internal

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koopa0/pong-arena/pkg/errors"
)

// 系統設計問題：
//   對戰結果需要留下持久化紀錄，但資料庫故障不能影響進行中的比賽。
//
// 設計方案：
//   ✅ 介面抽象 - 房間只依賴 MatchStore，不知道背後是 PostgreSQL 還是空操作
//   ✅ 最佳努力 - 所有寫入走 fire-and-forget，失敗記日誌後繼續
//   ✅ 記憶體權威 - 比分與勝負以房間內的模擬狀態為準，紀錄只是事後快照

// MatchStore 對戰紀錄的持久化協作者
type MatchStore interface {
	// CreateMatch 創建對戰紀錄，回傳紀錄識別碼
	CreateMatch(ctx context.Context, player1ID, player2ID string) (int64, error)
	// StartMatch 標記對戰實際開打
	StartMatch(ctx context.Context, matchID int64) error
	// FinishMatch 寫入最終結果
	FinishMatch(ctx context.Context, matchID int64, winnerID string, score1, score2 int) error
}

// PostgresMatchStore 以 PostgreSQL 為後端的對戰紀錄儲存
//
// 使用 pgxpool 連線池與原生 SQL，不引入 ORM。
type PostgresMatchStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresMatchStore 建立儲存並驗證連線
func NewPostgresMatchStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresMatchStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInvalidInput, "解析資料庫連線字串失敗", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeUpstream, "建立資料庫連線池失敗", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(apperrors.ErrCodeUpstream, "資料庫連線測試失敗", err)
	}

	return &PostgresMatchStore{pool: pool, logger: logger}, nil
}

// CreateMatch 插入一筆 pending 狀態的對戰紀錄
func (s *PostgresMatchStore) CreateMatch(ctx context.Context, player1ID, player2ID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO matches (player1_id, player2_id, status, created_at)
		VALUES ($1, $2, 'pending', NOW())
		RETURNING id
	`, player1ID, player2ID).Scan(&id)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeUpstream, "創建對戰紀錄失敗", err)
	}

	s.logger.Debug("對戰紀錄已創建", "match_id", id)
	return id, nil
}

// StartMatch 將紀錄標記為進行中
func (s *PostgresMatchStore) StartMatch(ctx context.Context, matchID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE matches
		SET status = 'in_progress', started_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, matchID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeUpstream, "標記對戰開始失敗", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.ErrCodeNotFound, "對戰紀錄不存在或狀態不符")
	}
	return nil
}

// FinishMatch 寫入勝負與最終比分（冪等：已結束的紀錄不重複更新）
func (s *PostgresMatchStore) FinishMatch(ctx context.Context, matchID int64, winnerID string, score1, score2 int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE matches
		SET status = 'finished', winner_id = $2,
		    score_player1 = $3, score_player2 = $4,
		    finished_at = NOW()
		WHERE id = $1 AND status <> 'finished'
	`, matchID, winnerID, score1, score2)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeUpstream, "寫入對戰結果失敗", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.ErrCodeNotFound, "對戰紀錄不存在或已結束")
	}
	return nil
}

// Close 關閉連線池
func (s *PostgresMatchStore) Close() {
	s.pool.Close()
}

// NopMatchStore 資料庫未配置時的空實作，所有操作立即成功
type NopMatchStore struct{}

func (NopMatchStore) CreateMatch(ctx context.Context, player1ID, player2ID string) (int64, error) {
	return 0, nil
}

func (NopMatchStore) StartMatch(ctx context.Context, matchID int64) error { return nil }

func (NopMatchStore) FinishMatch(ctx context.Context, matchID int64, winnerID string, score1, score2 int) error {
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/pong-arena/internal"
	"github.com/koopa0/pong-arena/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "配置檔案路徑")
		port       = flag.Int("port", 0, "服務埠（覆蓋配置檔案）")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置驗證失敗: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日誌失敗: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// 持久化協作者：未配置資料庫時降級為空實作，遊戲照常運行
	var store internal.MatchStore = internal.NopMatchStore{}
	var pgStore *internal.PostgresMatchStore
	if dsn := cfg.PostgresDSN(); dsn != "" {
		pgStore, err = internal.NewPostgresMatchStore(ctx, dsn, log)
		if err != nil {
			log.Warn("資料庫不可用，對戰紀錄停用", "error", err)
		} else {
			store = pgStore
			log.Info("對戰紀錄持久化已啟用")
		}
	}

	// Redis 鏡射同樣是可選的旁路
	var mirror *internal.Mirror
	if cfg.Redis.Enabled {
		mirror, err = internal.NewMirror(ctx, cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Warn("Redis 不可用，房間鏡射停用", "error", err)
			mirror = nil
		} else {
			log.Info("房間鏡射已啟用", "addr", cfg.RedisAddr())
		}
	}

	manager := internal.NewManager(cfg, log, store, mirror)
	handler := internal.NewHandler(manager, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("遊戲伺服器啟動",
			"port", cfg.Server.Port,
			"tick_rate", cfg.Game.TickRate,
			"score_limit", cfg.Game.ScoreLimit,
			"max_rounds", cfg.Game.MaxRounds)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("伺服器異常退出", "error", err)
			os.Exit(1)
		}
	}()

	// 優雅關閉：先停收新請求，再關閉所有房間與外部連線
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("收到關閉信號，開始優雅關閉")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP 伺服器關閉失敗", "error", err)
	}

	manager.Stop()
	if pgStore != nil {
		pgStore.Close()
	}
	if err := mirror.Close(); err != nil {
		log.Error("Redis 關閉失敗", "error", err)
	}

	log.Info("伺服器已停止")
}

package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Game struct {
		TickRate          int           `yaml:"tick_rate"`          // 每秒模擬步數
		ScoreLimit        int           `yaml:"score_limit"`        // 單回合獲勝分數
		MaxRounds         int           `yaml:"max_rounds"`         // 總回合數（奇數）
		CountdownSeconds  int           `yaml:"countdown_seconds"`  // 開賽倒數秒數
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 心跳檢查間隔
		GracePeriod       time.Duration `yaml:"grace_period"`       // 斷線重連寬限期
		RoomIdleTimeout   time.Duration `yaml:"room_idle_timeout"`  // 房間閒置上限
		SweepInterval     time.Duration `yaml:"sweep_interval"`     // 清理掃描間隔
	} `yaml:"game"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
}

// LoadConfig 讀取配置檔案，檔案不存在時回傳預設配置
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - path 來自命令行參數
		switch {
		case os.IsNotExist(err):
			// 沒有配置檔案就跑預設值
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 預設配置
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Game.TickRate == 0 {
		c.Game.TickRate = 30
	}
	if c.Game.ScoreLimit == 0 {
		c.Game.ScoreLimit = 5
	}
	if c.Game.MaxRounds == 0 {
		c.Game.MaxRounds = 3
	}
	if c.Game.CountdownSeconds == 0 {
		c.Game.CountdownSeconds = 3
	}
	if c.Game.HeartbeatInterval == 0 {
		c.Game.HeartbeatInterval = 10 * time.Second
	}
	if c.Game.GracePeriod == 0 {
		c.Game.GracePeriod = 15 * time.Second
	}
	if c.Game.RoomIdleTimeout == 0 {
		c.Game.RoomIdleTimeout = 30 * time.Minute
	}
	if c.Game.SweepInterval == 0 {
		c.Game.SweepInterval = time.Minute
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無效的伺服器端口: %d", c.Server.Port)
	}
	if c.Game.TickRate <= 0 || c.Game.TickRate > 120 {
		return fmt.Errorf("無效的 tick rate: %d", c.Game.TickRate)
	}
	if c.Game.MaxRounds%2 == 0 {
		return fmt.Errorf("max_rounds 必須為奇數: %d", c.Game.MaxRounds)
	}
	if c.Game.ScoreLimit <= 0 {
		return fmt.Errorf("無效的 score_limit: %d", c.Game.ScoreLimit)
	}
	if c.Game.GracePeriod <= 0 {
		return fmt.Errorf("無效的 grace_period: %s", c.Game.GracePeriod)
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串
//
// 回傳空字串表示未配置資料庫，對戰紀錄持久化會停用（最佳努力語義）
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	if c.Postgres.Host == "" {
		return ""
	}
	port := c.Postgres.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.Postgres.User, c.Postgres.Password, c.Postgres.Host, port, c.Postgres.DBName)
}

// RedisAddr 取得 Redis 位址，支援環境變數覆蓋
func (c *Config) RedisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return c.Redis.Addr
}

// TickInterval 單個 tick 的間隔
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Game.TickRate)
}

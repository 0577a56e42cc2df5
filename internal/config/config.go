// Package config 定義伺服器配置並從 YAML 檔案載入
package config

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
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		KeyPrefix    string        `yaml:"key_prefix"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Auth struct {
		JWTSecret  string        `yaml:"jwt_secret"`
		TokenTTL   time.Duration `yaml:"token_ttl"`
		SessionTTL time.Duration `yaml:"session_ttl"`
	} `yaml:"auth"`

	RateLimit struct {
		// Events 每種事件的限流預算（事件名 → 視窗內最大次數 / 視窗大小）
		Events map[string]EventLimit `yaml:"events"`

		// 全域連線限流（以來源 IP 為主體，第一道防線）
		Connection struct {
			MaxPoints     int           `yaml:"max_points"`
			Window        time.Duration `yaml:"window"`
			BlockDuration time.Duration `yaml:"block_duration"`
		} `yaml:"connection"`
	} `yaml:"ratelimit"`

	Presence struct {
		ActivityTimeout time.Duration `yaml:"activity_timeout"`
		RecordTTL       time.Duration `yaml:"record_ttl"`
		HistoryLimit    int           `yaml:"history_limit"`
		HistoryTTL      time.Duration `yaml:"history_ttl"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"presence"`

	Lock struct {
		DefaultTTL     time.Duration `yaml:"default_ttl"`
		Retries        int           `yaml:"retries"`
		RetryDelay     time.Duration `yaml:"retry_delay"`
		ExtendInterval time.Duration `yaml:"extend_interval"`
	} `yaml:"lock"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// EventLimit 單一事件種類的限流設定
type EventLimit struct {
	MaxPoints int           `yaml:"max_points"`
	Window    time.Duration `yaml:"window"`
}

// Load 從檔案載入配置
func Load(path string) (*Config, error) {
	// #nosec G304 - path 是硬編碼的配置檔案路徑，非使用者輸入
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	return &config, nil
}

// applyEnvOverrides 套用環境變數覆蓋（生產環境常用）
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}

// applyDefaults 補齊未設定的欄位
func (c *Config) applyDefaults() {
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "realm"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 15 * time.Minute
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 24 * time.Hour
	}
	if c.Presence.ActivityTimeout == 0 {
		c.Presence.ActivityTimeout = 5 * time.Minute
	}
	if c.Presence.RecordTTL == 0 {
		c.Presence.RecordTTL = 30 * time.Minute
	}
	if c.Presence.HistoryLimit == 0 {
		c.Presence.HistoryLimit = 100
	}
	if c.Presence.HistoryTTL == 0 {
		c.Presence.HistoryTTL = 24 * time.Hour
	}
	if c.Presence.CleanupInterval == 0 {
		c.Presence.CleanupInterval = time.Minute
	}
	if c.Lock.DefaultTTL == 0 {
		c.Lock.DefaultTTL = 5 * time.Second
	}
	if c.Lock.Retries == 0 {
		c.Lock.Retries = 10
	}
	if c.Lock.RetryDelay == 0 {
		c.Lock.RetryDelay = 100 * time.Millisecond
	}
	if c.RateLimit.Connection.MaxPoints == 0 {
		c.RateLimit.Connection.MaxPoints = 10
	}
	if c.RateLimit.Connection.Window == 0 {
		c.RateLimit.Connection.Window = time.Minute
	}
	if c.RateLimit.Connection.BlockDuration == 0 {
		c.RateLimit.Connection.BlockDuration = 5 * time.Minute
	}
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}

// MigrateURL 生成遷移工具用的 URL 形式連線字串
func (c *Config) MigrateURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}

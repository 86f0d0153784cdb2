// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 管理者認証（キャッシュ管理API用）
	AppUsername     string // 管理者ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // zap のログレベル

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// Redis設定
	RedisURL      string // キャッシュ・ジョブ状態用Redis接続URL
	QueueRedisURL string // Asynq用Redis接続URL

	// ワーカー設定
	WorkerConcurrency     int // 同時実行ワーカー数
	MaxJobsPerWorker      int // ワーカーを作り直すまでの完了ジョブ数
	TaskTimeLimitSeconds  int // ジョブのハードタイムリミット（秒）
	TaskSoftLimitSeconds  int // ジョブのソフトタイムリミット（秒）
	TaskResultTTLSeconds  int // ジョブ状態の保持期間（秒）
	WorkerSessionCacheLen int // ワーカーごとに保持するセッション数

	// キャッシュ設定
	SculptureCacheTTLSeconds int // スカルプチャ結果のキャッシュ期間（秒）
	SessionCacheTTLSeconds   int // セッションメタデータのキャッシュ期間（秒）

	// テレメトリ取得元
	TelemetryAPIURL         string // 上流テレメトリAPIのベースURL
	TelemetryTimeoutSeconds int    // 上流APIのタイムアウト（秒）

	// WebSocket設定
	WSHeartbeatSeconds int // ping 送信間隔（秒）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:     getEnv("PORT", "8000"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:80"),

		RedisURL:      getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueRedisURL: getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/1"),

		WorkerConcurrency:     getEnvAsInt("WORKER_CONCURRENCY", 2),
		MaxJobsPerWorker:      getEnvAsInt("MAX_JOBS_PER_WORKER", 50),
		TaskTimeLimitSeconds:  getEnvAsInt("TASK_TIME_LIMIT_SECONDS", 300),
		TaskSoftLimitSeconds:  getEnvAsInt("TASK_SOFT_TIME_LIMIT_SECONDS", 270),
		TaskResultTTLSeconds:  getEnvAsInt("TASK_RESULT_TTL_SECONDS", 3600),
		WorkerSessionCacheLen: getEnvAsInt("WORKER_SESSION_CACHE_LEN", 4),

		SculptureCacheTTLSeconds: getEnvAsInt("SCULPTURE_CACHE_TTL_SECONDS", 86400),
		SessionCacheTTLSeconds:   getEnvAsInt("SESSION_CACHE_TTL_SECONDS", 86400),

		TelemetryAPIURL:         getEnv("TELEMETRY_API_URL", "http://127.0.0.1:8100"),
		TelemetryTimeoutSeconds: getEnvAsInt("TELEMETRY_TIMEOUT_SECONDS", 60),

		WSHeartbeatSeconds: getEnvAsInt("WS_HEARTBEAT_SECONDS", 30),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.TaskTimeLimitSeconds <= 0 {
		return fmt.Errorf("TASK_TIME_LIMIT_SECONDS must be positive")
	}
	if c.TaskSoftLimitSeconds <= 0 || c.TaskSoftLimitSeconds > c.TaskTimeLimitSeconds {
		return fmt.Errorf("TASK_SOFT_TIME_LIMIT_SECONDS must be in (0, TASK_TIME_LIMIT_SECONDS]")
	}
	if c.TaskResultTTLSeconds <= 0 {
		return fmt.Errorf("TASK_RESULT_TTL_SECONDS must be positive")
	}

	// 本番環境ではキャッシュ管理APIの認証情報を必須にする
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.RedisURL == "" || c.QueueRedisURL == "" {
			return fmt.Errorf("REDIS_URL and QUEUE_REDIS_URL are required in release mode")
		}
	}

	return nil
}

// HardTimeLimit はジョブを強制終了するまでの時間です。
func (c *Config) HardTimeLimit() time.Duration {
	return time.Duration(c.TaskTimeLimitSeconds) * time.Second
}

// SoftTimeLimit はジョブに後処理を促すまでの時間です。
func (c *Config) SoftTimeLimit() time.Duration {
	return time.Duration(c.TaskSoftLimitSeconds) * time.Second
}

// ResultTTL はジョブ状態を保持する期間です。
func (c *Config) ResultTTL() time.Duration {
	return time.Duration(c.TaskResultTTLSeconds) * time.Second
}

// SculptureCacheTTL はスカルプチャ結果のキャッシュ期間です。
func (c *Config) SculptureCacheTTL() time.Duration {
	return time.Duration(c.SculptureCacheTTLSeconds) * time.Second
}

// SessionCacheTTL はセッションメタデータのキャッシュ期間です。
func (c *Config) SessionCacheTTL() time.Duration {
	return time.Duration(c.SessionCacheTTLSeconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

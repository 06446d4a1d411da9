// Package config はアプリケーションの設定を管理します
// 環境変数から設定を読み込み、デフォルト値を提供します
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーションの設定を保持します
type Config struct {
	// APIサーバーのリッスンアドレス
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	// Redisの接続先
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	// ログレベル
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// CORSで許可するオリジン一覧
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:3001"`

	// ルーム状態のTTL（秒）: 書き込みのたびに更新され、放置されたルームは自動消滅する
	RoomTTLSec int `env:"ROOM_TTL_SEC" envDefault:"86400"`

	// 切断後に再接続を待つ猶予時間（秒）
	ReconnectGraceSec int `env:"RECONNECT_GRACE_SEC" envDefault:"30"`

	// カウントダウン設定
	// SyncBufferMsはネットワーク遅延を吸収するバッファ（ミリ秒）で、
	// CountdownStepsが3なら 3,2,1,GO と進みます
	SyncBufferMs        int `env:"SYNC_BUFFER_MS" envDefault:"200"`
	CountdownDurationMs int `env:"COUNTDOWN_DURATION_MS" envDefault:"3000"`
	CountdownSteps      int `env:"COUNTDOWN_STEPS" envDefault:"3"`

	// 投票の受付時間（秒）
	VoteWindowSec int `env:"VOTE_WINDOW_SEC" envDefault:"60"`

	// アイドルルーム検出の設定
	// 活動がないままMaxIdleTimeMsが経過したルームは閉鎖され、
	// 閉鎖のIdleWarningBeforeMs前に一度だけ警告が配信されます
	// 予約ルームは予約時刻からScheduledGraceMsを過ぎると期限切れ扱いになります
	MaxIdleTimeMs            int64 `env:"MAX_IDLE_TIME_MS" envDefault:"1800000"`
	IdleWarningBeforeMs      int64 `env:"IDLE_WARNING_BEFORE_MS" envDefault:"300000"`
	IdleCheckIntervalSec     int   `env:"IDLE_CHECK_INTERVAL_SEC" envDefault:"60"`
	ScheduleCheckIntervalSec int   `env:"SCHEDULE_CHECK_INTERVAL_SEC" envDefault:"60"`
	SweepIntervalSec         int   `env:"SWEEP_INTERVAL_SEC" envDefault:"300"`
	ScheduledGraceMs         int64 `env:"SCHEDULED_GRACE_MS" envDefault:"1800000"`

	// 身元検証用のJWTシークレット（未設定ならトークン検証は常に失敗しゲスト扱いになる）
	JWTSecret string `env:"JWT_SECRET"`

	// TURN資格情報の発行設定（TURNSecretはcoturnのstatic-auth-secret）
	TURNSecret string   `env:"TURN_SECRET"`
	TURNURLs   []string `env:"TURN_URLS" envSeparator:"," envDefault:"turn:localhost:3478"`
	TURNTTLSec int      `env:"TURN_TTL_SEC" envDefault:"3600"`
}

// Load は環境変数から設定を読み込みます
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値の整合性を確認します
func (c *Config) Validate() error {
	if c.IdleWarningBeforeMs >= c.MaxIdleTimeMs {
		return fmt.Errorf("IDLE_WARNING_BEFORE_MS (%d) must be less than MAX_IDLE_TIME_MS (%d)", c.IdleWarningBeforeMs, c.MaxIdleTimeMs)
	}
	if c.CountdownSteps < 1 {
		return fmt.Errorf("COUNTDOWN_STEPS must be at least 1")
	}
	return nil
}

// ReconnectGrace は再接続の猶予時間を返します
func (c *Config) ReconnectGrace() time.Duration {
	return time.Duration(c.ReconnectGraceSec) * time.Second
}

// VoteWindow は投票の受付時間を返します
func (c *Config) VoteWindow() time.Duration {
	return time.Duration(c.VoteWindowSec) * time.Second
}

// IdleCheckInterval はアイドル確認の周期を返します
func (c *Config) IdleCheckInterval() time.Duration {
	return time.Duration(c.IdleCheckIntervalSec) * time.Second
}

// ScheduleCheckInterval は予約ルーム確認の周期を返します
func (c *Config) ScheduleCheckInterval() time.Duration {
	return time.Duration(c.ScheduleCheckIntervalSec) * time.Second
}

// SweepInterval は期限切れレコード掃除の周期を返します
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// TURNTTL はTURN資格情報のTTLを返します
func (c *Config) TURNTTL() time.Duration {
	return time.Duration(c.TURNTTLSec) * time.Second
}

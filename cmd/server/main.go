package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CineSync/cinesync-server/internal/config"
	"github.com/CineSync/cinesync-server/internal/countdown"
	"github.com/CineSync/cinesync-server/internal/handlers"
	httpx "github.com/CineSync/cinesync-server/internal/http"
	"github.com/CineSync/cinesync-server/internal/identity"
	"github.com/CineSync/cinesync-server/internal/media"
	"github.com/CineSync/cinesync-server/internal/monitor"
	"github.com/CineSync/cinesync-server/internal/repo"
	"github.com/CineSync/cinesync-server/internal/service"
	"github.com/CineSync/cinesync-server/internal/turn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.With().Str("service", "cinesync-server").Logger()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		PoolSize:     10,              // 接続プールサイズ
		MinIdleConns: 5,               // 最小アイドル接続数
		MaxRetries:   3,               // リトライ回数
		DialTimeout:  5 * time.Second, // 接続タイムアウト
		ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
		WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
		PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
	})

	// Redis接続確認
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	roomRepo := repo.NewRedisRoomRepo(rdb)
	authorityRepo := repo.NewRedisAuthorityRepo(rdb)
	scheduleRepo := repo.NewRedisScheduleRepo(rdb)
	events := repo.NewRedisEventSink(rdb, cfg.RoomTTLSec)
	locker := repo.NewRedisRoomLock(rdb)

	roomSvc := service.NewRoomService(roomRepo, locker, events, service.NewRoomCodeGenerator(), cfg.RoomTTLSec)
	authoritySvc := service.NewAuthorityService(roomRepo, authorityRepo, locker, events, cfg.RoomTTLSec, cfg.VoteWindow())
	playbackSvc := service.NewPlaybackService(roomRepo, locker, authoritySvc, media.NewHTTPManifestChecker(), events, cfg.RoomTTLSec)
	scheduleSvc := service.NewScheduleService(scheduleRepo)

	verifier := identity.NewJWTVerifier(cfg.JWTSecret)
	hub := handlers.NewRoomHub()
	cd := countdown.NewSynchronizer(hub,
		time.Duration(cfg.SyncBufferMs)*time.Millisecond,
		time.Duration(cfg.CountdownDurationMs)*time.Millisecond,
		cfg.CountdownSteps)

	mon := monitor.New(monitor.Config{
		MaxIdleTimeMs:    cfg.MaxIdleTimeMs,
		WarningBeforeMs:  cfg.IdleWarningBeforeMs,
		ScheduledGraceMs: cfg.ScheduledGraceMs,
		IdleInterval:     cfg.IdleCheckInterval(),
		ScheduleInterval: cfg.ScheduleCheckInterval(),
		SweepInterval:    cfg.SweepInterval(),
		WarnedFlagTTLSec: cfg.RoomTTLSec,
	}, roomRepo, scheduleRepo, roomSvc, authoritySvc, playbackSvc, cd, hub)
	mon.Start()

	roomHandler := handlers.NewRoomHandler(roomSvc, verifier)
	scheduleHandler := handlers.NewScheduleHandler(scheduleSvc, roomHandler, verifier)
	turnHandler := handlers.NewTurnHandler(turn.NewIssuer(cfg.TURNSecret, cfg.TURNURLs, cfg.TURNTTL()), verifier)
	wsHandler := handlers.NewWebSocketHandler(roomSvc, playbackSvc, authoritySvc, cd, verifier, hub, cfg.ReconnectGrace())

	router := httpx.NewRouter(roomHandler, scheduleHandler, turnHandler, wsHandler, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown用のシグナルチャネル
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// サーバーを別goroutineで起動
	go func() {
		log.Info().Str("addr", cfg.APIAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// シャットダウンシグナルを待つ
	<-sigChan
	log.Info().Msg("shutdown signal received, shutting down gracefully...")

	// 30秒のタイムアウトでGraceful Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	mon.Stop()
	cd.Stop()
	_ = rdb.Close()

	log.Info().Msg("server stopped")
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"duel/internal/admission"
	"duel/internal/api"
	"duel/internal/broadcast"
	"duel/internal/config"
	"duel/internal/logger"
	"duel/internal/market"
	"duel/internal/match"
	"duel/internal/session"
	"duel/internal/store"
	"duel/internal/tick"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	hub := broadcast.NewHub()
	var pub broadcast.Publisher = hub
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		pub = broadcast.Fanout{hub, broadcast.NewRedisPublisher(rdb)}
		log.Info("redis broadcast enabled", zap.String("addr", cfg.Redis.Addr))
	}

	pricer := market.NewGenerator(market.GeneratorConfig{
		BasePrice:  cfg.Match.BasePrice,
		Volatility: cfg.Match.Volatility,
		BaseVolume: 50000,
	})

	sessions := session.NewRegistry()

	engine := match.NewEngine(st, pricer, pub, sessions, match.DefaultScore,
		match.Config{
			DurationBars: cfg.Match.DurationBars,
			TickInterval: cfg.Match.TickInterval,
			StartCash:    cfg.Match.StartCash,
		},
		tick.Config{
			Workers:     cfg.Tick.Workers,
			CallTimeout: cfg.Tick.CallTimeout,
		},
		log)
	defer engine.Close()

	// Matches left ACTIVE by a previous process would otherwise never end
	if recovered, err := engine.Reconcile(context.Background()); err != nil {
		log.Warn("startup reconciliation failed", zap.Error(err))
	} else if recovered > 0 {
		log.Info("abandoned orphaned matches", zap.Int("count", recovered))
	}

	limiter := admission.NewLimiter(map[admission.Category]admission.Limit{
		admission.CategoryGeneral:     {Capacity: cfg.Limits.GeneralCapacity, RefillPerSec: cfg.Limits.GeneralPerSec},
		admission.CategoryMatchCreate: {Capacity: cfg.Limits.CreateCapacity, RefillPerSec: cfg.Limits.CreatePerSec},
		admission.CategoryAction:      {Capacity: cfg.Limits.ActionCapacity, RefillPerSec: cfg.Limits.ActionPerSec},
	}, admission.Limit{Capacity: cfg.Limits.GeneralCapacity, RefillPerSec: cfg.Limits.GeneralPerSec})
	defer limiter.Stop()

	server := api.NewServer(engine, st, limiter, hub, log)
	defer server.Stop()

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
}

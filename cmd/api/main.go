package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"switchdesk/internal/audit"
	"switchdesk/internal/auth"
	"switchdesk/internal/config"
	"switchdesk/internal/dispatch"
	"switchdesk/internal/ringbus"
	"switchdesk/internal/store"
	"switchdesk/internal/telephony"
	"switchdesk/pkg/logger"
	"switchdesk/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	reg := store.NewPostgres(db)
	bus := ringbus.NewRedisBus(rdb, log)
	auditor := audit.NewService(audit.NewPostgresRepo(db))
	provider := telephony.NewTwilioProvider(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)

	var throttle dispatch.RingThrottle
	if cfg.Dispatch.RingCap > 0 {
		// Slot TTL outlives the stale timeout so the reaper releases slots
		// before redis expiry ever has to.
		t, err := ringbus.NewRedisRingThrottle(rdb, cfg.Dispatch.RingCap, 2*cfg.Dispatch.RingStaleTimeout)
		if err != nil {
			log.Error("ring throttle init failed", "err", err)
			os.Exit(1)
		}
		throttle = t
	}

	svc := dispatch.NewService(reg, bus, provider, auditor, throttle, log)

	reaper := dispatch.NewReaper(reg, bus, auditor, throttle, cfg.Dispatch.RingStaleTimeout, log)
	scheduler := cron.New()
	if _, err := reaper.Schedule(scheduler, cfg.Dispatch.ReaperInterval); err != nil {
		log.Error("reaper schedule failed", "err", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, registerDeps{
		cfg:         cfg,
		db:          db,
		authManager: authManager,
		registry:    reg,
		bus:         bus,
		dispatch:    svc,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Long write timeout: the ring event stream holds its response open.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

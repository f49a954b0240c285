package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LJTian/EconomistWatch/internal/api"
	"github.com/LJTian/EconomistWatch/internal/app"
	"github.com/LJTian/EconomistWatch/internal/config"
	"github.com/LJTian/EconomistWatch/internal/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger 依赖配置，这里只能直接退出
		_, _ = os.Stderr.WriteString("load config failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("init logger failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{SharedMongo: true})
	if err != nil {
		log.Fatal("init app failed", zap.Error(err))
	}
	defer a.Close(context.Background())

	// 确保各个关键词存在于 Postgres（未配置时跳过）
	if a.Store != nil {
		for _, sp := range a.Registry.All() {
			if _, err := a.Store.EnsureQuery(sp.Name, sp.Key(), sp.SearchURL(cfg.SearchBaseURL)); err != nil {
				log.Fatal("ensure query failed", zap.String("spider", sp.Name), zap.Error(err))
			}
		}
	}

	a.Scheduler.Start()

	r := gin.New()
	r.Use(gin.Recovery())

	opts := api.Options{
		Articles:   a.Mongo,
		Cache:      a.Cache,
		Runner:     a.Scheduler,
		Registry:   a.Registry,
		SearchBase: cfg.SearchBaseURL,
		Log:        log,
	}
	// 配置了访问密码时启用 Basic Auth
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		opts.Accounts = gin.Accounts{cfg.BasicAuthUser: cfg.BasicAuthPass}
	}
	if a.Store != nil {
		opts.Runs = a.Store
	}
	api.NewServer(opts).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("starting api server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server exit", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	// 等待进行中的抓取结束
	select {
	case <-a.Scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("crawl still running at shutdown")
	}
}

// Package app 按配置组装爬虫、存储与调度，供各个命令行入口复用
package app

import (
	"context"
	"fmt"

	"github.com/LJTian/EconomistWatch/internal/config"
	"github.com/LJTian/EconomistWatch/internal/pipeline"
	"github.com/LJTian/EconomistWatch/internal/scheduler"
	"github.com/LJTian/EconomistWatch/internal/spider"
	"github.com/LJTian/EconomistWatch/internal/storage"
	"go.uber.org/zap"
)

type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Registry *spider.Registry

	// Mongo 常驻连接；为 nil 时每轮抓取单独建立连接
	Mongo *storage.Mongo
	Cache *storage.Cache
	Store *storage.Store

	Scheduler *scheduler.Scheduler
}

type Options struct {
	// SharedMongo 为 true 时启动即连接文档库并在各轮抓取间复用（API 服务需要读取）
	SharedMongo bool
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Log: log}

	reg, err := LoadRegistry(cfg.SpidersFile)
	if err != nil {
		return nil, err
	}
	a.Registry = reg

	if opts.SharedMongo {
		m, err := storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, err
		}
		a.Mongo = m
	}

	if cfg.RedisAddr != "" {
		cache, err := storage.NewCache(cfg.RedisAddr)
		if err != nil {
			log.Warn("redis ping failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		a.Cache = cache
	}

	if cfg.PostgresDSN != "" {
		store, err := storage.NewStore(cfg.PostgresDSN)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.Store = store
	}

	deps := scheduler.Deps{
		SearchBaseURL: cfg.SearchBaseURL,
		CrawlOptions: spider.Options{
			Parallelism: cfg.CrawlParallelism,
			Delay:       cfg.CrawlDelay,
			Timeout:     cfg.CrawlTimeout,
			RetryMax:    cfg.CrawlRetryMax,
			Now:         config.Now,
		},
		NewChain: a.NewChain,
		Log:      log,
	}
	if a.Store != nil {
		deps.Recorder = a.Store
	}

	s, err := scheduler.New(cfg.CronSpec, reg, deps)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Scheduler = s

	return a, nil
}

// LoadRegistry 内置爬虫加上 SPIDERS_FILE 中的定义
func LoadRegistry(path string) (*spider.Registry, error) {
	spiders := spider.Builtins()
	if path != "" {
		extra, err := spider.LoadFile(path)
		if err != nil {
			return nil, err
		}
		spiders = append(spiders, extra...)
	}
	return spider.NewRegistry(spiders...)
}

// NewChain 去重（Redis） -> 镜像（Postgres） -> 文档库。
// 镜像写入幂等，放在文档库之前：任一步失败时去重标记被撤销，下一轮两边都能补上。
func (a *App) NewChain(sp spider.Spider) *pipeline.Chain {
	var stages []pipeline.Stage
	if a.Cache != nil {
		stages = append(stages, pipeline.NewDedupeStage(a.Cache, a.Config.SeenTTL, a.Log))
	}
	if a.Store != nil {
		stages = append(stages, pipeline.NewMirrorStage(a.Store, sp.Name, sp.Key(), sp.SearchURL(a.Config.SearchBaseURL)))
	}

	connect := pipeline.MongoConnector(a.Config.MongoURI, a.Config.MongoDatabase, a.Config.MongoCollection)
	if a.Mongo != nil {
		connect = pipeline.SharedConnector(a.Mongo)
	}
	stages = append(stages, pipeline.NewMongoStage(connect))

	return pipeline.NewChain(sp.Name, a.Log, stages...)
}

func (a *App) Close(ctx context.Context) {
	if a.Mongo != nil {
		if err := a.Mongo.Close(ctx); err != nil {
			a.Log.Warn("close mongodb", zap.Error(err))
		}
	}
	if err := a.Cache.Close(); err != nil {
		a.Log.Warn("close redis", zap.Error(err))
	}
	if a.Store != nil {
		if db, err := a.Store.DB.DB(); err == nil {
			_ = db.Close()
		}
	}
	_ = a.Log.Sync()
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/LJTian/EconomistWatch/internal/scheduler"
	"github.com/LJTian/EconomistWatch/internal/spider"
	"github.com/LJTian/EconomistWatch/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultLimit = 20
	maxLimit     = 200
	listCacheTTL = 5 * time.Minute
)

// ArticleReader 由 storage.Mongo 实现
type ArticleReader interface {
	ListArticles(ctx context.Context, f storage.ArticleFilter, limit int64) ([]storage.ArticleDoc, error)
	CountArticles(ctx context.Context, f storage.ArticleFilter) (int64, error)
}

// Runner 由 scheduler.Scheduler 实现
type Runner interface {
	Trigger(name string) error
	Last(name string) (scheduler.Result, bool)
	Running(name string) bool
}

// RunLister 由 storage.Store 实现，未配置 Postgres 时为 nil
type RunLister interface {
	ListRuns(spider string, limit int) ([]storage.CrawlRun, error)
}

type Server struct {
	articles   ArticleReader
	cache      *storage.Cache
	runner     Runner
	runs       RunLister
	registry   *spider.Registry
	searchBase string
	accounts   gin.Accounts
	log        *zap.Logger
}

type Options struct {
	Articles   ArticleReader
	Cache      *storage.Cache
	Runner     Runner
	Runs       RunLister
	Registry   *spider.Registry
	SearchBase string
	// Accounts 非空时 /api/v1 下的路由需要 Basic Auth，/health 不受影响
	Accounts gin.Accounts
	Log      *zap.Logger
}

func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Server{
		articles:   opts.Articles,
		cache:      opts.Cache,
		runner:     opts.Runner,
		runs:       opts.Runs,
		registry:   opts.Registry,
		searchBase: opts.SearchBase,
		accounts:   opts.Accounts,
		log:        opts.Log,
	}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	if len(s.accounts) > 0 {
		v1.Use(gin.BasicAuthForRealm(s.accounts, "EconomistWatch"))
	}
	{
		v1.GET("/articles", s.listArticles)
		v1.GET("/spiders", s.listSpiders)
		v1.POST("/spiders/:name/run", s.runSpider)
		if s.runs != nil {
			v1.GET("/runs", s.listRuns)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listArticles 支持 spider（所有记录都有）与 query（只有记录来源的爬虫才有 query_key）两种筛选
func (s *Server) listArticles(c *gin.Context) {
	filter := storage.ArticleFilter{
		Spider:   c.Query("spider"),
		QueryKey: c.Query("query"),
	}
	limit := parseLimit(c.Query("limit"))

	ctx := c.Request.Context()
	cacheKey := fmt.Sprintf("articles:list:%s:%s:%d", filter.Spider, filter.QueryKey, limit)

	var list []storage.ArticleDoc
	if s.cache.GetJSON(ctx, cacheKey, &list) {
		ok(c, list)
		return
	}

	list, err := s.articles.ListArticles(ctx, filter, int64(limit))
	if err != nil {
		s.log.Error("list articles failed",
			zap.String("spider", filter.Spider),
			zap.String("query", filter.QueryKey),
			zap.Error(err),
		)
		internalError(c)
		return
	}
	if len(list) > 0 {
		s.cache.SetJSON(ctx, cacheKey, list, listCacheTTL)
	}
	ok(c, list)
}

type spiderView struct {
	Name         string            `json:"name"`
	QueryKey     string            `json:"queryKey"`
	SearchURL    string            `json:"searchUrl"`
	WindowDays   int               `json:"windowDays"`
	RecordSource bool              `json:"recordSource"`
	Articles     int64             `json:"articles"`
	Running      bool              `json:"running"`
	Last         *scheduler.Result `json:"last,omitempty"`
}

func (s *Server) listSpiders(c *gin.Context) {
	spiders := s.registry.All()
	out := make([]spiderView, 0, len(spiders))
	for _, sp := range spiders {
		v := spiderView{
			Name:         sp.Name,
			QueryKey:     sp.Key(),
			SearchURL:    sp.SearchURL(s.searchBase),
			WindowDays:   sp.WindowDays,
			RecordSource: sp.RecordSource,
			Running:      s.runner.Running(sp.Name),
		}
		if last, found := s.runner.Last(sp.Name); found {
			v.Last = &last
		}
		n, err := s.articles.CountArticles(c.Request.Context(), storage.ArticleFilter{Spider: sp.Name})
		if err != nil {
			s.log.Warn("count articles failed", zap.String("spider", sp.Name), zap.Error(err))
		}
		v.Articles = n
		out = append(out, v)
	}
	ok(c, out)
}

func (s *Server) runSpider(c *gin.Context) {
	name := c.Param("name")
	err := s.runner.Trigger(name)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"code": "ok", "message": "crawl started"})
	case errors.Is(err, spider.ErrUnknownSpider):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "message": "unknown spider"})
	case errors.Is(err, scheduler.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"code": "busy", "message": "spider is already running"})
	default:
		s.log.Error("trigger crawl failed", zap.String("spider", name), zap.Error(err))
		internalError(c)
	}
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.runs.ListRuns(c.Query("spider"), parseLimit(c.Query("limit")))
	if err != nil {
		s.log.Error("list runs failed", zap.Error(err))
		internalError(c)
		return
	}
	ok(c, runs)
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    data,
	})
}

func internalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "internal_error",
		"message": "internal server error",
	})
}

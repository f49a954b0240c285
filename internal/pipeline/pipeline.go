// Package pipeline 把抓取到的 Item 依次交给各个存储阶段。
//
// 生命周期与爬虫一致：Open 在抓取开始前调用，Process 每收到一条调用一次，Close 在抓取结束后调用。
// 单个阶段出错只记录日志并跳过该条，抓取继续。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LJTian/EconomistWatch/internal/processor"
	"github.com/LJTian/EconomistWatch/internal/spider"
	"go.uber.org/zap"
)

// ErrDrop 阶段返回它表示该条到此为止，不算失败
var ErrDrop = errors.New("pipeline: drop item")

type Stage interface {
	Name() string
	Open(ctx context.Context) error
	Process(ctx context.Context, a processor.Article) error
	Close(ctx context.Context) error
}

// rollbacker 后续阶段失败时撤销本阶段的副作用
type rollbacker interface {
	Rollback(ctx context.Context, a processor.Article)
}

type Stats struct {
	Received int `json:"received"`
	Empty    int `json:"empty"`
	Dropped  int `json:"dropped"`
	Stored   int `json:"stored"`
	Failed   int `json:"failed"`
}

type Chain struct {
	spider string
	proc   *processor.SimpleProcessor
	stages []Stage
	log    *zap.Logger

	mu     sync.Mutex
	opened []Stage
	stats  Stats
}

func NewChain(spiderName string, log *zap.Logger, stages ...Stage) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{
		spider: spiderName,
		proc:   processor.NewSimpleProcessor(),
		stages: stages,
		log:    log.With(zap.String("spider", spiderName)),
	}
}

// Open 按顺序打开各阶段，任何一个失败则关闭已打开的
func (c *Chain) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.stages {
		if err := s.Open(ctx); err != nil {
			c.closeOpened(ctx)
			return fmt.Errorf("pipeline: open %s: %w", s.Name(), err)
		}
		c.opened = append(c.opened, s)
	}
	c.log.Debug("pipeline opened", zap.Strings("stages", c.stageNames()))
	return nil
}

// Stages 按执行顺序返回各阶段名称
func (c *Chain) Stages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stageNames()
}

func (c *Chain) stageNames() []string {
	names := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		names = append(names, s.Name())
	}
	return names
}

// Process 插入即处理；返回的错误只用于日志与测试
func (c *Chain) Process(ctx context.Context, it spider.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Received++
	a, ok := c.proc.Process(c.spider, it)
	if !ok {
		c.stats.Empty++
		c.log.Debug("drop empty item")
		return ErrDrop
	}

	for i, s := range c.stages {
		err := s.Process(ctx, a)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrDrop) {
			c.stats.Dropped++
			c.log.Debug("item dropped", zap.String("stage", s.Name()), zap.String("id", a.ID))
			return err
		}

		c.stats.Failed++
		c.log.Warn("pipeline stage failed",
			zap.String("stage", s.Name()),
			zap.String("id", a.ID),
			zap.String("title", a.Title),
			zap.Error(err),
		)
		for j := i - 1; j >= 0; j-- {
			if rb, ok := c.stages[j].(rollbacker); ok {
				rb.Rollback(ctx, a)
			}
		}
		return fmt.Errorf("pipeline: %s: %w", s.Name(), err)
	}

	c.stats.Stored++
	return nil
}

// Sink 适配爬虫的回调
func (c *Chain) Sink(ctx context.Context) spider.Sink {
	return func(it spider.Item) {
		_ = c.Process(ctx, it)
	}
}

func (c *Chain) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeOpened(ctx)
}

func (c *Chain) closeOpened(ctx context.Context) error {
	var errs []error
	for i := len(c.opened) - 1; i >= 0; i-- {
		if err := c.opened[i].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: close %s: %w", c.opened[i].Name(), err))
		}
	}
	c.opened = nil
	return errors.Join(errs...)
}

func (c *Chain) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

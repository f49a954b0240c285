package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LJTian/EconomistWatch/internal/pipeline"
	"github.com/LJTian/EconomistWatch/internal/spider"
	"github.com/LJTian/EconomistWatch/internal/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrBusy 同一个爬虫上一轮尚未结束
var ErrBusy = errors.New("scheduler: spider is already running")

// RunRecorder 记录每轮抓取，由 storage.Store 实现
type RunRecorder interface {
	RecordRun(run *storage.CrawlRun) error
}

type Deps struct {
	SearchBaseURL string
	CrawlOptions  spider.Options
	// NewChain 为每轮抓取构建新的 pipeline
	NewChain func(s spider.Spider) *pipeline.Chain
	Recorder RunRecorder
	Log      *zap.Logger
}

// Result 单轮抓取结果
type Result struct {
	Spider     string         `json:"spider"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Crawl      spider.Stats   `json:"crawl"`
	Pipeline   pipeline.Stats `json:"pipeline"`
	Error      string         `json:"error,omitempty"`
}

type Scheduler struct {
	cron     *cron.Cron
	registry *spider.Registry
	deps     Deps
	log      *zap.Logger

	mu      sync.Mutex
	running map[string]bool
	last    map[string]Result
}

// New 为每个爬虫注册一个定时任务，爬虫未配置 cron 时使用 defaultSpec
func New(defaultSpec string, registry *spider.Registry, deps Deps) (*Scheduler, error) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	s := &Scheduler{
		cron:     cron.New(),
		registry: registry,
		deps:     deps,
		log:      deps.Log,
		running:  make(map[string]bool),
		last:     make(map[string]Result),
	}

	for _, sp := range registry.All() {
		spec := sp.CronSpec
		if spec == "" {
			spec = defaultSpec
		}
		name := sp.Name
		if _, err := s.cron.AddFunc(spec, func() { s.scheduled(name) }); err != nil {
			return nil, fmt.Errorf("scheduler: add job %s (%q): %w", name, spec, err)
		}
		s.log.Info("job registered", zap.String("spider", name), zap.String("cron", spec))
	}

	return s, nil
}

func (s *Scheduler) Cron() *cron.Cron {
	return s.cron
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 停止调度，返回的 context 在运行中的任务结束后关闭
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) scheduled(name string) {
	if _, err := s.RunSpider(context.Background(), name); err != nil && !errors.Is(err, ErrBusy) {
		s.log.Warn("scheduled crawl failed", zap.String("spider", name), zap.Error(err))
	}
}

// RunOnce 所有爬虫并发执行一轮，方便手动触发采集
func (s *Scheduler) RunOnce(ctx context.Context) []Result {
	spiders := s.registry.All()
	results := make([]Result, len(spiders))

	var wg sync.WaitGroup
	for i, sp := range spiders {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			res, err := s.RunSpider(ctx, name)
			if err != nil {
				s.log.Warn("crawl failed", zap.String("spider", name), zap.Error(err))
			}
			results[i] = res
		}(i, sp.Name)
	}
	wg.Wait()
	s.log.Info("crawl round done (all spiders)")
	return results
}

// RunSpider 同步执行一轮
func (s *Scheduler) RunSpider(ctx context.Context, name string) (Result, error) {
	sp, err := s.begin(name)
	if err != nil {
		return Result{Spider: name, Error: err.Error()}, err
	}
	defer s.end(name)
	return s.run(ctx, sp)
}

// Trigger 异步执行一轮，未知爬虫或正在运行时立即返回错误
func (s *Scheduler) Trigger(name string) error {
	sp, err := s.begin(name)
	if err != nil {
		return err
	}
	go func() {
		defer s.end(name)
		if _, err := s.run(context.Background(), sp); err != nil {
			s.log.Warn("triggered crawl failed", zap.String("spider", name), zap.Error(err))
		}
	}()
	return nil
}

// Last 返回最近一轮的结果
func (s *Scheduler) Last(name string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.last[name]
	return res, ok
}

func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[name]
}

func (s *Scheduler) begin(name string) (spider.Spider, error) {
	sp, err := s.registry.Get(name)
	if err != nil {
		return spider.Spider{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return spider.Spider{}, fmt.Errorf("%w: %s", ErrBusy, name)
	}
	s.running[name] = true
	return sp, nil
}

func (s *Scheduler) end(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, sp spider.Spider) (Result, error) {
	log := s.log.With(zap.String("spider", sp.Name))
	res := Result{Spider: sp.Name, StartedAt: time.Now()}

	err := s.crawl(ctx, sp, log, &res)
	res.FinishedAt = time.Now()
	if err != nil {
		res.Error = err.Error()
	}

	s.mu.Lock()
	s.last[sp.Name] = res
	s.mu.Unlock()

	s.record(res, log)
	log.Info("crawl finished",
		zap.Int("items", res.Crawl.Items),
		zap.Int("stored", res.Pipeline.Stored),
		zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res, err
}

func (s *Scheduler) crawl(ctx context.Context, sp spider.Spider, log *zap.Logger, res *Result) error {
	chain := s.deps.NewChain(sp)
	if err := chain.Open(ctx); err != nil {
		return err
	}

	crawler := spider.NewCrawler(sp, s.deps.SearchBaseURL, s.deps.CrawlOptions, log)
	stats, crawlErr := crawler.Crawl(ctx, chain.Sink(ctx))
	res.Crawl = stats
	res.Pipeline = chain.Stats()

	// 抓取被取消时也要关闭连接
	closeErr := chain.Close(context.WithoutCancel(ctx))
	return errors.Join(crawlErr, closeErr)
}

func (s *Scheduler) record(res Result, log *zap.Logger) {
	if s.deps.Recorder == nil {
		return
	}
	run := &storage.CrawlRun{
		Spider:     res.Spider,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Pages:      res.Crawl.Pages,
		Items:      res.Crawl.Items,
		Stored:     res.Pipeline.Stored,
		Skipped:    res.Crawl.Skipped,
		Errors:     res.Crawl.Errors + res.Pipeline.Failed,
		Halted:     res.Crawl.Halted,
		Error:      res.Error,
	}
	if err := s.deps.Recorder.RecordRun(run); err != nil {
		log.Warn("record crawl run failed", zap.Error(err))
	}
}

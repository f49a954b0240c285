package spider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const (
	defaultUserAgent  = "EconomistWatchBot/1.0"
	defaultTimeout    = 15 * time.Second
	defaultRetryDelay = 2 * time.Second
)

// 请求上下文中的 key
const (
	kindKey       = "kind"
	kindArticle   = "article"
	kindPage      = "page"
	retryCountKey = "retry_count"
	pageKey       = "page_state"
	parentKey     = "parent"
)

// Options 采集器参数；Parallelism <= 1 时同步抓取，翻页顺序可预期
type Options struct {
	Parallelism int
	Delay       time.Duration
	Timeout     time.Duration
	RetryMax    int
	RetryDelay  time.Duration
	UserAgent   string
	Now         func() time.Time
}

// Stats 单次抓取的计数
type Stats struct {
	Pages    int  `json:"pages"`
	Articles int  `json:"articles"`
	Items    int  `json:"items"`
	Skipped  int  `json:"skipped"`
	Stale    int  `json:"stale"`
	Errors   int  `json:"errors"`
	Halted   bool `json:"halted"`
}

// Sink 接收每个解析出的 Item，调用是串行的
type Sink func(Item)

type Crawler struct {
	spider   Spider
	startURL string
	opts     Options
	log      *zap.Logger
}

func NewCrawler(s Spider, searchBase string, opts Options, log *zap.Logger) *Crawler {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Crawler{
		spider:   s,
		startURL: s.SearchURL(searchBase),
		opts:     opts,
		log:      log.With(zap.String("spider", s.Name)),
	}
}

func (c *Crawler) StartURL() string {
	return c.startURL
}

// run 保存一次抓取的可变状态
type run struct {
	*Crawler
	col  *colly.Collector
	sink Sink

	halted atomic.Bool

	mu    sync.Mutex
	stats Stats

	sinkMu sync.Mutex
}

// Crawl 从搜索页开始：访问文章链接并解析，跟随翻页直到遇到超出窗口的文章
func (c *Crawler) Crawl(ctx context.Context, sink Sink) (Stats, error) {
	if sink == nil {
		sink = func(Item) {}
	}
	r := &run{Crawler: c, sink: sink}

	col, err := c.newCollector(ctx)
	if err != nil {
		return Stats{}, err
	}
	r.col = col

	// OnResponse 先于 OnXML 执行，文章页在翻页规则之前完成截止判断
	col.OnResponse(func(resp *colly.Response) {
		r.count(func(s *Stats) { s.Pages++ })
		resp.Ctx.Put(pageKey, &pageState{})
		if resp.Ctx.Get(kindKey) == kindArticle {
			r.parse(resp)
			r.settle(resp.Ctx)
		}
	})
	// 规则一：搜索结果中的文章链接，文章页同样应用全部规则
	col.OnXML(xpathArticleLinks, func(e *colly.XMLElement) {
		r.followArticle(e)
	})
	// 规则二：下一页，先记下，等本页的文章全部处理完再决定是否跟随
	col.OnXML(xpathNextPage, func(e *colly.XMLElement) {
		if p := pageOf(e.Request.Ctx); p != nil {
			p.setNext(linkOf(e))
		}
	})
	col.OnScraped(func(resp *colly.Response) {
		if p := pageOf(resp.Ctx); p != nil {
			r.advance(p.markScraped())
		}
	})
	col.OnError(r.onError)

	c.log.Info("crawl start", zap.String("url", c.startURL))
	visitErr := col.Visit(c.startURL)
	col.Wait()

	stats := r.snapshot()
	// 同步模式下起始页重试成功时 Visit 仍会带回首次的错误，以是否抓到页面为准
	if visitErr != nil && stats.Pages == 0 {
		return stats, fmt.Errorf("spider %s: visit start url: %w", c.spider.Name, visitErr)
	}
	c.log.Info("crawl done",
		zap.Int("pages", stats.Pages),
		zap.Int("items", stats.Items),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
		zap.Bool("halted", stats.Halted),
	)
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (c *Crawler) newCollector(ctx context.Context) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.StdlibContext(ctx),
		colly.UserAgent(c.opts.UserAgent),
	}
	if len(c.spider.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(c.spider.AllowedDomains...))
	}
	if c.opts.Parallelism > 1 {
		opts = append(opts, colly.Async(true))
	}

	col := colly.NewCollector(opts...)
	col.DisableCookies()
	col.SetRequestTimeout(c.opts.Timeout)

	parallelism := c.opts.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	if err := col.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: parallelism,
		RandomDelay: c.opts.Delay,
	}); err != nil {
		return nil, fmt.Errorf("spider %s: set limit rule: %w", c.spider.Name, err)
	}
	return col, nil
}

// pageState 记录一个页面发出的文章请求，全部结束后才放行它的下一页。
// 异步模式下翻页因此不会越过尚未判断截止的文章。
type pageState struct {
	mu       sync.Mutex
	pending  int
	scraped  bool
	next     string
	released bool
}

func pageOf(ctx *colly.Context) *pageState {
	p, _ := ctx.GetAny(pageKey).(*pageState)
	return p
}

func (p *pageState) add() {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
}

// setNext 只保留第一个下一页链接
func (p *pageState) setNext(link string) {
	p.mu.Lock()
	if p.next == "" && link != "" {
		p.next = link
	}
	p.mu.Unlock()
}

func (p *pageState) markScraped() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scraped = true
	return p.readyLocked()
}

func (p *pageState) childDone() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending--
	return p.readyLocked()
}

func (p *pageState) readyLocked() (string, bool) {
	if !p.scraped || p.pending > 0 || p.next == "" || p.released {
		return "", false
	}
	p.released = true
	return p.next, true
}

// child 挂在文章请求的上下文里，保证每个文章请求只结算一次
type child struct {
	page *pageState
	once sync.Once
}

// settle 文章请求结束（解析完成或最终失败）时调用，可重复调用
func (r *run) settle(ctx *colly.Context) {
	c, ok := ctx.GetAny(parentKey).(*child)
	if !ok {
		return
	}
	c.once.Do(func() {
		r.advance(c.page.childDone())
	})
}

// advance 放行下一页，截止后不再跟随
func (r *run) advance(link string, ready bool) {
	if !ready {
		return
	}
	if r.halted.Load() {
		r.log.Debug("cutoff reached, skip next page", zap.String("url", link))
		return
	}
	ctx := colly.NewContext()
	ctx.Put(kindKey, kindPage)
	r.visit(link, ctx)
}

func linkOf(e *colly.XMLElement) string {
	href := strings.TrimSpace(e.Attr("href"))
	if href == "" {
		return ""
	}
	return e.Request.AbsoluteURL(href)
}

func (r *run) followArticle(e *colly.XMLElement) {
	link := linkOf(e)
	if link == "" {
		return
	}
	ctx := colly.NewContext()
	ctx.Put(kindKey, kindArticle)
	if p := pageOf(e.Request.Ctx); p != nil {
		p.add()
		ctx.Put(parentKey, &child{page: p})
	}
	if !r.visit(link, ctx) {
		r.settle(ctx)
	}
}

// visit 用新的请求上下文访问链接，避免 kind 沿父请求传递。
// 链接未能发出（已访问过或被过滤）时返回 false。
func (r *run) visit(link string, ctx *colly.Context) bool {
	if link == "" {
		return false
	}
	err := r.col.Request(http.MethodGet, link, nil, ctx, nil)
	if err == nil {
		return true
	}
	var visited *colly.AlreadyVisitedError
	if !errors.As(err, &visited) {
		r.log.Debug("skip link", zap.String("url", link), zap.Error(err))
	}
	return false
}

func (r *run) parse(resp *colly.Response) {
	pageURL := resp.Request.URL.String()
	r.count(func(s *Stats) { s.Articles++ })

	item, err := r.spider.ParseItem(resp.Body, pageURL, r.opts.Now())
	switch {
	case err == nil:
		r.count(func(s *Stats) { s.Items++ })
		r.emit(item)
	case errors.Is(err, ErrUnparseableDate):
		// 没有日期的页面直接跳过，交出空记录
		r.log.Warn("unable to parse date", zap.String("url", pageURL), zap.Error(err))
		r.count(func(s *Stats) { s.Skipped++ })
		r.emit(Item{})
	case errors.Is(err, ErrOutsideWindow):
		r.count(func(s *Stats) { s.Stale++ })
		if r.halted.CompareAndSwap(false, true) {
			r.log.Info("article older than cutoff, stop following pagination",
				zap.String("url", pageURL),
				zap.Int("window_days", r.spider.WindowDays),
			)
		}
	default:
		r.log.Warn("parse article failed", zap.String("url", pageURL), zap.Error(err))
		r.count(func(s *Stats) { s.Errors++ })
	}
}

func (r *run) emit(item Item) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	r.sink(item)
}

func (r *run) onError(resp *colly.Response, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.count(func(s *Stats) { s.Errors++ })
		r.settle(resp.Request.Ctx)
		return
	}

	if isTransient(resp) {
		n, _ := resp.Request.Ctx.GetAny(retryCountKey).(int)
		if n < r.opts.RetryMax {
			resp.Request.Ctx.Put(retryCountKey, n+1)
			r.log.Debug("retry request",
				zap.String("url", resp.Request.URL.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", n+1),
			)
			time.Sleep(r.opts.RetryDelay)
			// 重试请求失败时会再次进入 OnError，由那一次负责计数
			if retryErr := resp.Request.Retry(); retryErr != nil {
				r.log.Debug("retry returned", zap.String("url", resp.Request.URL.String()), zap.Error(retryErr))
			}
			return
		}
	}

	r.count(func(s *Stats) { s.Errors++ })
	r.log.Warn("request failed",
		zap.String("url", resp.Request.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Error(err),
	)
	r.settle(resp.Request.Ctx)
}

// isTransient 网络错误、429 与 5xx 可重试
func isTransient(resp *colly.Response) bool {
	return resp.StatusCode == 0 ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= http.StatusInternalServerError
}

func (r *run) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

func (r *run) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Halted = r.halted.Load()
	return s
}

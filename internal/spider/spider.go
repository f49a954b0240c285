package spider

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSpider 按名称找不到爬虫时返回
var ErrUnknownSpider = errors.New("spider: unknown spider")

const defaultDomain = "www.economist.com"

// Item 一篇文章解析后的统一结构；零值即“跳过”的空记录
type Item struct {
	Date     time.Time
	Title    string
	Content  string
	URL      string
	QueryKey string
}

func (it Item) IsEmpty() bool {
	return it.Date.IsZero() && it.Title == "" && it.Content == "" && it.URL == ""
}

// Spider 描述一个关键词爬虫：搜索词、允许的域名与截止窗口
type Spider struct {
	Name           string   `yaml:"name"`
	Query          string   `yaml:"query"`
	QueryKey       string   `yaml:"query_key"`
	AllowedDomains []string `yaml:"allowed_domains"`
	// WindowDays 文章最大年龄（天），超过后停止翻页
	WindowDays int `yaml:"window_days"`
	// RecordSource 为 true 时记录中额外带上 url 与 query_key
	RecordSource bool   `yaml:"record_source"`
	CronSpec     string `yaml:"cron"`
}

// Builtins 返回内置的两个关键词爬虫
func Builtins() []Spider {
	return []Spider{
		{
			Name:           "Andreessen_Horowitz",
			Query:          "Andreessen_Horowitz",
			AllowedDomains: []string{defaultDomain},
			WindowDays:     365,
			RecordSource:   true,
		},
		{
			Name:           "sequoia_capital",
			Query:          "sequoia capital",
			AllowedDomains: []string{defaultDomain},
			WindowDays:     1000,
		},
	}
}

func (s Spider) Window() time.Duration {
	return time.Duration(s.WindowDays) * 24 * time.Hour
}

// Key 写入记录的查询键，默认为原始搜索词
func (s Spider) Key() string {
	if s.QueryKey != "" {
		return s.QueryKey
	}
	return s.Query
}

// SearchURL 拼接搜索地址：空格转为 +，按日期排序
func (s Spider) SearchURL(base string) string {
	q := url.Values{}
	q.Set("q", s.Query)
	q.Set("sort", "date")
	return strings.TrimRight(base, "?") + "?" + q.Encode()
}

func (s Spider) validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return errors.New("spider: name is required")
	case strings.TrimSpace(s.Query) == "":
		return fmt.Errorf("spider %s: query is required", s.Name)
	case s.WindowDays <= 0:
		return fmt.Errorf("spider %s: window_days must be positive", s.Name)
	}
	return nil
}

type spidersFile struct {
	Spiders []Spider `yaml:"spiders"`
}

// LoadFile 从 YAML 文件读取爬虫定义，未写 allowed_domains 时使用默认站点
func LoadFile(path string) ([]Spider, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spider: read %s: %w", path, err)
	}
	var f spidersFile
	if err := yaml.Unmarshal(bs, &f); err != nil {
		return nil, fmt.Errorf("spider: decode %s: %w", path, err)
	}
	for i := range f.Spiders {
		if len(f.Spiders[i].AllowedDomains) == 0 {
			f.Spiders[i].AllowedDomains = []string{defaultDomain}
		}
	}
	return f.Spiders, nil
}

// Registry 按名称管理爬虫，保持注册顺序
type Registry struct {
	spiders []Spider
	byName  map[string]int
}

func NewRegistry(spiders ...Spider) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(spiders))}
	for _, s := range spiders {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, ok := r.byName[s.Name]; ok {
			return nil, fmt.Errorf("spider: duplicate name %q", s.Name)
		}
		r.byName[s.Name] = len(r.spiders)
		r.spiders = append(r.spiders, s)
	}
	return r, nil
}

func (r *Registry) Get(name string) (Spider, error) {
	i, ok := r.byName[name]
	if !ok {
		return Spider{}, fmt.Errorf("%w: %s", ErrUnknownSpider, name)
	}
	return r.spiders[i], nil
}

func (r *Registry) All() []Spider {
	out := make([]Spider, len(r.spiders))
	copy(out, r.spiders)
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.spiders))
	for _, s := range r.spiders {
		names = append(names, s.Name)
	}
	return names
}

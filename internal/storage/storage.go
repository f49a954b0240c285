package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/LJTian/EconomistWatch/internal/processor"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Query 描述一个被抓取的关键词，例如 sequoia_capital
type Query struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Code      string `gorm:"size:64;uniqueIndex" json:"code"` // 爬虫名
	Name      string `gorm:"size:128" json:"name"`            // 查询键
	SearchURL string `gorm:"size:512" json:"searchUrl"`
	Status    string `gorm:"size:32;index" json:"status"` // active / disabled

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Article 文档库文章在 Postgres 中的镜像
type Article struct {
	ID            string            `gorm:"primaryKey;size:40" json:"id"`
	Spider        string            `gorm:"size:64;index" json:"spider"`
	QueryKey      string            `gorm:"size:128;index" json:"queryKey"`
	Title         string            `gorm:"size:512" json:"title"`
	URL           string            `gorm:"size:1024" json:"url"`
	Content       string            `gorm:"type:text" json:"content"`
	PublishedAt   time.Time         `gorm:"index" json:"publishedAt"`
	PublishedDate string            `gorm:"size:10;index" json:"publishedDate"` // YYYY-MM-DD (UTC)
	ExtraData     datatypes.JSONMap `gorm:"type:jsonb" json:"extraData"`

	CreatedAt time.Time `json:"createdAt"`
}

// CrawlRun 每次抓取的统计
type CrawlRun struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Spider     string    `gorm:"size:64;index" json:"spider"`
	StartedAt  time.Time `gorm:"index" json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Pages      int       `json:"pages"`
	Items      int       `json:"items"`
	Stored     int       `json:"stored"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	Halted     bool      `json:"halted"`
	Error      string    `gorm:"size:1024" json:"error,omitempty"`
}

type Store struct {
	DB *gorm.DB
}

func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Query{}, &Article{}, &CrawlRun{}); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// EnsureQuery 按 code 取关键词，不存在则创建；名称与搜索地址总是以当前配置为准
func (s *Store) EnsureQuery(code, name, searchURL string) (*Query, error) {
	var q Query
	err := s.DB.Where(Query{Code: code}).
		Attrs(Query{Status: "active"}).
		Assign(Query{Name: name, SearchURL: searchURL}).
		FirstOrCreate(&q).Error
	if err != nil {
		return nil, fmt.Errorf("storage: ensure query %s: %w", code, err)
	}
	return &q, nil
}

func (s *Store) ListQueries() ([]Query, error) {
	var list []Query
	err := s.DB.Order("code ASC").Find(&list).Error
	return list, err
}

// SaveArticle 以 ID 为幂等键，已存在时不做任何修改
func (s *Store) SaveArticle(a processor.Article) error {
	row := &Article{
		ID:            a.ID,
		Spider:        a.Spider,
		QueryKey:      a.QueryKey,
		Title:         truncateRunesDB(a.Title, 512),
		URL:           truncateRunesDB(a.URL, 1024),
		Content:       a.Content,
		PublishedAt:   a.Date,
		PublishedDate: a.Date.UTC().Format("2006-01-02"),
		ExtraData: datatypes.JSONMap{
			"content_runes": len([]rune(a.Content)),
		},
	}
	return s.DB.Where("id = ?", a.ID).FirstOrCreate(row).Error
}

func (s *Store) RecordRun(run *CrawlRun) error {
	run.Error = truncateRunesDB(run.Error, 1024)
	return s.DB.Create(run).Error
}

// ListRuns 按开始时间倒序，spider 为空时返回全部
func (s *Store) ListRuns(spider string, limit int) ([]CrawlRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	db := s.DB.Model(&CrawlRun{})
	if spider != "" {
		db = db.Where("spider = ?", spider)
	}
	var list []CrawlRun
	err := db.Order("started_at DESC").Limit(limit).Find(&list).Error
	return list, err
}

// truncateRunesDB 按 rune 数截断字符串，确保不会超过数据库字段长度
func truncateRunesDB(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}

package processor

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"github.com/LJTian/EconomistWatch/internal/spider"
)

// Article 是写入存储层前的统一结构
type Article struct {
	ID       string
	Date     time.Time
	Title    string
	Content  string
	URL      string
	QueryKey string
	Spider   string
}

// SimpleProcessor 做最基础的数据清洗与 ID 生成
type SimpleProcessor struct{}

func NewSimpleProcessor() *SimpleProcessor {
	return &SimpleProcessor{}
}

// Process 清洗单条记录；空记录返回 false
func (p *SimpleProcessor) Process(spiderName string, it spider.Item) (Article, bool) {
	if it.IsEmpty() {
		return Article{}, false
	}

	title := toValidUTF8(strings.TrimSpace(it.Title))
	content := toValidUTF8(strings.TrimSpace(it.Content))

	return Article{
		ID:       articleID(it.URL, title, it.Date),
		Date:     it.Date.UTC(),
		Title:    title,
		Content:  content,
		URL:      it.URL,
		QueryKey: it.QueryKey,
		Spider:   spiderName,
	}, true
}

// articleID 优先用 URL 做幂等键；不记录 URL 的爬虫退回到 标题+日期
func articleID(url, title string, date time.Time) string {
	if url != "" {
		return hashURL(url)
	}
	return hashURL(title + "|" + date.UTC().Format(time.RFC3339))
}

func hashURL(url string) string {
	h := sha1.New()
	h.Write([]byte(url))
	return hex.EncodeToString(h.Sum(nil))
}

// toValidUTF8 将字符串规范为合法 UTF-8，避免入库时报编码错误
func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

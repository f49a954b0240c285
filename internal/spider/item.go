package spider

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// DateLayout 文章页 <time datetime> 的格式，按 UTC 解析
const DateLayout = "2006-01-02T15:04:05Z"

var (
	ErrUnparseableDate = errors.New("spider: unable to parse date")
	ErrOutsideWindow   = errors.New("spider: article older than cutoff window")
)

// 抓取规则与字段抽取使用的固定 XPath
const (
	xpathArticleLinks = "//li[@class='_result-item']/div/a"
	xpathNextPage     = "(//a[@rel='next'])[1]"

	xpathDate    = "//time[@datetime]"
	xpathTitle   = "//h1/text()"
	xpathContent = `//p[@class="article__body-text"]/text()`
)

// ParseDate 先按固定格式解析，失败再尝试带毫秒的 RFC3339
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(DateLayout, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableDate, raw)
}

// ParseItem 从文章页抽取日期、标题与正文。
// 日期无法解析时返回空 Item 与 ErrUnparseableDate；超出窗口时返回 ErrOutsideWindow。
func (s Spider) ParseItem(body []byte, pageURL string, now time.Time) (Item, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return Item{}, fmt.Errorf("spider: parse html: %w", err)
	}

	raw := ""
	if n := htmlquery.FindOne(doc, xpathDate); n != nil {
		raw = htmlquery.SelectAttr(n, "datetime")
	}
	date, err := ParseDate(raw)
	if err != nil {
		return Item{}, err
	}

	if now.Sub(date) > s.Window() {
		return Item{}, ErrOutsideWindow
	}

	item := Item{
		Date:    date,
		Title:   strings.TrimSpace(textOf(htmlquery.FindOne(doc, xpathTitle))),
		Content: joinText(htmlquery.Find(doc, xpathContent)),
	}
	if s.RecordSource {
		item.URL = pageURL
		item.QueryKey = s.Key()
	}
	return item, nil
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	return htmlquery.InnerText(n)
}

// joinText 正文被拆成多个段落，直接首尾相连
func joinText(nodes []*html.Node) string {
	var sb strings.Builder
	for _, n := range nodes {
		sb.WriteString(textOf(n))
	}
	return sb.String()
}

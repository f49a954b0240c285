package storage

import (
	"context"
	"testing"
	"time"

	"github.com/LJTian/EconomistWatch/internal/processor"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestTruncateRunesDB(t *testing.T) {
	assert.Equal(t, "", truncateRunesDB("abc", 0))
	assert.Equal(t, "abc", truncateRunesDB("  abc  ", 10))
	assert.Equal(t, "经济学", truncateRunesDB("经济学人杂志", 3))
}

func TestNewArticleDocKeepsOptionalFieldsEmpty(t *testing.T) {
	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	doc := NewArticleDoc(processor.Article{ID: "abc", Date: date, Title: "t", Content: "c", Spider: "sequoia_capital"})

	raw, err := bson.Marshal(doc)
	assert.NoError(t, err)

	var m bson.M
	assert.NoError(t, bson.Unmarshal(raw, &m))
	assert.Equal(t, "abc", m["_id"])
	assert.Equal(t, "t", m["title"])
	assert.Contains(t, m, "date")
	assert.NotContains(t, m, "url")
	assert.NotContains(t, m, "query_key")
	assert.Equal(t, "sequoia_capital", m["spider"])
}

func TestArticleFilter(t *testing.T) {
	assert.Empty(t, ArticleFilter{}.bson())
	assert.Equal(t, bson.M{"query_key": "sequoia capital"}, ArticleFilter{QueryKey: "sequoia capital"}.bson())
	assert.Equal(t, bson.M{"spider": "sequoia_capital"}, ArticleFilter{Spider: "sequoia_capital"}.bson())
	assert.Equal(t,
		bson.M{"spider": "Andreessen_Horowitz", "query_key": "Andreessen_Horowitz"},
		ArticleFilter{Spider: "Andreessen_Horowitz", QueryKey: "Andreessen_Horowitz"}.bson())
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	first, err := c.MarkSeen(ctx, "id", time.Minute)
	assert.NoError(t, err)
	assert.True(t, first)
	assert.NoError(t, c.Forget(ctx, "id"))

	var v []string
	assert.False(t, c.GetJSON(ctx, "k", &v))
	c.SetJSON(ctx, "k", []string{"x"}, time.Minute)
	assert.NoError(t, c.Close())
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LJTian/EconomistWatch/internal/processor"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ErrDuplicate 文档已存在（_id 冲突）
var ErrDuplicate = errors.New("storage: duplicate article")

// ArticleDoc 文档库中的一篇文章，url 与 query_key 可选；spider 记录来源，两种记录都能按它筛选
type ArticleDoc struct {
	ID       string    `bson:"_id" json:"id"`
	Date     time.Time `bson:"date" json:"date"`
	Title    string    `bson:"title" json:"title"`
	Content  string    `bson:"content" json:"content"`
	URL      string    `bson:"url,omitempty" json:"url,omitempty"`
	QueryKey string    `bson:"query_key,omitempty" json:"queryKey,omitempty"`
	Spider   string    `bson:"spider" json:"spider"`
}

// ArticleFilter 为空字段不参与筛选
type ArticleFilter struct {
	Spider   string
	QueryKey string
}

func NewArticleDoc(a processor.Article) ArticleDoc {
	return ArticleDoc{
		ID:       a.ID,
		Date:     a.Date,
		Title:    a.Title,
		Content:  a.Content,
		URL:      a.URL,
		QueryKey: a.QueryKey,
		Spider:   a.Spider,
	}
}

type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo 连接文档库并 ping 一次，失败时断开连接
func NewMongo(ctx context.Context, uri, database, collection string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("storage: connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("storage: ping mongodb: %w", err)
	}

	return &Mongo{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

// InsertArticle 只插入不更新
func (m *Mongo) InsertArticle(ctx context.Context, doc ArticleDoc) error {
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("storage: insert article: %w", err)
	}
	return nil
}

// ListArticles 按日期倒序返回
func (m *Mongo) ListArticles(ctx context.Context, f ArticleFilter, limit int64) ([]ArticleDoc, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}}).
		SetLimit(limit)

	cur, err := m.coll.Find(ctx, f.bson(), opts)
	if err != nil {
		return nil, fmt.Errorf("storage: find articles: %w", err)
	}
	defer cur.Close(ctx)

	list := make([]ArticleDoc, 0, limit)
	if err := cur.All(ctx, &list); err != nil {
		return nil, fmt.Errorf("storage: decode articles: %w", err)
	}
	return list, nil
}

func (m *Mongo) CountArticles(ctx context.Context, f ArticleFilter) (int64, error) {
	n, err := m.coll.CountDocuments(ctx, f.bson())
	if err != nil {
		return 0, fmt.Errorf("storage: count articles: %w", err)
	}
	return n, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (f ArticleFilter) bson() bson.M {
	m := bson.M{}
	if f.Spider != "" {
		m["spider"] = f.Spider
	}
	if f.QueryKey != "" {
		m["query_key"] = f.QueryKey
	}
	return m
}

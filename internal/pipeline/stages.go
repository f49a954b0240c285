package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/LJTian/EconomistWatch/internal/processor"
	"github.com/LJTian/EconomistWatch/internal/storage"
	"go.uber.org/zap"
)

// DocumentStore 文档库的最小写入接口，由 storage.Mongo 实现
type DocumentStore interface {
	InsertArticle(ctx context.Context, doc storage.ArticleDoc) error
	Close(ctx context.Context) error
}

// Connector 在 Open 时建立连接
type Connector func(ctx context.Context) (DocumentStore, error)

// MongoConnector 每次抓取单独建立客户端，Close 时断开
func MongoConnector(uri, database, collection string) Connector {
	return func(ctx context.Context) (DocumentStore, error) {
		m, err := storage.NewMongo(ctx, uri, database, collection)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// SharedConnector 复用常驻连接，Close 不断开
func SharedConnector(store DocumentStore) Connector {
	return func(context.Context) (DocumentStore, error) {
		return sharedStore{store}, nil
	}
}

type sharedStore struct {
	DocumentStore
}

func (sharedStore) Close(context.Context) error { return nil }

// MongoStage 每收到一条就写入集合
type MongoStage struct {
	connect Connector
	store   DocumentStore
}

func NewMongoStage(connect Connector) *MongoStage {
	return &MongoStage{connect: connect}
}

func (m *MongoStage) Name() string { return "mongodb" }

func (m *MongoStage) Open(ctx context.Context) error {
	store, err := m.connect(ctx)
	if err != nil {
		return err
	}
	m.store = store
	return nil
}

func (m *MongoStage) Process(ctx context.Context, a processor.Article) error {
	err := m.store.InsertArticle(ctx, storage.NewArticleDoc(a))
	if errors.Is(err, storage.ErrDuplicate) {
		return ErrDrop
	}
	return err
}

func (m *MongoStage) Close(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	err := m.store.Close(ctx)
	m.store = nil
	return err
}

// SeenMarker 由 storage.Cache 实现
type SeenMarker interface {
	MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, id string) error
}

// DedupeStage 跨次抓取去重，Redis 不可用时放行
type DedupeStage struct {
	seen SeenMarker
	ttl  time.Duration
	log  *zap.Logger
}

func NewDedupeStage(seen SeenMarker, ttl time.Duration, log *zap.Logger) *DedupeStage {
	if log == nil {
		log = zap.NewNop()
	}
	return &DedupeStage{seen: seen, ttl: ttl, log: log}
}

func (d *DedupeStage) Name() string { return "dedupe" }

func (d *DedupeStage) Open(context.Context) error { return nil }

func (d *DedupeStage) Close(context.Context) error { return nil }

func (d *DedupeStage) Process(ctx context.Context, a processor.Article) error {
	first, err := d.seen.MarkSeen(ctx, a.ID, d.ttl)
	if err != nil {
		d.log.Warn("dedupe unavailable, pass through", zap.String("id", a.ID), zap.Error(err))
		return nil
	}
	if !first {
		return ErrDrop
	}
	return nil
}

func (d *DedupeStage) Rollback(ctx context.Context, a processor.Article) {
	if err := d.seen.Forget(ctx, a.ID); err != nil {
		d.log.Warn("dedupe rollback failed", zap.String("id", a.ID), zap.Error(err))
	}
}

// ArticleMirror 由 storage.Store 实现
type ArticleMirror interface {
	EnsureQuery(code, name, searchURL string) (*storage.Query, error)
	SaveArticle(a processor.Article) error
}

// MirrorStage 把文章同步写入 Postgres
type MirrorStage struct {
	mirror    ArticleMirror
	code      string
	name      string
	searchURL string
}

func NewMirrorStage(mirror ArticleMirror, code, name, searchURL string) *MirrorStage {
	return &MirrorStage{mirror: mirror, code: code, name: name, searchURL: searchURL}
}

func (m *MirrorStage) Name() string { return "postgres" }

func (m *MirrorStage) Open(context.Context) error {
	_, err := m.mirror.EnsureQuery(m.code, m.name, m.searchURL)
	return err
}

func (m *MirrorStage) Process(_ context.Context, a processor.Article) error {
	return m.mirror.SaveArticle(a)
}

func (m *MirrorStage) Close(context.Context) error { return nil }
